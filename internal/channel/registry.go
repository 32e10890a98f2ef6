package channel

import (
	"sync"

	"github.com/atriaconnect/courier/internal/message"
)

// Registry holds the configured adapters keyed by channel. Adding a
// channel means registering a new implementer, not editing a switch.
type Registry struct {
	mu       sync.RWMutex
	adapters map[message.Channel]Adapter
}

// NewRegistry returns a registry with the given adapters registered.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[message.Channel]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its channel.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for c, if registered.
func (r *Registry) Get(c message.Channel) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[c]
	return a, ok
}

// Enabled reports whether c has a registered adapter.
func (r *Registry) Enabled(c message.Channel) bool {
	_, ok := r.Get(c)
	return ok
}

// Channels returns the registered channels in the fixed fallback
// order whatsapp, sms, email.
func (r *Registry) Channels() []message.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []message.Channel
	for _, c := range message.Channels {
		if _, ok := r.adapters[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
