package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/atriaconnect/courier/internal/message"
)

// Memory is the in-process store. Records live for the process
// lifetime; durable archiving is the Postgres store's job. Every save
// and read exchanges a deep copy, so a record handed to one goroutine
// never aliases a record another goroutine is mutating.
type Memory struct {
	mu         sync.RWMutex
	messages   map[uuid.UUID]*message.Message
	byProvider map[string]uuid.UUID
	campaigns  map[uuid.UUID]*message.Campaign
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:   make(map[uuid.UUID]*message.Message),
		byProvider: make(map[string]uuid.UUID),
		campaigns:  make(map[uuid.UUID]*message.Campaign),
	}
}

// SaveMessage upserts msg and refreshes the provider-id index.
func (m *Memory) SaveMessage(ctx context.Context, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg.Clone()
	if msg.Result.ProviderID != "" {
		m.byProvider[msg.Result.ProviderID] = msg.ID
	}
	return nil
}

func (m *Memory) Message(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (m *Memory) MessageByProviderID(ctx context.Context, providerID string) (*message.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byProvider[providerID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (m *Memory) ListMessages(ctx context.Context, f message.Filter) ([]*message.Message, error) {
	m.mu.RLock()
	var out []*message.Message
	for _, msg := range m.messages {
		if f.Matches(msg) {
			out = append(out, msg.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamps.Created.After(out[j].Timestamps.Created)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) SaveCampaign(ctx context.Context, c *message.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c.Clone()
	return nil
}

func (m *Memory) Campaign(ctx context.Context, id uuid.UUID) (*message.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	return c.Clone(), nil
}
