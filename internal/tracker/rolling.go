package tracker

import (
	"sync"
	"time"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeDelivered
	outcomeRead
	outcomeResponded
	outcomeFailed
)

type rollingEvent struct {
	at      time.Time
	channel string
	out     outcome
	cost    float64
}

// rollingStats keeps a sliding window of delivery outcomes for the
// health/state endpoint. Events older than the window are pruned on
// read and during the housekeeping sweep.
type rollingStats struct {
	mu     sync.Mutex
	window time.Duration
	events []rollingEvent
}

func newRollingStats(window time.Duration) *rollingStats {
	return &rollingStats{window: window}
}

func (r *rollingStats) record(at time.Time, channel string, out outcome, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, rollingEvent{at: at, channel: channel, out: out, cost: cost})
}

func (r *rollingStats) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
}

// prune drops expired events; callers hold the lock.
func (r *rollingStats) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.events) && r.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.events = append([]rollingEvent(nil), r.events[i:]...)
	}
}

// RollingSnapshot is the windowed view exposed by the state endpoint.
type RollingSnapshot struct {
	Window    time.Duration  `json:"-"`
	Sent      int            `json:"sent"`
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
	ErrorRate float64        `json:"error_rate"`
	Cost      float64        `json:"cost"`
	ByChannel map[string]int `json:"by_channel"`
}

func (r *rollingStats) snapshot(now time.Time) RollingSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)

	snap := RollingSnapshot{Window: r.window, ByChannel: make(map[string]int)}
	for _, ev := range r.events {
		switch ev.out {
		case outcomeSent:
			snap.Sent++
			snap.Cost += ev.cost
			snap.ByChannel[ev.channel]++
		case outcomeDelivered:
			snap.Delivered++
		case outcomeFailed:
			snap.Failed++
		}
	}
	if total := snap.Sent + snap.Failed; total > 0 {
		snap.ErrorRate = float64(snap.Failed) / float64(total)
	}
	return snap
}
