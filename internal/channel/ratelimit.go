package channel

import (
	"context"
	"sync"
	"time"
)

// RecipientLimiter enforces a sliding-window cap on sends per
// recipient. When the window is full, Wait blocks until the oldest
// send leaves the window instead of failing the send.
type RecipientLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sends  map[string][]time.Time
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// NewRecipientLimiter returns a limiter allowing limit sends per
// recipient per rolling window.
func NewRecipientLimiter(limit int, window time.Duration) *RecipientLimiter {
	return &RecipientLimiter{
		limit:  limit,
		window: window,
		sends:  make(map[string][]time.Time),
		now:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Wait reserves one slot for key, blocking until a slot frees if the
// window is full. It returns early only when ctx is cancelled.
func (l *RecipientLimiter) Wait(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		now := l.now()
		recent := prune(l.sends[key], now.Add(-l.window))

		if len(recent) < l.limit {
			l.sends[key] = append(recent, now)
			l.mu.Unlock()
			return nil
		}

		wakeAt := recent[0].Add(l.window)
		l.sends[key] = recent
		l.mu.Unlock()

		if err := l.sleep(ctx, wakeAt.Sub(now)); err != nil {
			return err
		}
	}
}

// InWindow returns the number of sends currently counted for key.
func (l *RecipientLimiter) InWindow(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	recent := prune(l.sends[key], l.now().Add(-l.window))
	l.sends[key] = recent
	return len(recent)
}

// Total returns sends counted across all recipients, used for quota
// reporting.
func (l *RecipientLimiter) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	total := 0
	for key, times := range l.sends {
		recent := prune(times, cutoff)
		if len(recent) == 0 {
			delete(l.sends, key)
			continue
		}
		l.sends[key] = recent
		total += len(recent)
	}
	return total
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
