// Package queue implements the in-memory delivery queue: pending sends
// ordered by priority with retry scheduling.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atriaconnect/courier/internal/message"
)

// EntryStatus is the queue-local state of one entry.
type EntryStatus string

const (
	StatusWaiting    EntryStatus = "waiting"
	StatusProcessing EntryStatus = "processing"
	StatusFailed     EntryStatus = "failed"
	StatusDone       EntryStatus = "done"
)

// Entry wraps a message with its scheduling state. Priority is fixed
// at enqueue time; a retried entry keeps its original rank.
type Entry struct {
	ID          uuid.UUID
	Msg         *message.Message
	Priority    int
	Attempt     int
	NextAttempt time.Time
	Status      EntryStatus
	LastError   string
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Waiting       int        `json:"waiting"`
	Processing    int        `json:"processing"`
	Failed        int        `json:"failed"`
	NextScheduled *time.Time `json:"next_scheduled,omitempty"`
}

// Queue keeps entries sorted by descending priority, FIFO within a
// tier: insertion position is the tie-break. The tracker is its only
// writer.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push inserts a waiting entry at its priority position, after any
// existing entries of equal or higher priority.
func (q *Queue) Push(msg *message.Message, notBefore time.Time) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &Entry{
		ID:          msg.ID,
		Msg:         msg,
		Priority:    msg.Options.Priority.Weight(),
		NextAttempt: notBefore,
		Status:      StatusWaiting,
	}

	idx := len(q.entries)
	for i, cur := range q.entries {
		if cur.Priority < e.Priority {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	return e
}

// Eligible returns up to limit waiting entries whose next-attempt time
// has passed, in queue order, marking each processing. A limit <= 0
// means no cap.
func (q *Queue) Eligible(now time.Time, limit int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, e := range q.entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.Status == StatusWaiting && !e.NextAttempt.After(now) {
			e.Status = StatusProcessing
			out = append(out, e)
		}
	}
	return out
}

// Requeue returns a processing entry to waiting with a new retry time.
// The entry keeps its position: priority rank never changes with
// attempt count.
func (q *Queue) Requeue(e *Entry, nextAttempt time.Time, lastError string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.Attempt++
	e.Status = StatusWaiting
	e.NextAttempt = nextAttempt
	e.LastError = lastError
}

// Finish marks an entry done and drops it from the queue.
func (q *Queue) Finish(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.Status = StatusDone
	q.remove(e.ID)
}

// Fail marks an entry failed. Failed entries stay countable in stats
// but are no longer eligible.
func (q *Queue) Fail(e *Entry, lastError string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.Attempt++
	e.Status = StatusFailed
	e.LastError = lastError
}

// Remove drops a queue-resident entry. Only waiting entries can be
// removed; an in-flight send cannot be cancelled.
func (q *Queue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id && e.Status == StatusWaiting {
			q.remove(id)
			return true
		}
	}
	return false
}

// Expired returns waiting entries scheduled before the cutoff,
// removing them from the queue.
func (q *Queue) Expired(cutoff time.Time) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Status == StatusWaiting && e.Msg.Options.ScheduledAt.Before(cutoff) {
			out = append(out, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return out
}

// Stats reports current depth counters and the earliest scheduled
// attempt among waiting entries.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, e := range q.entries {
		switch e.Status {
		case StatusWaiting:
			s.Waiting++
			if s.NextScheduled == nil || e.NextAttempt.Before(*s.NextScheduled) {
				t := e.NextAttempt
				s.NextScheduled = &t
			}
		case StatusProcessing:
			s.Processing++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Len returns the number of entries currently held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// remove must be called with the lock held.
func (q *Queue) remove(id uuid.UUID) {
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}
