// Package tracker owns per-message status records: it drives the
// delivery queue's drain loop, applies adapter send results, and
// reconciles asynchronous provider webhook events into the canonical
// state machine.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/channel"
	"github.com/atriaconnect/courier/internal/message"
	"github.com/atriaconnect/courier/internal/metrics"
	"github.com/atriaconnect/courier/internal/queue"
	"github.com/atriaconnect/courier/internal/selector"
	"github.com/atriaconnect/courier/internal/store"
)

// Config tunes the drain loop and retry policy.
type Config struct {
	TickInterval time.Duration // drain period
	BatchSize    int           // max sends per tick
	RetryDelay   time.Duration // fixed delay between attempts
	ExpireAfter  time.Duration // waiting entries older than this expire
	SweepEvery   time.Duration // rolling metrics housekeeping period
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = 24 * time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Hour
	}
}

// Tracker is the single writer for the delivery queue and the message
// status store. A mutex serializes the state transitions: drain ticks,
// webhook reconciliation, and cancellation each run one at a time.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	store    store.Store
	queue    *queue.Queue
	registry *channel.Registry
	selector *selector.Selector
	logger   *zap.Logger
	rolling  *rollingStats
	now      func() time.Time
}

// New builds a tracker around its queue and store.
func New(st store.Store, registry *channel.Registry, sel *selector.Selector, cfg Config, logger *zap.Logger) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:      cfg,
		store:    st,
		queue:    queue.New(),
		registry: registry,
		selector: sel,
		logger:   logger,
		rolling:  newRollingStats(24 * time.Hour),
		now:      time.Now,
	}
}

// Enqueue resolves the message's channel, creates its pending status
// record, and adds it to the delivery queue. Only configuration and
// store errors surface.
func (t *Tracker) Enqueue(ctx context.Context, msg *message.Message) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, err := t.selector.Resolve(msg)
	if err != nil {
		return uuid.Nil, err
	}
	msg.Channel = ch

	if ch == message.ChannelSMS {
		msg.Metrics.Segments = channel.SegmentCount(msg.Content.Body)
	}

	if err := t.store.SaveMessage(ctx, msg); err != nil {
		return uuid.Nil, fmt.Errorf("save message: %w", err)
	}
	t.queue.Push(msg, msg.Options.ScheduledAt)

	metrics.RecordEnqueued(string(ch), string(msg.Options.Priority))
	t.logger.Info("message enqueued",
		zap.String("message_id", msg.ID.String()),
		zap.String("channel", string(ch)),
		zap.String("priority", string(msg.Options.Priority)),
	)
	return msg.ID, nil
}

// Start runs the drain loop and the metrics housekeeping sweep until
// ctx is cancelled. Tests drive Tick directly instead.
func (t *Tracker) Start(ctx context.Context) {
	drain := time.NewTicker(t.cfg.TickInterval)
	sweep := time.NewTicker(t.cfg.SweepEvery)
	defer drain.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("tracker stopping")
			return
		case <-drain.C:
			t.Tick(ctx)
		case <-sweep.C:
			t.rolling.sweep(t.now())
		}
	}
}

// Tick runs one drain pass: expire stale entries, then send at most
// BatchSize eligible entries in priority order.
func (t *Tracker) Tick(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	for _, e := range t.queue.Expired(now.Add(-t.cfg.ExpireAfter)) {
		e.Msg.Status = message.StatusExpired
		e.Msg.Touch(now)
		if err := t.store.SaveMessage(ctx, e.Msg); err != nil {
			t.logger.Error("expire message", zap.Error(err))
		}
		metrics.RecordProcessed(string(e.Msg.Channel), "expired")
		t.logger.Warn("message expired in queue",
			zap.String("message_id", e.ID.String()),
		)
	}

	for _, e := range t.queue.Eligible(now, t.cfg.BatchSize) {
		t.process(ctx, e)
	}
	t.publishDepth()
}

// process performs one send attempt for an entry already marked
// processing by the queue.
func (t *Tracker) process(ctx context.Context, e *queue.Entry) {
	msg := e.Msg
	msg.Status = message.StatusSending
	msg.Touch(t.now())

	adapter, ok := t.registry.Get(msg.Channel)
	if !ok {
		// Channel disabled after enqueue: configuration-class, no retry.
		t.fail(ctx, e, "channel not enabled", "channel_disabled")
		return
	}

	res, err := adapter.Send(ctx, msg)
	// Every attempt, known outcome or not, consumes attempt budget so
	// an unknown result never causes an unaccounted duplicate send.
	msg.Result.Attempts = e.Attempt + 1

	switch {
	case err != nil:
		t.fail(ctx, e, err.Error(), "configuration")

	case res.Success:
		now := t.now()
		msg.MarkSent(res.ProviderID, res.Cost, now)
		if res.Segments > 0 {
			msg.Metrics.Segments = res.Segments
		}
		t.queue.Finish(e)
		t.rolling.record(now, string(msg.Channel), outcomeSent, res.Cost)
		metrics.RecordProcessed(string(msg.Channel), "sent")
		if err := t.store.SaveMessage(ctx, msg); err != nil {
			t.logger.Error("save sent message", zap.Error(err))
		}
		t.logger.Info("message sent",
			zap.String("message_id", msg.ID.String()),
			zap.String("provider_id", res.ProviderID),
			zap.Int("attempt", msg.Result.Attempts),
		)

	case res.Permanent:
		// Validation failure: terminal without consuming the retry
		// schedule.
		t.fail(ctx, e, res.Error, res.ErrorCode)

	case e.Attempt+1 >= msg.Options.MaxAttempts:
		t.fail(ctx, e, res.Error, res.ErrorCode)

	default:
		next := t.now().Add(t.cfg.RetryDelay)
		t.queue.Requeue(e, next, res.Error)
		msg.Status = message.StatusPending
		msg.Result.Error = res.Error
		msg.Result.ErrorCode = res.ErrorCode
		msg.Touch(t.now())
		metrics.RecordRetry(string(msg.Channel))
		if err := t.store.SaveMessage(ctx, msg); err != nil {
			t.logger.Error("save retrying message", zap.Error(err))
		}
		t.logger.Warn("send failed, retry scheduled",
			zap.String("message_id", msg.ID.String()),
			zap.Int("attempt", e.Attempt),
			zap.Time("next_attempt", next),
			zap.String("error", res.Error),
		)
	}
}

func (t *Tracker) fail(ctx context.Context, e *queue.Entry, errMsg, code string) {
	now := t.now()
	msg := e.Msg
	t.queue.Fail(e, errMsg)
	msg.Result.Attempts = e.Attempt
	msg.MarkFailed(errMsg, code, now)
	t.rolling.record(now, string(msg.Channel), outcomeFailed, 0)
	metrics.RecordProcessed(string(msg.Channel), "failed")
	if err := t.store.SaveMessage(ctx, msg); err != nil {
		t.logger.Error("save failed message", zap.Error(err))
	}
	t.logger.Warn("message failed",
		zap.String("message_id", msg.ID.String()),
		zap.String("error", errMsg),
		zap.String("code", code),
	)
}

// HandleWebhook parses a raw provider payload through the channel's
// adapter and reconciles each resulting event. Parsing failures yield
// zero events and are logged, never surfaced.
func (t *Tracker) HandleWebhook(ctx context.Context, ch message.Channel, payload []byte, signature string) int {
	adapter, ok := t.registry.Get(ch)
	if !ok {
		t.logger.Warn("webhook for unconfigured channel", zap.String("channel", string(ch)))
		return 0
	}

	events := adapter.ParseWebhook(payload, signature)
	if len(events) == 0 {
		t.logger.Warn("webhook produced no events", zap.String("channel", string(ch)))
		return 0
	}

	applied := 0
	for _, ev := range events {
		if t.Reconcile(ctx, ev) {
			applied++
		}
	}
	return applied
}

// Reconcile applies one canonical event to its message. Unmatched
// events are dropped with a warning: fast provider callbacks racing
// local bookkeeping are expected. Terminal messages ignore all further
// events.
func (t *Tracker) Reconcile(ctx context.Context, ev message.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, err := t.store.MessageByProviderID(ctx, ev.ProviderID)
	if err != nil {
		t.logger.Warn("webhook event matches no message",
			zap.String("provider_id", ev.ProviderID),
			zap.String("type", string(ev.Type)),
		)
		return false
	}

	if msg.Status.Terminal() {
		t.logger.Debug("event ignored, message terminal",
			zap.String("message_id", msg.ID.String()),
			zap.String("status", string(msg.Status)),
		)
		return false
	}

	now := t.now()
	applied := false

	switch ev.Type {
	case message.EventDelivery:
		if msg.Status == message.StatusSent {
			msg.Status = message.StatusDelivered
			msg.Timestamps.Delivered = &now
			if msg.Timestamps.Sent != nil {
				msg.Metrics.DeliverySeconds = now.Sub(*msg.Timestamps.Sent).Seconds()
				metrics.ObserveDeliveryLatency(string(msg.Channel), now.Sub(*msg.Timestamps.Sent))
			}
			t.rolling.record(now, string(msg.Channel), outcomeDelivered, 0)
			applied = true
		}

	case message.EventRead:
		if msg.Status == message.StatusSent || msg.Status == message.StatusDelivered {
			msg.Status = message.StatusRead
			msg.Timestamps.Read = &now
			if msg.Timestamps.Delivered != nil {
				msg.Metrics.ReadSeconds = now.Sub(*msg.Timestamps.Delivered).Seconds()
			} else if msg.Timestamps.Sent != nil {
				msg.Metrics.ReadSeconds = now.Sub(*msg.Timestamps.Sent).Seconds()
			}
			t.rolling.record(now, string(msg.Channel), outcomeRead, 0)
			applied = true
		}

	case message.EventResponse:
		switch msg.Status {
		case message.StatusSent, message.StatusDelivered, message.StatusRead:
			msg.Status = message.StatusResponded
			msg.Timestamps.Responded = &now
			if msg.Timestamps.Sent != nil {
				msg.Metrics.ResponseSeconds = now.Sub(*msg.Timestamps.Sent).Seconds()
			}
			t.rolling.record(now, string(msg.Channel), outcomeResponded, 0)
			applied = true
		}

	case message.EventError:
		msg.MarkFailed(ev.Error, ev.ErrorCode, now)
		t.rolling.record(now, string(msg.Channel), outcomeFailed, 0)
		applied = true
	}

	if !applied {
		return false
	}

	msg.Touch(now)
	metrics.RecordWebhookEvent(string(ev.Channel), string(ev.Type))
	if err := t.store.SaveMessage(ctx, msg); err != nil {
		t.logger.Error("save reconciled message", zap.Error(err))
	}
	t.logger.Info("webhook event applied",
		zap.String("message_id", msg.ID.String()),
		zap.String("type", string(ev.Type)),
		zap.String("status", string(msg.Status)),
	)
	return true
}

// Message returns one status record.
func (t *Tracker) Message(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	return t.store.Message(ctx, id)
}

// List returns filtered status records, newest first.
func (t *Tracker) List(ctx context.Context, f message.Filter) ([]*message.Message, error) {
	return t.store.ListMessages(ctx, f)
}

// Cancel removes a queue-resident message. In-flight sends cannot be
// cancelled.
func (t *Tracker) Cancel(ctx context.Context, id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.queue.Remove(id) {
		return false
	}
	if msg, err := t.store.Message(ctx, id); err == nil {
		msg.Status = message.StatusExpired
		msg.Touch(t.now())
		if err := t.store.SaveMessage(ctx, msg); err != nil {
			t.logger.Error("save cancelled message", zap.Error(err))
		}
	}
	return true
}

// QueueStats reports queue depth for the state endpoint.
func (t *Tracker) QueueStats() queue.Stats {
	return t.queue.Stats()
}

// RollingStats reports the rolling 24 h volume, error rate, and cost.
func (t *Tracker) RollingStats() RollingSnapshot {
	return t.rolling.snapshot(t.now())
}

func (t *Tracker) publishDepth() {
	s := t.queue.Stats()
	metrics.SetQueueDepth("waiting", s.Waiting)
	metrics.SetQueueDepth("processing", s.Processing)
	metrics.SetQueueDepth("failed", s.Failed)
}
