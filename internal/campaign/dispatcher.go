// Package campaign fans a template out to an audience in bounded
// chunks, feeding the delivery queue through the tracker.
package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atriaconnect/courier/internal/message"
	"github.com/atriaconnect/courier/internal/metrics"
	"github.com/atriaconnect/courier/internal/store"
	"github.com/atriaconnect/courier/internal/template"
)

// Directory resolves audience segments to recipients.
type Directory interface {
	Recipients(ctx context.Context, segments []string) ([]message.Recipient, error)
}

// Enqueuer is the tracker's intake, narrowed to what dispatch needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *message.Message) (uuid.UUID, error)
}

// Config tunes chunked dispatch.
type Config struct {
	ChunkSize  int           // recipients per chunk
	ChunkPause time.Duration // pause between chunks
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 20
	}
	if c.ChunkPause <= 0 {
		c.ChunkPause = 2 * time.Second
	}
}

// Dispatcher materializes campaigns into per-recipient messages and
// hands them to the tracker chunk by chunk.
type Dispatcher struct {
	cfg       Config
	directory Directory
	enqueuer  Enqueuer
	renderer  *template.Renderer
	store     store.Store
	logger    *zap.Logger
	pause     func(ctx context.Context, d time.Duration) error
}

// New builds a dispatcher.
func New(dir Directory, enq Enqueuer, renderer *template.Renderer, st store.Store, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:       cfg,
		directory: dir,
		enqueuer:  enq,
		renderer:  renderer,
		store:     st,
		logger:    logger,
		pause:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch executes a campaign: resolve the audience, then enqueue one
// personalized message per recipient in chunks, waiting for each chunk
// before starting the next. Any chunk failure cancels the campaign and
// skips the remaining chunks; an externally stored cancellation is
// honoured at every chunk boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, c *message.Campaign) error {
	tpl, ok := d.renderer.Lookup(c.TemplateID)
	if !ok {
		return fmt.Errorf("campaign %s: unknown template %q", c.ID, c.TemplateID)
	}

	recipients, err := d.directory.Recipients(ctx, c.Segments)
	if err != nil {
		return fmt.Errorf("resolve segments: %w", err)
	}

	now := time.Now()
	c.Status = message.CampaignExecuting
	c.StartedAt = &now
	if !d.persist(ctx, c) {
		d.logCancelled(c)
		return nil
	}
	d.logger.Info("campaign started",
		zap.String("campaign_id", c.ID.String()),
		zap.String("name", c.Name),
		zap.Int("recipients", len(recipients)),
	)

	total := len(recipients)
	for start := 0; start < total; start += d.cfg.ChunkSize {
		end := start + d.cfg.ChunkSize
		if end > total {
			end = total
		}

		if err := d.dispatchChunk(ctx, c, tpl, recipients[start:end], total); err != nil {
			d.abort(ctx, c, err)
			return err
		}
		if !d.persist(ctx, c) {
			d.logCancelled(c)
			return nil
		}

		if end < total {
			if err := d.pause(ctx, d.cfg.ChunkPause); err != nil {
				d.abort(ctx, c, err)
				return err
			}
			// A cancel can land during the pause; the next chunk must
			// not start.
			if !d.persist(ctx, c) {
				d.logCancelled(c)
				return nil
			}
		}
	}

	finished := time.Now()
	c.Status = message.CampaignCompleted
	c.FinishedAt = &finished
	if totals, err := d.Totals(ctx, c); err == nil {
		c.Totals = totals
	} else {
		d.logger.Error("fold campaign totals", zap.Error(err))
	}
	if !d.persist(ctx, c) {
		d.logCancelled(c)
		return nil
	}
	metrics.RecordCampaignDispatched(string(message.CampaignCompleted))
	d.logger.Info("campaign completed",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("sent", c.Progress.Sent),
		zap.Int("errors", c.Progress.Errors),
	)
	return nil
}

// persist saves the campaign record, letting a concurrently stored
// cancellation win over the in-flight copy. It reports whether the
// dispatch may continue.
func (d *Dispatcher) persist(ctx context.Context, c *message.Campaign) bool {
	if stored, err := d.store.Campaign(ctx, c.ID); err == nil && stored.Status == message.CampaignCancelled {
		now := time.Now()
		c.Status = message.CampaignCancelled
		if c.FinishedAt == nil {
			c.FinishedAt = &now
		}
	}
	if err := d.store.SaveCampaign(ctx, c); err != nil {
		d.logger.Error("save campaign", zap.Error(err))
	}
	return c.Status != message.CampaignCancelled
}

func (d *Dispatcher) logCancelled(c *message.Campaign) {
	metrics.RecordCampaignDispatched(string(message.CampaignCancelled))
	d.logger.Warn("campaign cancelled, remaining chunks skipped",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("processed", c.Progress.Processed),
	)
}

// Cancel marks a draft or executing campaign cancelled. An executing
// dispatch notices at the next chunk boundary and starts no further
// chunks; already-enqueued messages are unaffected.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	c, err := d.store.Campaign(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Status == message.CampaignCompleted || c.Status == message.CampaignCancelled {
		return false, nil
	}
	now := time.Now()
	c.Status = message.CampaignCancelled
	c.FinishedAt = &now
	if err := d.store.SaveCampaign(ctx, c); err != nil {
		return false, err
	}
	d.logger.Info("campaign cancel requested", zap.String("campaign_id", id.String()))
	return true, nil
}

// dispatchChunk enqueues one chunk concurrently and waits for every
// recipient before returning. Per-recipient rendering failures count
// as errors without failing the chunk; only enqueue failures do.
func (d *Dispatcher) dispatchChunk(ctx context.Context, c *message.Campaign, tpl *template.Template, chunk []message.Recipient, total int) error {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, rcpt := range chunk {
		rcpt := rcpt
		g.Go(func() error {
			msg, err := d.materialize(c, tpl, rcpt)
			var enqErr error
			if err == nil {
				if _, enqErr = d.enqueuer.Enqueue(gctx, msg); enqErr != nil {
					err = enqErr
				}
			}

			// Progress advances as each recipient settles, not at
			// chunk end.
			mu.Lock()
			c.Progress.Processed++
			if err != nil {
				c.Progress.Errors++
			} else {
				c.Progress.Sent++
			}
			c.Progress.Percent = float64(c.Progress.Processed) / float64(total) * 100
			mu.Unlock()

			if err != nil {
				d.logger.Warn("campaign recipient skipped",
					zap.String("campaign_id", c.ID.String()),
					zap.String("patient_id", rcpt.PatientID),
					zap.Error(err),
				)
			}
			if enqErr != nil {
				return fmt.Errorf("enqueue for %s: %w", rcpt.PatientID, enqErr)
			}
			return nil
		})
	}
	return g.Wait()
}

// materialize renders the campaign template for one recipient.
func (d *Dispatcher) materialize(c *message.Campaign, tpl *template.Template, rcpt message.Recipient) (*message.Message, error) {
	ch := d.channelFor(c, rcpt)

	bindings := map[string]any{
		"name":       rcpt.Name,
		"patient_id": rcpt.PatientID,
		"campaign":   c.Name,
	}
	body, err := d.renderer.Render(tpl.Body(ch), bindings)
	if err != nil {
		return nil, fmt.Errorf("render template %q: %w", tpl.ID, err)
	}
	subject, err := d.renderer.Render(tpl.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("render subject %q: %w", tpl.ID, err)
	}

	msg := message.New(
		rcpt,
		message.Content{Subject: subject, Body: body, TemplateID: tpl.ID},
		message.Options{Priority: c.Priority, Tracking: true},
		message.Context{CampaignID: c.ID.String(), ActionType: "campaign"},
	)
	msg.Channel = ch
	return msg, nil
}

// channelFor picks the first campaign channel the recipient has an
// address for, leaving it empty when none match so the selector's
// fallback order decides.
func (d *Dispatcher) channelFor(c *message.Campaign, rcpt message.Recipient) message.Channel {
	for _, ch := range c.Channels {
		if rcpt.Address(ch) != "" {
			return ch
		}
	}
	return ""
}

// abort marks the campaign cancelled after a chunk failure.
func (d *Dispatcher) abort(ctx context.Context, c *message.Campaign, cause error) {
	now := time.Now()
	c.Status = message.CampaignCancelled
	c.FinishedAt = &now
	if err := d.store.SaveCampaign(ctx, c); err != nil {
		d.logger.Error("save cancelled campaign", zap.Error(err))
	}
	metrics.RecordCampaignDispatched(string(message.CampaignCancelled))
	d.logger.Warn("campaign cancelled",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("processed", c.Progress.Processed),
		zap.Error(cause),
	)
}

// Totals folds reconciled per-message outcomes back into the campaign
// record.
func (d *Dispatcher) Totals(ctx context.Context, c *message.Campaign) (message.CampaignTotals, error) {
	msgs, err := d.store.ListMessages(ctx, message.Filter{CampaignID: c.ID.String()})
	if err != nil {
		return message.CampaignTotals{}, err
	}

	var t message.CampaignTotals
	for _, m := range msgs {
		t.Cost += m.Result.Cost
		switch m.Status {
		case message.StatusDelivered:
			t.Delivered++
		case message.StatusRead:
			t.Delivered++
			t.Read++
		case message.StatusResponded:
			t.Delivered++
			t.Read++
			t.Responded++
		}
	}
	return t, nil
}
