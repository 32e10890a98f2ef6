// Package analytics computes delivery statistics over tracked message
// records: rates, breakdowns, and the simple heuristics surfaced in the
// practice dashboard.
package analytics

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/message"
	"github.com/atriaconnect/courier/internal/store"
)

// Rate thresholds for generated insights.
const (
	goodDeliveryRate = 0.8
	poorDeliveryRate = 0.6
)

// Totals counts messages by reached lifecycle stage. A read message
// counts as delivered too; a responded one as delivered and read.
type Totals struct {
	Messages  int     `json:"messages"`
	Sent      int     `json:"sent"`
	Delivered int     `json:"delivered"`
	Read      int     `json:"read"`
	Responded int     `json:"responded"`
	Failed    int     `json:"failed"`
	Cost      float64 `json:"cost"`
}

// Rates are derived ratios, each in [0,1]. An empty denominator yields
// zero, never NaN.
type Rates struct {
	Delivery float64 `json:"delivery"`
	Read     float64 `json:"read"`
	Response float64 `json:"response"`
	Failure  float64 `json:"failure"`
}

// ChannelSummary is the per-channel slice of a report.
type ChannelSummary struct {
	Channel message.Channel `json:"channel"`
	Totals  Totals          `json:"totals"`
	Rates   Rates           `json:"rates"`
}

// TemplateSummary aggregates outcomes per template.
type TemplateSummary struct {
	TemplateID string `json:"template_id"`
	Totals     Totals `json:"totals"`
	Rates      Rates  `json:"rates"`
}

// SegmentSummary aggregates outcomes per audience segment tag. A
// message tagged with several segments counts toward each.
type SegmentSummary struct {
	Segment string `json:"segment"`
	Totals  Totals `json:"totals"`
	Rates   Rates  `json:"rates"`
}

// Insight is a threshold-triggered observation for the dashboard.
type Insight struct {
	Kind    string `json:"kind"` // "recommendation" or "alert"
	Message string `json:"message"`
}

// Summary is a full analytics report over one time window.
type Summary struct {
	From        time.Time         `json:"from"`
	To          time.Time         `json:"to"`
	Totals      Totals            `json:"totals"`
	Rates       Rates             `json:"rates"`
	ByChannel   []ChannelSummary  `json:"by_channel"`
	ByTemplate  []TemplateSummary `json:"by_template"`
	BySegment   []SegmentSummary  `json:"by_segment"`
	BestChannel message.Channel   `json:"best_channel,omitempty"`
	BestHour    int               `json:"best_hour"` // -1 when unknown
	Insights    []Insight         `json:"insights"`
}

// Aggregator reads tracked messages and folds them into summaries.
type Aggregator struct {
	store  store.Store
	logger *zap.Logger
}

// New builds an aggregator over the given store.
func New(st store.Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logger}
}

// Summarize computes the report for messages created in [from, to).
// An empty window yields a zero-valued summary, not an error.
func (a *Aggregator) Summarize(ctx context.Context, f message.Filter) (Summary, error) {
	msgs, err := a.store.ListMessages(ctx, f)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{From: f.From, To: f.To, BestHour: -1}
	byChannel := make(map[message.Channel]*Totals)
	byTemplate := make(map[string]*Totals)
	bySegment := make(map[string]*Totals)
	hourEngagement := make(map[int]int)

	for _, m := range msgs {
		fold(&s.Totals, m)

		ct, ok := byChannel[m.Channel]
		if !ok {
			ct = &Totals{}
			byChannel[m.Channel] = ct
		}
		fold(ct, m)

		if id := m.Content.TemplateID; id != "" {
			tt, ok := byTemplate[id]
			if !ok {
				tt = &Totals{}
				byTemplate[id] = tt
			}
			fold(tt, m)
		}

		for _, tag := range m.Context.Tags {
			st, ok := bySegment[tag]
			if !ok {
				st = &Totals{}
				bySegment[tag] = st
			}
			fold(st, m)
		}

		if engaged(m.Status) && m.Timestamps.Sent != nil {
			hourEngagement[m.Timestamps.Sent.Hour()]++
		}
	}

	s.Rates = rates(s.Totals)

	for _, ch := range message.Channels {
		t, ok := byChannel[ch]
		if !ok {
			continue
		}
		s.ByChannel = append(s.ByChannel, ChannelSummary{Channel: ch, Totals: *t, Rates: rates(*t)})
	}

	ids := make([]string, 0, len(byTemplate))
	for id := range byTemplate {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := byTemplate[id]
		s.ByTemplate = append(s.ByTemplate, TemplateSummary{TemplateID: id, Totals: *t, Rates: rates(*t)})
	}

	tags := make([]string, 0, len(bySegment))
	for tag := range bySegment {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		t := bySegment[tag]
		s.BySegment = append(s.BySegment, SegmentSummary{Segment: tag, Totals: *t, Rates: rates(*t)})
	}

	s.BestChannel = bestChannel(s.ByChannel)
	s.BestHour = bestHour(hourEngagement)
	s.Insights = insights(s.ByChannel)
	return s, nil
}

// fold counts one message into t. Later lifecycle stages imply the
// earlier ones.
func fold(t *Totals, m *message.Message) {
	t.Messages++
	t.Cost += m.Result.Cost
	switch m.Status {
	case message.StatusSent:
		t.Sent++
	case message.StatusDelivered:
		t.Sent++
		t.Delivered++
	case message.StatusRead:
		t.Sent++
		t.Delivered++
		t.Read++
	case message.StatusResponded:
		t.Sent++
		t.Delivered++
		t.Read++
		t.Responded++
	case message.StatusFailed:
		t.Failed++
	}
}

// rates derives ratios with zero-valued denominators yielding zero.
func rates(t Totals) Rates {
	var r Rates
	if t.Sent > 0 {
		r.Delivery = float64(t.Delivered) / float64(t.Sent)
		r.Response = float64(t.Responded) / float64(t.Sent)
	}
	if t.Delivered > 0 {
		r.Read = float64(t.Read) / float64(t.Delivered)
	}
	if attempted := t.Sent + t.Failed; attempted > 0 {
		r.Failure = float64(t.Failed) / float64(attempted)
	}
	return r
}

func engaged(s message.Status) bool {
	return s == message.StatusRead || s == message.StatusResponded
}

// bestChannel is the channel with the highest delivery rate among
// those that actually sent something. Ties go to the fixed channel
// order.
func bestChannel(channels []ChannelSummary) message.Channel {
	var best message.Channel
	bestRate := -1.0
	for _, c := range channels {
		if c.Totals.Sent == 0 {
			continue
		}
		if c.Rates.Delivery > bestRate {
			best = c.Channel
			bestRate = c.Rates.Delivery
		}
	}
	return best
}

// bestHour is the send hour with the most read-or-responded messages,
// or -1 when nothing engaged.
func bestHour(engagement map[int]int) int {
	best, bestCount := -1, 0
	for h := 0; h < 24; h++ {
		if c := engagement[h]; c > bestCount {
			best, bestCount = h, c
		}
	}
	return best
}

// insights turns per-channel delivery rates into dashboard hints.
func insights(channels []ChannelSummary) []Insight {
	var out []Insight
	for _, c := range channels {
		if c.Totals.Sent == 0 {
			continue
		}
		switch {
		case c.Rates.Delivery > goodDeliveryRate:
			out = append(out, Insight{
				Kind:    "recommendation",
				Message: string(c.Channel) + " is performing well; prefer it for time-sensitive messages",
			})
		case c.Rates.Delivery < poorDeliveryRate:
			out = append(out, Insight{
				Kind:    "alert",
				Message: string(c.Channel) + " delivery rate is low; check provider status and recipient data",
			})
		}
	}
	return out
}
