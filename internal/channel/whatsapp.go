package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/message"
)

// WhatsAppConfig configures the WhatsApp Business adapter.
type WhatsAppConfig struct {
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
	APIVersion    string

	// Per-recipient sliding window. Defaults: 10 sends / 60 s.
	RecipientLimit  int
	RecipientWindow time.Duration
}

// Carrier is the provider wire for a channel adapter. Real provider
// integration is out of scope; the default carrier simulates the
// provider hand-off and assigns provider message ids.
type Carrier interface {
	Deliver(ctx context.Context, kind string, payload map[string]any) (providerID string, err error)
	Ping(ctx context.Context) error
}

// SimulatedCarrier stands in for the provider API in development and
// tests. Duplicate Deliver calls duplicate delivery, like the real
// thing, so callers must gate retries on attempt accounting.
type SimulatedCarrier struct{}

func (SimulatedCarrier) Deliver(ctx context.Context, kind string, payload map[string]any) (string, error) {
	return fmt.Sprintf("%s_%s", kind, uuid.NewString()), nil
}

func (SimulatedCarrier) Ping(ctx context.Context) error { return nil }

// Estimated per-message costs, by payload kind.
const (
	whatsappCostText     = 0.05
	whatsappCostTemplate = 0.08
	whatsappCostMedia    = 0.10

	whatsappQuotaPerMinute = 1000
)

// WhatsAppAdapter sends text, template and media messages and parses
// Graph-API-shaped status webhooks.
type WhatsAppAdapter struct {
	cfg     WhatsAppConfig
	carrier Carrier
	limiter *RecipientLimiter
	logger  *zap.Logger
}

// NewWhatsAppAdapter builds the adapter. A nil carrier gets the
// simulated one.
func NewWhatsAppAdapter(cfg WhatsAppConfig, carrier Carrier, logger *zap.Logger) *WhatsAppAdapter {
	if cfg.RecipientLimit <= 0 {
		cfg.RecipientLimit = 10
	}
	if cfg.RecipientWindow <= 0 {
		cfg.RecipientWindow = time.Minute
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v19.0"
	}
	if carrier == nil {
		carrier = SimulatedCarrier{}
	}
	return &WhatsAppAdapter{
		cfg:     cfg,
		carrier: carrier,
		limiter: NewRecipientLimiter(cfg.RecipientLimit, cfg.RecipientWindow),
		logger:  logger,
	}
}

func (a *WhatsAppAdapter) Name() message.Channel { return message.ChannelWhatsApp }

// Send normalizes the message into a provider payload and hands it to
// the carrier. The per-recipient window suspends the caller until a
// slot frees rather than failing the send.
func (a *WhatsAppAdapter) Send(ctx context.Context, msg *message.Message) (SendResult, error) {
	to := normalizePhone(msg.Recipient.WhatsApp)
	if to == "" {
		return failure(ErrInvalidRecipient, "invalid_whatsapp_number", true), nil
	}

	if err := a.limiter.Wait(ctx, to); err != nil {
		// Context cancelled while waiting for a slot: transient.
		return failure(err, "rate_limit_wait", false), nil
	}

	kind, payload, cost := a.buildPayload(to, msg)

	providerID, err := a.carrier.Deliver(ctx, kind, payload)
	if err != nil {
		a.logger.Warn("whatsapp send failed",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)
		return failure(err, "provider_error", false), nil
	}

	return SendResult{Success: true, ProviderID: providerID, Cost: cost}, nil
}

func (a *WhatsAppAdapter) buildPayload(to string, msg *message.Message) (string, map[string]any, float64) {
	base := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
	}

	switch {
	case msg.Content.MediaURL != "":
		base["type"] = "document"
		base["document"] = map[string]any{
			"link":    msg.Content.MediaURL,
			"caption": msg.Content.Body,
		}
		return "media", base, whatsappCostMedia

	case msg.Content.TemplateID != "":
		params := make([]map[string]any, 0, len(msg.Content.Params))
		for _, v := range msg.Content.Params {
			params = append(params, map[string]any{"type": "text", "text": v})
		}
		base["type"] = "template"
		base["template"] = map[string]any{
			"name":       msg.Content.TemplateID,
			"components": []map[string]any{{"type": "body", "parameters": params}},
		}
		return "template", base, whatsappCostTemplate

	default:
		base["type"] = "text"
		base["text"] = map[string]any{"body": msg.Content.Body}
		return "text", base, whatsappCostText
	}
}

// Graph webhook payload shapes, reduced to the fields we read.
type waWebhook struct {
	Entry []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					RecipientID string `json:"recipient_id"`
					Errors      []struct {
						Code  int    `json:"code"`
						Title string `json:"title"`
					} `json:"errors"`
				} `json:"statuses"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Context   struct {
						ID string `json:"id"`
					} `json:"context"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook maps a Graph callback into canonical events. A payload
// failing token validation or not shaped like a Graph callback yields
// an empty slice.
func (a *WhatsAppAdapter) ParseWebhook(payload []byte, signature string) []message.Event {
	if a.cfg.VerifyToken != "" && signature != a.cfg.VerifyToken {
		a.logger.Warn("whatsapp webhook rejected: bad verify token")
		return nil
	}

	var hook waWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		a.logger.Warn("whatsapp webhook rejected: malformed payload", zap.Error(err))
		return nil
	}

	var events []message.Event
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}

			for _, st := range change.Value.Statuses {
				typ, ok := mapWhatsAppStatus(st.Status)
				if !ok {
					continue
				}
				ev := message.Event{
					ID:         fmt.Sprintf("status_%s_%d", st.ID, time.Now().UnixNano()),
					Channel:    message.ChannelWhatsApp,
					Type:       typ,
					Timestamp:  unixStringTime(st.Timestamp),
					ProviderID: st.ID,
					Status:     st.Status,
				}
				if len(st.Errors) > 0 {
					ev.Error = st.Errors[0].Title
					ev.ErrorCode = strconv.Itoa(st.Errors[0].Code)
				}
				events = append(events, ev)
			}

			// Inbound replies count as responses; the context id points
			// at the provider id of the message being replied to.
			for _, m := range change.Value.Messages {
				providerID := m.Context.ID
				if providerID == "" {
					providerID = m.ID
				}
				events = append(events, message.Event{
					ID:         fmt.Sprintf("message_%s_%d", m.ID, time.Now().UnixNano()),
					Channel:    message.ChannelWhatsApp,
					Type:       message.EventResponse,
					Timestamp:  unixStringTime(m.Timestamp),
					ProviderID: providerID,
					Status:     "received",
					Metadata:   map[string]any{"from": m.From, "text": m.Text.Body},
				})
			}
		}
	}
	return events
}

// CheckStatus is a provider poll fallback; the simulated carrier has
// no status store, so a known-shaped id reports sent.
func (a *WhatsAppAdapter) CheckStatus(ctx context.Context, providerID string) (message.Status, error) {
	if providerID == "" {
		return "", fmt.Errorf("empty provider id")
	}
	return message.StatusSent, nil
}

func (a *WhatsAppAdapter) Health(ctx context.Context) Health {
	h := Health{CheckedAt: time.Now()}
	if err := a.carrier.Ping(ctx); err != nil {
		h.Detail = err.Error()
		return h
	}
	h.Connected = true
	return h
}

func (a *WhatsAppAdapter) Quota() Quota {
	used := a.limiter.Total()
	remaining := whatsappQuotaPerMinute - used
	if remaining < 0 {
		remaining = 0
	}
	return Quota{
		PerMinute: whatsappQuotaPerMinute,
		Remaining: remaining,
		ResetsAt:  time.Now().Add(time.Minute),
	}
}

// mapWhatsAppStatus maps a status callback to a canonical event. The
// "sent" callback duplicates the hand-off the adapter already
// reported, so it maps to no event.
func mapWhatsAppStatus(status string) (message.EventType, bool) {
	switch status {
	case "delivered":
		return message.EventDelivery, true
	case "read":
		return message.EventRead, true
	case "failed":
		return message.EventError, true
	default:
		return "", false
	}
}

// normalizePhone strips formatting and requires at least a plausible
// international number.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 10 || len(digits) > 15 {
		return ""
	}
	return digits
}

func unixStringTime(s string) time.Time {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0)
	}
	return time.Now()
}
