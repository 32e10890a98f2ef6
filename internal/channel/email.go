package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"time"

	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/message"
)

// EmailConfig configures the email adapter.
type EmailConfig struct {
	Provider  string // smtp, sendgrid, mailgun
	FromEmail string
	FromName  string
}

const emailCostPerMessage = 0.001

// EmailAdapter validates addresses and parses SendGrid-shaped event
// array webhooks.
type EmailAdapter struct {
	cfg     EmailConfig
	carrier Carrier
	logger  *zap.Logger
}

// NewEmailAdapter builds the adapter. A nil carrier gets the simulated
// one.
func NewEmailAdapter(cfg EmailConfig, carrier Carrier, logger *zap.Logger) *EmailAdapter {
	if cfg.Provider == "" {
		cfg.Provider = "smtp"
	}
	if carrier == nil {
		carrier = SimulatedCarrier{}
	}
	return &EmailAdapter{cfg: cfg, carrier: carrier, logger: logger}
}

func (a *EmailAdapter) Name() message.Channel { return message.ChannelEmail }

// Send validates the destination address and hands the message off.
func (a *EmailAdapter) Send(ctx context.Context, msg *message.Message) (SendResult, error) {
	addr, err := mail.ParseAddress(msg.Recipient.Email)
	if err != nil {
		return failure(fmt.Errorf("%w: %s", ErrInvalidRecipient, msg.Recipient.Email), "invalid_email", true), nil
	}

	subject := msg.Content.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	providerID, err := a.carrier.Deliver(ctx, "email", map[string]any{
		"from":    fmt.Sprintf("%s <%s>", a.cfg.FromName, a.cfg.FromEmail),
		"to":      addr.Address,
		"subject": subject,
		"body":    msg.Content.Body,
	})
	if err != nil {
		a.logger.Warn("email send failed",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)
		return failure(err, "provider_error", false), nil
	}

	return SendResult{Success: true, ProviderID: providerID, Cost: emailCostPerMessage}, nil
}

// SendGrid-style event.
type emailEvent struct {
	Event     string `json:"event"`
	MessageID string `json:"sg_message_id"`
	Email     string `json:"email"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
}

// ParseWebhook maps a provider event array into canonical events.
// Payloads that are not an event array yield an empty slice.
func (a *EmailAdapter) ParseWebhook(payload []byte, signature string) []message.Event {
	var raw []emailEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		a.logger.Warn("email webhook rejected: malformed payload", zap.Error(err))
		return nil
	}

	var events []message.Event
	for _, e := range raw {
		if e.MessageID == "" || e.Event == "" {
			continue
		}
		typ, ok := mapEmailEvent(e.Event)
		if !ok {
			continue
		}
		ts := time.Now()
		if e.Timestamp > 0 {
			ts = time.Unix(e.Timestamp, 0)
		}
		ev := message.Event{
			ID:         fmt.Sprintf("email_%s_%d", e.MessageID, time.Now().UnixNano()),
			Channel:    message.ChannelEmail,
			Type:       typ,
			Timestamp:  ts,
			ProviderID: e.MessageID,
			Status:     e.Event,
			Metadata:   map[string]any{"email": e.Email},
		}
		if typ == message.EventError {
			ev.Error = e.Reason
			ev.ErrorCode = e.Event
		}
		events = append(events, ev)
	}
	return events
}

func (a *EmailAdapter) CheckStatus(ctx context.Context, providerID string) (message.Status, error) {
	if providerID == "" {
		return "", fmt.Errorf("empty provider id")
	}
	return message.StatusSent, nil
}

func (a *EmailAdapter) Health(ctx context.Context) Health {
	h := Health{CheckedAt: time.Now()}
	if err := a.carrier.Ping(ctx); err != nil {
		h.Detail = err.Error()
		return h
	}
	h.Connected = true
	h.Detail = "provider " + a.cfg.Provider
	return h
}

func (a *EmailAdapter) Quota() Quota {
	return Quota{
		PerMinute: 600,
		Remaining: 600,
		ResetsAt:  time.Now().Add(time.Minute),
	}
}

func mapEmailEvent(event string) (message.EventType, bool) {
	switch event {
	case "delivered":
		return message.EventDelivery, true
	case "open":
		return message.EventRead, true
	case "click", "reply":
		return message.EventResponse, true
	case "bounce", "dropped", "spamreport":
		return message.EventError, true
	default:
		return "", false
	}
}
