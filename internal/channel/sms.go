package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/message"
)

// SMSConfig configures the SMS gateway adapter.
type SMSConfig struct {
	Provider   string // twilio, vonage, sns
	APIKey     string
	FromNumber string
}

// Segment windows: plain GSM messages pack 160 characters per billed
// segment, any non-ASCII content forces UCS-2 at 70.
const (
	smsSegmentGSM  = 160
	smsSegmentUCS2 = 70
	smsMaxLength   = 1600
)

// Per-segment pricing by provider.
var smsSegmentCost = map[string]float64{
	"twilio": 0.15,
	"vonage": 0.12,
	"sns":    0.10,
}

var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{9,14}$`)

// SMSAdapter validates phone numbers and content, computes billing
// segments, and parses Twilio-shaped delivery receipts.
type SMSAdapter struct {
	cfg     SMSConfig
	carrier Carrier
	logger  *zap.Logger
	credits int
}

// NewSMSAdapter builds the adapter. A nil carrier gets the simulated
// one.
func NewSMSAdapter(cfg SMSConfig, carrier Carrier, logger *zap.Logger) *SMSAdapter {
	if cfg.Provider == "" {
		cfg.Provider = "twilio"
	}
	if carrier == nil {
		carrier = SimulatedCarrier{}
	}
	return &SMSAdapter{cfg: cfg, carrier: carrier, logger: logger, credits: 500}
}

func (a *SMSAdapter) Name() message.Channel { return message.ChannelSMS }

// Send validates recipient and content before handing off. Validation
// failures are permanent: the message fails without consuming a retry.
func (a *SMSAdapter) Send(ctx context.Context, msg *message.Message) (SendResult, error) {
	to := strings.TrimSpace(msg.Recipient.Phone)
	if !phonePattern.MatchString(strings.ReplaceAll(to, " ", "")) {
		return failure(ErrInvalidRecipient, "invalid_phone", true), nil
	}

	if err := validateSMSBody(msg.Content.Body); err != nil {
		return failure(err, "content_rejected", true), nil
	}

	segments := SegmentCount(msg.Content.Body)

	providerID, err := a.carrier.Deliver(ctx, "sms", map[string]any{
		"from": a.cfg.FromNumber,
		"to":   to,
		"body": msg.Content.Body,
	})
	if err != nil {
		a.logger.Warn("sms send failed",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err),
		)
		return failure(err, "provider_error", false), nil
	}

	return SendResult{
		Success:    true,
		ProviderID: providerID,
		Cost:       a.segmentCost() * float64(segments),
		Segments:   segments,
	}, nil
}

// SegmentCount computes billed segments: ceil(len/160) for plain
// ASCII, ceil(len/70) once any non-ASCII rune is present.
func SegmentCount(body string) int {
	if body == "" {
		return 0
	}
	window := smsSegmentGSM
	for _, r := range body {
		if r > unicode.MaxASCII {
			window = smsSegmentUCS2
			break
		}
	}
	return int(math.Ceil(float64(len([]rune(body))) / float64(window)))
}

func validateSMSBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: empty body", ErrContentRejected)
	}
	if len([]rune(body)) > smsMaxLength {
		return fmt.Errorf("%w: body exceeds %d characters", ErrContentRejected, smsMaxLength)
	}
	for _, r := range body {
		// Emoji and pictographs are not deliverable over SMS.
		if r >= 0x1F300 && r <= 0x1FAFF {
			return fmt.Errorf("%w: unsupported characters", ErrContentRejected)
		}
	}
	return nil
}

// Twilio-style delivery receipt.
type smsReceipt struct {
	AccountSid    string `json:"AccountSid"`
	MessageSid    string `json:"MessageSid"`
	MessageStatus string `json:"MessageStatus"`
	To            string `json:"To"`
	ErrorCode     string `json:"ErrorCode"`
}

// ParseWebhook maps one delivery receipt into canonical events. A
// receipt missing its message sid fails shape validation and yields an
// empty slice.
func (a *SMSAdapter) ParseWebhook(payload []byte, signature string) []message.Event {
	var rc smsReceipt
	if err := json.Unmarshal(payload, &rc); err != nil {
		a.logger.Warn("sms webhook rejected: malformed payload", zap.Error(err))
		return nil
	}
	if rc.MessageSid == "" || rc.MessageStatus == "" {
		a.logger.Warn("sms webhook rejected: missing message sid or status")
		return nil
	}

	typ, ok := mapSMSStatus(rc.MessageStatus)
	if !ok {
		return nil
	}

	ev := message.Event{
		ID:         fmt.Sprintf("sms_%s_%d", rc.MessageSid, time.Now().UnixNano()),
		Channel:    message.ChannelSMS,
		Type:       typ,
		Timestamp:  time.Now(),
		ProviderID: rc.MessageSid,
		Status:     rc.MessageStatus,
		Metadata:   map[string]any{"to": rc.To},
	}
	if rc.ErrorCode != "" {
		ev.Error = "provider error " + rc.ErrorCode
		ev.ErrorCode = rc.ErrorCode
	}
	return []message.Event{ev}
}

func (a *SMSAdapter) CheckStatus(ctx context.Context, providerID string) (message.Status, error) {
	if providerID == "" {
		return "", fmt.Errorf("empty provider id")
	}
	return message.StatusSent, nil
}

func (a *SMSAdapter) Health(ctx context.Context) Health {
	h := Health{CheckedAt: time.Now()}
	if err := a.carrier.Ping(ctx); err != nil {
		h.Detail = err.Error()
		return h
	}
	h.Connected = true
	h.Detail = fmt.Sprintf("provider %s, %d credits", a.cfg.Provider, a.credits)
	return h
}

func (a *SMSAdapter) Quota() Quota {
	return Quota{
		PerMinute: 60,
		Remaining: a.credits,
		ResetsAt:  time.Now().Add(time.Minute),
	}
}

func (a *SMSAdapter) segmentCost() float64 {
	if c, ok := smsSegmentCost[a.cfg.Provider]; ok {
		return c
	}
	return smsSegmentCost["twilio"]
}

// mapSMSStatus maps a carrier receipt to a canonical event. Sent-level
// receipts ("queued", "sending", "sent") carry nothing the hand-off
// did not already record, so they map to no event at all.
func mapSMSStatus(status string) (message.EventType, bool) {
	switch status {
	case "delivered":
		return message.EventDelivery, true
	case "undelivered", "failed", "expired", "rejected":
		return message.EventError, true
	default:
		return "", false
	}
}
