// Package channel provides the provider adapters: one per delivery
// channel, each normalizing canonical messages into provider calls and
// provider webhooks back into canonical events.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/atriaconnect/courier/internal/message"
)

// Validation errors terminate a message without consuming a retry
// attempt. They are carried in SendResult, not returned as errors.
var (
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrContentRejected  = errors.New("content rejected for channel")
)

// SendResult is the canonical outcome of one send attempt. Adapter
// failures are always converted into a result value; only
// configuration-class problems surface as errors.
type SendResult struct {
	Success    bool
	ProviderID string
	Cost       float64
	Segments   int    // SMS only
	Error      string // empty on success
	ErrorCode  string
	Permanent  bool // validation failure: do not retry
}

// failure builds an unsuccessful result from err.
func failure(err error, code string, permanent bool) SendResult {
	return SendResult{Error: err.Error(), ErrorCode: code, Permanent: permanent}
}

// Health is a point-in-time connectivity view of one channel.
type Health struct {
	Connected bool      `json:"connected"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Quota describes the channel's current send allowance.
type Quota struct {
	PerMinute int       `json:"per_minute"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Adapter is implemented once per channel. ParseWebhook returns an
// empty slice when the payload fails provider-specific validation;
// that is a local failure, never an error to the caller.
type Adapter interface {
	Name() message.Channel
	Send(ctx context.Context, msg *message.Message) (SendResult, error)
	ParseWebhook(payload []byte, signature string) []message.Event
	CheckStatus(ctx context.Context, providerID string) (message.Status, error)
	Health(ctx context.Context) Health
	Quota() Quota
}
