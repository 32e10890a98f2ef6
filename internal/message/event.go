package message

import "time"

// EventType classifies a provider delivery callback.
type EventType string

const (
	EventDelivery EventType = "delivery"
	EventRead     EventType = "read"
	EventResponse EventType = "response"
	EventError    EventType = "error"
)

// Event is the canonical form of one provider webhook callback.
// Events are transient: once reconciled into a message's state they
// are discarded.
type Event struct {
	ID         string         `json:"id"`
	Channel    Channel        `json:"channel"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	ProviderID string         `json:"provider_id"` // join key back to a Message
	Status     string         `json:"status"`      // provider status, paraphrased
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
