// Package message defines the canonical, channel-agnostic outbound
// message record shared by the tracker, the channel adapters, and the
// campaign dispatcher.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies a delivery mechanism.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// Channels is the fixed fallback order used when no channel is chosen
// explicitly and no preference applies.
var Channels = []Channel{ChannelWhatsApp, ChannelSMS, ChannelEmail}

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	return c == ChannelWhatsApp || c == ChannelSMS || c == ChannelEmail
}

// Priority orders queue entries. Higher weight drains first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight maps a priority to its numeric rank. Unknown values rank as
// normal so a bad descriptor never starves or jumps the queue.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 2
	}
}

// Status is the canonical delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusResponded Status = "responded"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusExpired || s == StatusResponded
}

// Recipient is the patient a message is addressed to, with one
// destination address per channel they support.
type Recipient struct {
	PatientID        string  `json:"patient_id"`
	Name             string  `json:"name"`
	Email            string  `json:"email,omitempty"`
	Phone            string  `json:"phone,omitempty"`
	WhatsApp         string  `json:"whatsapp,omitempty"`
	PreferredChannel Channel `json:"preferred_channel,omitempty"`
}

// Address returns the recipient's destination for the given channel.
func (r Recipient) Address(c Channel) string {
	switch c {
	case ChannelWhatsApp:
		return r.WhatsApp
	case ChannelSMS:
		return r.Phone
	case ChannelEmail:
		return r.Email
	default:
		return ""
	}
}

// Content is what gets delivered. Subject applies to email only.
type Content struct {
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	TemplateID string            `json:"template_id,omitempty"`
	MediaURL   string            `json:"media_url,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Options configures scheduling and retry behaviour for one message.
type Options struct {
	Priority    Priority  `json:"priority"`
	MaxAttempts int       `json:"max_attempts"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Tracking    bool      `json:"tracking"`
}

// Context ties a message back to the business action that produced it.
type Context struct {
	CampaignID string   `json:"campaign_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	ActionType string   `json:"action_type,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Timestamps records when each state was first reached. Each field is
// set at most once, except Updated.
type Timestamps struct {
	Created   time.Time  `json:"created"`
	Sent      *time.Time `json:"sent,omitempty"`
	Delivered *time.Time `json:"delivered,omitempty"`
	Read      *time.Time `json:"read,omitempty"`
	Responded *time.Time `json:"responded,omitempty"`
	Updated   time.Time  `json:"updated"`
}

// Metrics holds derived per-message measurements, in seconds.
type Metrics struct {
	DeliverySeconds float64 `json:"delivery_seconds,omitempty"`
	ReadSeconds     float64 `json:"read_seconds,omitempty"`
	ResponseSeconds float64 `json:"response_seconds,omitempty"`
	Segments        int     `json:"segments,omitempty"` // SMS only
}

// Result carries provider-side outcome detail for the last attempt.
type Result struct {
	ProviderID string  `json:"provider_id,omitempty"`
	Attempts   int     `json:"attempts"`
	Cost       float64 `json:"cost"`
	Error      string  `json:"error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
}

// Message is the canonical send request and its tracked status record.
// Once enqueued it is owned exclusively by the tracker; adapters only
// return results for the tracker to apply.
type Message struct {
	ID         uuid.UUID  `json:"id"`
	Channel    Channel    `json:"channel"`
	Recipient  Recipient  `json:"recipient"`
	Content    Content    `json:"content"`
	Options    Options    `json:"options"`
	Context    Context    `json:"context"`
	Status     Status     `json:"status"`
	Timestamps Timestamps `json:"timestamps"`
	Metrics    Metrics    `json:"metrics"`
	Result     Result     `json:"result"`
}

// New builds a pending message with identity and creation time set.
func New(rcpt Recipient, content Content, opts Options, mctx Context) *Message {
	now := time.Now()
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.ScheduledAt.IsZero() {
		opts.ScheduledAt = now
	}
	return &Message{
		ID:        uuid.New(),
		Recipient: rcpt,
		Content:   content,
		Options:   opts,
		Context:   mctx,
		Status:    StatusPending,
		Timestamps: Timestamps{
			Created: now,
			Updated: now,
		},
	}
}

// MarkSent records a successful provider hand-off. The sent timestamp
// is write-once.
func (m *Message) MarkSent(providerID string, cost float64, at time.Time) {
	m.Status = StatusSent
	if m.Timestamps.Sent == nil {
		m.Timestamps.Sent = &at
	}
	m.Result.ProviderID = providerID
	m.Result.Cost = cost
	m.Touch(at)
}

// MarkFailed moves the message to its failed terminal state.
func (m *Message) MarkFailed(errMsg, code string, at time.Time) {
	m.Status = StatusFailed
	m.Result.Error = errMsg
	m.Result.ErrorCode = code
	m.Touch(at)
}

// Touch bumps the last-updated timestamp.
func (m *Message) Touch(at time.Time) {
	m.Timestamps.Updated = at
}

// Clone returns a deep copy sharing no mutable state with m, so a
// caller can keep reading it while the tracker advances the original.
func (m *Message) Clone() *Message {
	out := *m
	if m.Content.Params != nil {
		out.Content.Params = make(map[string]string, len(m.Content.Params))
		for k, v := range m.Content.Params {
			out.Content.Params[k] = v
		}
	}
	out.Context.Tags = append([]string(nil), m.Context.Tags...)
	out.Timestamps.Sent = cloneTime(m.Timestamps.Sent)
	out.Timestamps.Delivered = cloneTime(m.Timestamps.Delivered)
	out.Timestamps.Read = cloneTime(m.Timestamps.Read)
	out.Timestamps.Responded = cloneTime(m.Timestamps.Responded)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Filter selects messages for listing and analytics reads.
type Filter struct {
	Channel    Channel
	Status     Status
	PatientID  string
	CampaignID string
	From       time.Time
	To         time.Time
	Limit      int
}

// Matches reports whether m satisfies every set field of f. The time
// window is half-open: [From, To).
func (f Filter) Matches(m *Message) bool {
	if f.Channel != "" && m.Channel != f.Channel {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if f.PatientID != "" && m.Recipient.PatientID != f.PatientID {
		return false
	}
	if f.CampaignID != "" && m.Context.CampaignID != f.CampaignID {
		return false
	}
	if !f.From.IsZero() && m.Timestamps.Created.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !m.Timestamps.Created.Before(f.To) {
		return false
	}
	return true
}
