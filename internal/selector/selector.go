// Package selector chooses the delivery channel for messages that do
// not name one explicitly.
package selector

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/channel"
	"github.com/atriaconnect/courier/internal/message"
)

// ErrNoChannelEnabled is a configuration error: nothing is registered,
// so no send can ever succeed. Fatal, not retryable.
var ErrNoChannelEnabled = errors.New("no communication channel enabled")

// Advisor suggests a channel for a message. Implementations are
// deterministic rule evaluations; ok is false when no suggestion
// applies.
type Advisor interface {
	Suggest(msg *message.Message) (message.Channel, bool)
}

// Selector resolves a channel in precedence order: advisor suggestion,
// recipient preference, fixed fallback order.
type Selector struct {
	registry *channel.Registry
	advisor  Advisor
	logger   *zap.Logger
}

// New builds a selector. advisor may be nil.
func New(registry *channel.Registry, advisor Advisor, logger *zap.Logger) *Selector {
	return &Selector{registry: registry, advisor: advisor, logger: logger}
}

// Resolve picks the channel for msg. The message's own channel wins
// when set and enabled.
func (s *Selector) Resolve(msg *message.Message) (message.Channel, error) {
	if msg.Channel != "" && s.registry.Enabled(msg.Channel) {
		return msg.Channel, nil
	}

	if s.advisor != nil {
		if suggested, ok := s.advisor.Suggest(msg); ok && s.registry.Enabled(suggested) {
			s.logger.Debug("channel chosen by advisor",
				zap.String("message_id", msg.ID.String()),
				zap.String("channel", string(suggested)),
			)
			return suggested, nil
		}
	}

	if pref := msg.Recipient.PreferredChannel; pref != "" && s.registry.Enabled(pref) {
		return pref, nil
	}

	if enabled := s.registry.Channels(); len(enabled) > 0 {
		return enabled[0], nil
	}

	return "", ErrNoChannelEnabled
}

// RuleAdvisor is the default deterministic advisor. Urgent messages
// lean on WhatsApp; reminders outside waking hours fall back to email
// so they land quietly.
type RuleAdvisor struct {
	Clock func() time.Time
}

// Suggest applies the rules. It only suggests channels the recipient
// has an address for.
func (r RuleAdvisor) Suggest(msg *message.Message) (message.Channel, bool) {
	now := time.Now
	if r.Clock != nil {
		now = r.Clock
	}
	hour := now().Hour()

	if msg.Options.Priority == message.PriorityUrgent && msg.Recipient.WhatsApp != "" {
		return message.ChannelWhatsApp, true
	}
	if (hour < 8 || hour >= 21) && msg.Recipient.Email != "" {
		return message.ChannelEmail, true
	}
	if msg.Context.ActionType == "reminder" && msg.Recipient.WhatsApp != "" {
		return message.ChannelWhatsApp, true
	}
	return "", false
}
