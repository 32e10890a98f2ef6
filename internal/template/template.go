// Package template renders message personalization using the Liquid
// template language, with a small built-in catalog for the standard
// practice notifications.
package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/atriaconnect/courier/internal/message"
)

// Template is one named message template with per-channel bodies.
type Template struct {
	ID       string                     `json:"id"`
	Name     string                     `json:"name"`
	Category string                     `json:"category"`
	Channels []message.Channel          `json:"channels"`
	Subject  string                     `json:"subject,omitempty"`
	Bodies   map[message.Channel]string `json:"bodies"`
}

// Body returns the body for c, falling back to any defined body.
func (t *Template) Body(c message.Channel) string {
	if b, ok := t.Bodies[c]; ok {
		return b
	}
	for _, ch := range message.Channels {
		if b, ok := t.Bodies[ch]; ok {
			return b
		}
	}
	return ""
}

// Renderer parses and renders Liquid templates with caching.
type Renderer struct {
	engine  *liquid.Engine
	cache   sync.Map // map[string]*liquid.Template
	catalog map[string]*Template
}

// NewRenderer builds a renderer with the default catalog loaded.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	engine.RegisterFilter("upcase_first", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	})

	r := &Renderer{engine: engine, catalog: make(map[string]*Template)}
	for _, t := range defaultCatalog {
		r.catalog[t.ID] = t
	}
	return r
}

// Register adds or replaces a catalog template.
func (r *Renderer) Register(t *Template) {
	r.catalog[t.ID] = t
}

// Lookup returns a catalog template by id.
func (r *Renderer) Lookup(id string) (*Template, bool) {
	t, ok := r.catalog[id]
	return t, ok
}

// Render substitutes bindings into source. Unknown variables render
// empty, matching production-send semantics.
func (r *Renderer) Render(source string, bindings map[string]any) (string, error) {
	tpl, err := r.parse(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func (r *Renderer) parse(source string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	r.cache.Store(source, tpl)
	return tpl, nil
}

// defaultCatalog mirrors the practice's stock notifications.
var defaultCatalog = []*Template{
	{
		ID:       "appointment_reminder",
		Name:     "Appointment Reminder",
		Category: "reminder",
		Channels: []message.Channel{message.ChannelWhatsApp, message.ChannelSMS, message.ChannelEmail},
		Subject:  "Reminder: appointment on {{ date }}",
		Bodies: map[message.Channel]string{
			message.ChannelWhatsApp: "Hi {{ name }}! Reminder: your appointment is on {{ date }} at {{ time }}. Can you confirm?",
			message.ChannelSMS:      "Reminder: appointment on {{ date }} at {{ time }}. Confirm: {{ link }}",
			message.ChannelEmail:    "Hello {{ name }},\n\nThis is a reminder of your appointment scheduled for {{ date }} at {{ time }}.",
		},
	},
	{
		ID:       "reengagement",
		Name:     "Re-engagement",
		Category: "campaign",
		Channels: []message.Channel{message.ChannelWhatsApp, message.ChannelEmail},
		Subject:  "We miss you, {{ name }}",
		Bodies: map[message.Channel]string{
			message.ChannelWhatsApp: "Hi {{ name | default: \"there\" }}, it's been a while since your last visit. Want to book a follow-up?",
			message.ChannelEmail:    "Hello {{ name | default: \"there\" }},\n\nIt has been a while since your last consultation. Reply to this email to schedule a follow-up.",
		},
	},
}
