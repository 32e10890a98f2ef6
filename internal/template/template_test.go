package template

import (
	"strings"
	"testing"

	"github.com/atriaconnect/courier/internal/message"
)

func TestRenderBindings(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("Hi {{ name }}, see you on {{ date }}.", map[string]any{
		"name": "Ana",
		"date": "2026-03-05",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hi Ana, see you on 2026-03-05." {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderUnknownVariableEmpty(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("Hi {{ name }}!", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hi !" {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderDefaultFilter(t *testing.T) {
	r := NewRenderer()

	cases := []struct {
		bindings map[string]any
		want     string
	}{
		{map[string]any{"name": "Ana"}, "Hi Ana"},
		{map[string]any{"name": ""}, "Hi there"},
		{nil, "Hi there"},
	}
	for _, tc := range cases {
		out, err := r.Render(`Hi {{ name | default: "there" }}`, tc.bindings)
		if err != nil {
			t.Fatal(err)
		}
		if out != tc.want {
			t.Fatalf("out = %q, want %q", out, tc.want)
		}
	}
}

func TestRenderUpcaseFirstFilter(t *testing.T) {
	r := NewRenderer()

	out, err := r.Render("{{ name | upcase_first }}", map[string]any{"name": "ana"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Ana" {
		t.Fatalf("out = %q", out)
	}
}

func TestRenderParseError(t *testing.T) {
	r := NewRenderer()

	if _, err := r.Render("{% if %}", nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCatalogLookup(t *testing.T) {
	r := NewRenderer()

	tpl, ok := r.Lookup("appointment_reminder")
	if !ok {
		t.Fatal("stock template missing")
	}
	if tpl.Category != "reminder" {
		t.Fatalf("category = %q", tpl.Category)
	}
	if _, ok := r.Lookup("nonexistent"); ok {
		t.Fatal("found a template that does not exist")
	}
}

func TestRegisterOverridesCatalog(t *testing.T) {
	r := NewRenderer()
	r.Register(&Template{
		ID:       "appointment_reminder",
		Name:     "Custom Reminder",
		Channels: []message.Channel{message.ChannelSMS},
		Bodies:   map[message.Channel]string{message.ChannelSMS: "custom"},
	})

	tpl, _ := r.Lookup("appointment_reminder")
	if tpl.Name != "Custom Reminder" {
		t.Fatalf("name = %q", tpl.Name)
	}
}

func TestTemplateBodyFallback(t *testing.T) {
	tpl, _ := NewRenderer().Lookup("reengagement")

	// No SMS body defined: fall back to the first defined channel body.
	body := tpl.Body(message.ChannelSMS)
	if body == "" {
		t.Fatal("no fallback body")
	}
	if body != tpl.Bodies[message.ChannelWhatsApp] {
		t.Fatalf("fallback = %q", body)
	}

	direct := tpl.Body(message.ChannelEmail)
	if !strings.Contains(direct, "consultation") {
		t.Fatalf("email body = %q", direct)
	}
}

func TestRenderCatalogTemplateEndToEnd(t *testing.T) {
	r := NewRenderer()
	tpl, _ := r.Lookup("appointment_reminder")

	out, err := r.Render(tpl.Body(message.ChannelWhatsApp), map[string]any{
		"name": "Ana",
		"date": "March 5",
		"time": "10:00",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Ana") || !strings.Contains(out, "March 5") || !strings.Contains(out, "10:00") {
		t.Fatalf("out = %q", out)
	}
}
