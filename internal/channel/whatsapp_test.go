package channel

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/message"
)

func waMessage(content message.Content) *message.Message {
	return message.New(
		message.Recipient{PatientID: "p001", WhatsApp: "+55 11 91234-5678"},
		content,
		message.Options{},
		message.Context{},
	)
}

func TestWhatsAppSendText(t *testing.T) {
	carrier := &recordingCarrier{}
	a := NewWhatsAppAdapter(WhatsAppConfig{PhoneNumberID: "123"}, carrier, zap.NewNop())

	res, err := a.Send(context.Background(), waMessage(message.Content{Body: "hello"}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("send failed: %s", res.Error)
	}
	if res.Cost != whatsappCostText {
		t.Fatalf("cost = %v, want %v", res.Cost, whatsappCostText)
	}
	if carrier.kinds[0] != "text" {
		t.Fatalf("payload kind = %q", carrier.kinds[0])
	}
	if to := carrier.payloads[0]["to"]; to != "5511912345678" {
		t.Fatalf("normalized number = %v", to)
	}
}

func TestWhatsAppSendPayloadKinds(t *testing.T) {
	cases := []struct {
		name    string
		content message.Content
		kind    string
		cost    float64
	}{
		{"template", message.Content{TemplateID: "appointment_reminder", Params: map[string]string{"1": "Ana"}}, "template", whatsappCostTemplate},
		{"media", message.Content{Body: "your plan", MediaURL: "https://cdn.example/plan.pdf"}, "media", whatsappCostMedia},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			carrier := &recordingCarrier{}
			a := NewWhatsAppAdapter(WhatsAppConfig{}, carrier, zap.NewNop())

			res, err := a.Send(context.Background(), waMessage(tc.content))
			if err != nil || !res.Success {
				t.Fatalf("send failed: %v %s", err, res.Error)
			}
			if carrier.kinds[0] != tc.kind {
				t.Fatalf("kind = %q, want %q", carrier.kinds[0], tc.kind)
			}
			if res.Cost != tc.cost {
				t.Fatalf("cost = %v, want %v", res.Cost, tc.cost)
			}
		})
	}
}

func TestWhatsAppSendRejectsBadNumber(t *testing.T) {
	carrier := &recordingCarrier{}
	a := NewWhatsAppAdapter(WhatsAppConfig{}, carrier, zap.NewNop())

	msg := waMessage(message.Content{Body: "hello"})
	msg.Recipient.WhatsApp = "12345"

	res, err := a.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || !res.Permanent {
		t.Fatalf("want permanent failure, got success=%v permanent=%v", res.Success, res.Permanent)
	}
	if res.ErrorCode != "invalid_whatsapp_number" {
		t.Fatalf("error code = %q", res.ErrorCode)
	}
	if len(carrier.kinds) != 0 {
		t.Fatal("carrier reached with invalid number")
	}
}

func TestWhatsAppParseWebhookStatuses(t *testing.T) {
	a := NewWhatsAppAdapter(WhatsAppConfig{}, nil, zap.NewNop())

	payload := []byte(`{"entry":[{"changes":[{"field":"messages","value":{"statuses":[
		{"id":"wamid.1","status":"delivered","timestamp":"1717000000","recipient_id":"5511912345678"},
		{"id":"wamid.2","status":"read","timestamp":"1717000060"},
		{"id":"wamid.3","status":"failed","timestamp":"1717000120","errors":[{"code":131026,"title":"Receiver incapable"}]}
	]}}]}]}`)

	events := a.ParseWebhook(payload, "")
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Type != message.EventDelivery || events[0].ProviderID != "wamid.1" {
		t.Fatalf("first event = %+v", events[0])
	}
	if !events[0].Timestamp.Equal(time.Unix(1717000000, 0)) {
		t.Fatalf("timestamp = %v", events[0].Timestamp)
	}
	if events[1].Type != message.EventRead {
		t.Fatalf("second event type = %s", events[1].Type)
	}
	if events[2].Type != message.EventError || events[2].ErrorCode != "131026" {
		t.Fatalf("third event = %+v", events[2])
	}
}

func TestWhatsAppParseWebhookDropsSentStatus(t *testing.T) {
	a := NewWhatsAppAdapter(WhatsAppConfig{}, nil, zap.NewNop())

	payload := []byte(`{"entry":[{"changes":[{"field":"messages","value":{"statuses":[
		{"id":"wamid.1","status":"sent","timestamp":"1717000000"},
		{"id":"wamid.2","status":"delivered","timestamp":"1717000060"}
	]}}]}]}`)

	events := a.ParseWebhook(payload, "")
	if len(events) != 1 {
		t.Fatalf("events = %d, want only the delivered status", len(events))
	}
	if events[0].Type != message.EventDelivery || events[0].ProviderID != "wamid.2" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestWhatsAppParseWebhookInboundReply(t *testing.T) {
	a := NewWhatsAppAdapter(WhatsAppConfig{}, nil, zap.NewNop())

	payload := []byte(`{"entry":[{"changes":[{"field":"messages","value":{"messages":[
		{"id":"wamid.in","from":"5511912345678","timestamp":"1717000300",
		 "context":{"id":"wamid.orig"},"text":{"body":"confirmo"}}
	]}}]}]}`)

	events := a.ParseWebhook(payload, "")
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != message.EventResponse {
		t.Fatalf("type = %s, want response", ev.Type)
	}
	if ev.ProviderID != "wamid.orig" {
		t.Fatalf("provider id = %q, want reply context id", ev.ProviderID)
	}
	if ev.Metadata["text"] != "confirmo" {
		t.Fatalf("metadata = %v", ev.Metadata)
	}
}

func TestWhatsAppParseWebhookVerifyToken(t *testing.T) {
	a := NewWhatsAppAdapter(WhatsAppConfig{VerifyToken: "secret"}, nil, zap.NewNop())

	payload := []byte(`{"entry":[{"changes":[{"field":"messages","value":{"statuses":[
		{"id":"wamid.1","status":"delivered","timestamp":"1717000000"}]}}]}]}`)

	if events := a.ParseWebhook(payload, "wrong"); len(events) != 0 {
		t.Fatalf("bad token accepted, got %d events", len(events))
	}
	if events := a.ParseWebhook(payload, "secret"); len(events) != 1 {
		t.Fatalf("good token rejected, got %d events", len(events))
	}
}

func TestWhatsAppSendWaitsOnRecipientWindow(t *testing.T) {
	carrier := &recordingCarrier{}
	a := NewWhatsAppAdapter(WhatsAppConfig{RecipientLimit: 2, RecipientWindow: time.Minute}, carrier, zap.NewNop())

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := base
	var slept []time.Duration
	a.limiter.now = func() time.Time { return clock }
	a.limiter.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock = clock.Add(d)
		return nil
	}

	msg := waMessage(message.Content{Body: "hello"})
	for i := 0; i < 3; i++ {
		clock = clock.Add(time.Second)
		res, err := a.Send(context.Background(), msg)
		if err != nil || !res.Success {
			t.Fatalf("send %d failed: %v %s", i, err, res.Error)
		}
	}

	// The third send found the window full and slept until the first
	// slot aged out.
	if len(slept) != 1 {
		t.Fatalf("sleeps = %v, want exactly one", slept)
	}
	if len(carrier.kinds) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(carrier.kinds))
	}
}

func TestWhatsAppSendRateWaitCancelled(t *testing.T) {
	a := NewWhatsAppAdapter(WhatsAppConfig{RecipientLimit: 1, RecipientWindow: time.Hour}, &recordingCarrier{}, zap.NewNop())
	a.limiter.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	msg := waMessage(message.Content{Body: "hello"})
	if res, err := a.Send(context.Background(), msg); err != nil || !res.Success {
		t.Fatalf("first send failed: %v", err)
	}

	res, err := a.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.Permanent {
		t.Fatalf("want transient failure, got %+v", res)
	}
	if res.ErrorCode != "rate_limit_wait" {
		t.Fatalf("error code = %q", res.ErrorCode)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"+55 11 91234-5678", "5511912345678"},
		{"(555) 123-4567", "5551234567"},
		{"+1 555 123 4567", "15551234567"},
		{"123", ""},
		{"12345678901234567890", ""},
	}
	for _, tc := range cases {
		if got := normalizePhone(tc.in); got != tc.want {
			t.Fatalf("normalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
