package channel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/message"
)

// recordingCarrier captures Deliver calls and can be scripted to fail.
type recordingCarrier struct {
	kinds    []string
	payloads []map[string]any
	err      error
	pingErr  error
}

func (c *recordingCarrier) Deliver(ctx context.Context, kind string, payload map[string]any) (string, error) {
	c.kinds = append(c.kinds, kind)
	c.payloads = append(c.payloads, payload)
	if c.err != nil {
		return "", c.err
	}
	return "prov_" + kind, nil
}

func (c *recordingCarrier) Ping(ctx context.Context) error { return c.pingErr }

func smsMessage(phone, body string) *message.Message {
	return message.New(
		message.Recipient{PatientID: "p001", Phone: phone},
		message.Content{Body: body},
		message.Options{},
		message.Context{},
	)
}

func TestSegmentCount(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty", "", 0},
		{"one ascii segment", strings.Repeat("a", 160), 1},
		{"just over ascii window", strings.Repeat("a", 161), 2},
		{"two ascii segments", strings.Repeat("a", 320), 2},
		{"unicode shrinks window", strings.Repeat("a", 319) + "é", 5},
		{"one unicode segment", strings.Repeat("é", 70), 1},
		{"just over unicode window", strings.Repeat("é", 71), 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SegmentCount(tc.body); got != tc.want {
				t.Fatalf("SegmentCount(%d runes) = %d, want %d", len([]rune(tc.body)), got, tc.want)
			}
		})
	}
}

func TestSMSSendComputesSegmentCost(t *testing.T) {
	carrier := &recordingCarrier{}
	a := NewSMSAdapter(SMSConfig{Provider: "twilio", FromNumber: "+15550001111"}, carrier, zap.NewNop())

	res, err := a.Send(context.Background(), smsMessage("+15551234567", strings.Repeat("a", 161)))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("send failed: %s", res.Error)
	}
	if res.Segments != 2 {
		t.Fatalf("segments = %d, want 2", res.Segments)
	}
	if res.Cost != 0.30 {
		t.Fatalf("cost = %v, want 0.30", res.Cost)
	}
	if res.ProviderID == "" {
		t.Fatal("expected provider id")
	}
	if len(carrier.kinds) != 1 || carrier.kinds[0] != "sms" {
		t.Fatalf("carrier calls = %v", carrier.kinds)
	}
}

func TestSMSSendProviderPricing(t *testing.T) {
	for provider, want := range map[string]float64{"twilio": 0.15, "vonage": 0.12, "sns": 0.10} {
		a := NewSMSAdapter(SMSConfig{Provider: provider}, &recordingCarrier{}, zap.NewNop())
		res, err := a.Send(context.Background(), smsMessage("+15551234567", "hi"))
		if err != nil || !res.Success {
			t.Fatalf("%s: send failed: %v %s", provider, err, res.Error)
		}
		if res.Cost != want {
			t.Fatalf("%s: cost = %v, want %v", provider, res.Cost, want)
		}
	}
}

func TestSMSSendValidationIsPermanent(t *testing.T) {
	carrier := &recordingCarrier{}
	a := NewSMSAdapter(SMSConfig{}, carrier, zap.NewNop())

	cases := []struct {
		name  string
		phone string
		body  string
		code  string
	}{
		{"bad phone", "not-a-number", "hello", "invalid_phone"},
		{"empty body", "+15551234567", "   ", "content_rejected"},
		{"too long", "+15551234567", strings.Repeat("a", 1601), "content_rejected"},
		{"emoji", "+15551234567", "see you \U0001F600", "content_rejected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := a.Send(context.Background(), smsMessage(tc.phone, tc.body))
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if res.Success {
				t.Fatal("expected failure")
			}
			if !res.Permanent {
				t.Fatal("validation failure must be permanent")
			}
			if res.ErrorCode != tc.code {
				t.Fatalf("error code = %q, want %q", res.ErrorCode, tc.code)
			}
		})
	}
	if len(carrier.kinds) != 0 {
		t.Fatalf("carrier reached on invalid input: %v", carrier.kinds)
	}
}

func TestSMSSendCarrierFailureIsTransient(t *testing.T) {
	carrier := &recordingCarrier{err: errors.New("gateway timeout")}
	a := NewSMSAdapter(SMSConfig{}, carrier, zap.NewNop())

	res, err := a.Send(context.Background(), smsMessage("+15551234567", "hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || res.Permanent {
		t.Fatalf("want transient failure, got success=%v permanent=%v", res.Success, res.Permanent)
	}
	if res.ErrorCode != "provider_error" {
		t.Fatalf("error code = %q", res.ErrorCode)
	}
}

func TestSMSParseWebhook(t *testing.T) {
	a := NewSMSAdapter(SMSConfig{}, nil, zap.NewNop())

	events := a.ParseWebhook([]byte(`{
		"AccountSid": "AC123",
		"MessageSid": "SM900",
		"MessageStatus": "delivered",
		"To": "+15551234567"
	}`), "")
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Type != message.EventDelivery {
		t.Fatalf("type = %s, want delivery", ev.Type)
	}
	if ev.ProviderID != "SM900" {
		t.Fatalf("provider id = %q", ev.ProviderID)
	}
	if ev.Channel != message.ChannelSMS {
		t.Fatalf("channel = %s", ev.Channel)
	}
}

func TestSMSParseWebhookDropsSentLevelReceipts(t *testing.T) {
	a := NewSMSAdapter(SMSConfig{}, nil, zap.NewNop())

	// The message is already sent when these receipts arrive; mapping
	// them to delivery would fake a delivered status the carrier never
	// confirmed.
	for _, status := range []string{"queued", "sending", "sent", "accepted"} {
		payload := []byte(`{"MessageSid": "SM903", "MessageStatus": "` + status + `"}`)
		if events := a.ParseWebhook(payload, ""); len(events) != 0 {
			t.Errorf("%s: events = %d, want 0", status, len(events))
		}
	}
}

func TestSMSParseWebhookFailureReceipt(t *testing.T) {
	a := NewSMSAdapter(SMSConfig{}, nil, zap.NewNop())

	events := a.ParseWebhook([]byte(`{
		"MessageSid": "SM901",
		"MessageStatus": "undelivered",
		"ErrorCode": "30003"
	}`), "")
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != message.EventError {
		t.Fatalf("type = %s, want error", events[0].Type)
	}
	if events[0].ErrorCode != "30003" {
		t.Fatalf("error code = %q", events[0].ErrorCode)
	}
}

func TestSMSParseWebhookRejectsBadShape(t *testing.T) {
	a := NewSMSAdapter(SMSConfig{}, nil, zap.NewNop())

	for name, payload := range map[string]string{
		"not json":    `<xml/>`,
		"missing sid": `{"MessageStatus": "delivered"}`,
		"missing st":  `{"MessageSid": "SM902"}`,
	} {
		if events := a.ParseWebhook([]byte(payload), ""); len(events) != 0 {
			t.Fatalf("%s: expected no events, got %d", name, len(events))
		}
	}
}
