package channel

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/message"
)

func emailMessage(addr string) *message.Message {
	return message.New(
		message.Recipient{PatientID: "p001", Email: addr},
		message.Content{Subject: "Reminder", Body: "See you tomorrow."},
		message.Options{},
		message.Context{},
	)
}

func TestEmailSend(t *testing.T) {
	carrier := &recordingCarrier{}
	a := NewEmailAdapter(EmailConfig{FromEmail: "noreply@clinic.example", FromName: "Clinic"}, carrier, zap.NewNop())

	res, err := a.Send(context.Background(), emailMessage("ana@example.com"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Success {
		t.Fatalf("send failed: %s", res.Error)
	}
	if res.Cost != emailCostPerMessage {
		t.Fatalf("cost = %v", res.Cost)
	}
	payload := carrier.payloads[0]
	if payload["to"] != "ana@example.com" {
		t.Fatalf("to = %v", payload["to"])
	}
	if payload["from"] != "Clinic <noreply@clinic.example>" {
		t.Fatalf("from = %v", payload["from"])
	}
}

func TestEmailSendRejectsBadAddress(t *testing.T) {
	carrier := &recordingCarrier{}
	a := NewEmailAdapter(EmailConfig{}, carrier, zap.NewNop())

	res, err := a.Send(context.Background(), emailMessage("not-an-address"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Success || !res.Permanent {
		t.Fatalf("want permanent failure, got success=%v permanent=%v", res.Success, res.Permanent)
	}
	if res.ErrorCode != "invalid_email" {
		t.Fatalf("error code = %q", res.ErrorCode)
	}
	if len(carrier.kinds) != 0 {
		t.Fatal("carrier reached with invalid address")
	}
}

func TestEmailSendDefaultsSubject(t *testing.T) {
	carrier := &recordingCarrier{}
	a := NewEmailAdapter(EmailConfig{}, carrier, zap.NewNop())

	msg := emailMessage("ana@example.com")
	msg.Content.Subject = ""
	if _, err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if carrier.payloads[0]["subject"] != "(no subject)" {
		t.Fatalf("subject = %v", carrier.payloads[0]["subject"])
	}
}

func TestEmailParseWebhookEventArray(t *testing.T) {
	a := NewEmailAdapter(EmailConfig{}, nil, zap.NewNop())

	payload := []byte(`[
		{"event":"delivered","sg_message_id":"sg1","email":"ana@example.com","timestamp":1717000000},
		{"event":"open","sg_message_id":"sg1","timestamp":1717000100},
		{"event":"click","sg_message_id":"sg1","timestamp":1717000200},
		{"event":"bounce","sg_message_id":"sg2","reason":"mailbox full","timestamp":1717000300},
		{"event":"processed","sg_message_id":"sg3"},
		{"event":"open","sg_message_id":""}
	]`)

	events := a.ParseWebhook(payload, "")
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}

	wantTypes := []message.EventType{
		message.EventDelivery,
		message.EventRead,
		message.EventResponse,
		message.EventError,
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event %d type = %s, want %s", i, events[i].Type, want)
		}
	}
	if !events[0].Timestamp.Equal(time.Unix(1717000000, 0)) {
		t.Fatalf("timestamp = %v", events[0].Timestamp)
	}
	if events[3].Error != "mailbox full" || events[3].ErrorCode != "bounce" {
		t.Fatalf("bounce event = %+v", events[3])
	}
}

func TestEmailParseWebhookRejectsNonArray(t *testing.T) {
	a := NewEmailAdapter(EmailConfig{}, nil, zap.NewNop())
	if events := a.ParseWebhook([]byte(`{"event":"delivered"}`), ""); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
