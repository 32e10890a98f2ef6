package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordEnqueued(t *testing.T) {
	RecordEnqueued("whatsapp", "urgent")
	RecordEnqueued("sms", "normal")
}

func TestRecordProcessed(t *testing.T) {
	RecordProcessed("email", "sent")
	RecordProcessed("sms", "failed")
	RecordProcessed("whatsapp", "expired")
}

func TestRecordRetry(t *testing.T) {
	RecordRetry("whatsapp")
	RecordRetry("sms")
}

func TestRecordWebhookEvent(t *testing.T) {
	RecordWebhookEvent("whatsapp", "delivery")
	RecordWebhookEvent("email", "read")
}

func TestObserveDeliveryLatency(t *testing.T) {
	ObserveDeliveryLatency("whatsapp", 500*time.Millisecond)
	ObserveDeliveryLatency("sms", 2*time.Second)
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("waiting", 10)
	SetQueueDepth("processing", 5)
	SetQueueDepth("waiting", 0)
}

func TestRecordCampaignDispatched(t *testing.T) {
	RecordCampaignDispatched("completed")
	RecordCampaignDispatched("cancelled")
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("client:web")
	RecordRateLimitRejection("client:jobs")
}

func TestSetDBConnections(t *testing.T) {
	SetDBConnections(10)
	SetDBConnections(20)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
