package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/analytics"
	"github.com/atriaconnect/courier/internal/channel"
	"github.com/atriaconnect/courier/internal/message"
	"github.com/atriaconnect/courier/internal/queue"
	"github.com/atriaconnect/courier/internal/redis"
	"github.com/atriaconnect/courier/internal/selector"
	"github.com/atriaconnect/courier/internal/store"
	"github.com/atriaconnect/courier/internal/template"
	"github.com/atriaconnect/courier/internal/tracker"
)

// Engine is the tracker surface the API depends on.
type Engine interface {
	Enqueue(ctx context.Context, msg *message.Message) (uuid.UUID, error)
	Message(ctx context.Context, id uuid.UUID) (*message.Message, error)
	List(ctx context.Context, f message.Filter) ([]*message.Message, error)
	Cancel(ctx context.Context, id uuid.UUID) bool
	HandleWebhook(ctx context.Context, ch message.Channel, payload []byte, signature string) int
	QueueStats() queue.Stats
	RollingStats() tracker.RollingSnapshot
}

// CampaignDispatcher executes batch sends.
type CampaignDispatcher interface {
	Dispatch(ctx context.Context, c *message.Campaign) error
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	Totals(ctx context.Context, c *message.Campaign) (message.CampaignTotals, error)
}

// Summarizer computes analytics reports.
type Summarizer interface {
	Summarize(ctx context.Context, f message.Filter) (analytics.Summary, error)
}

// SendRequest is the incoming body for POST /v1/communication/send.
type SendRequest struct {
	Channel   message.Channel   `json:"channel,omitempty"`
	Recipient message.Recipient `json:"recipient"`
	Content   message.Content   `json:"content"`
	Options   message.Options   `json:"options"`
	Context   message.Context   `json:"context"`
}

// SendResponse is returned after accepting a message.
type SendResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Channel string `json:"channel"`
}

// CampaignRequest is the incoming body for POST /v1/communication/campaign.
type CampaignRequest struct {
	Name       string            `json:"name"`
	Segments   []string          `json:"segments"`
	Channels   []message.Channel `json:"channels"`
	TemplateID string            `json:"template_id"`
	Priority   message.Priority  `json:"priority,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	engine     Engine
	dispatcher CampaignDispatcher
	summarizer Summarizer
	registry   *channel.Registry
	store      store.Store
	renderer   *template.Renderer
	deduper    *redis.Deduper // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, engine Engine, dispatcher CampaignDispatcher, summarizer Summarizer, registry *channel.Registry, st store.Store, renderer *template.Renderer) *Handler {
	return &Handler{
		logger:     logger,
		engine:     engine,
		dispatcher: dispatcher,
		summarizer: summarizer,
		registry:   registry,
		store:      st,
		renderer:   renderer,
	}
}

// NewHandlerWithDedup creates a handler with send-request idempotency support
func NewHandlerWithDedup(logger *zap.Logger, engine Engine, dispatcher CampaignDispatcher, summarizer Summarizer, registry *channel.Registry, st store.Store, renderer *template.Renderer, deduper *redis.Deduper) *Handler {
	h := NewHandler(logger, engine, dispatcher, summarizer, registry, st, renderer)
	h.deduper = deduper
	return h
}

// Routes mounts all handlers on a fresh sub-router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/communication/send", h.SendMessage)
	r.Get("/communication/messages", h.ListMessages)
	r.Get("/communication/messages/{id}", h.GetMessage)
	r.Delete("/communication/messages/{id}", h.CancelMessage)
	r.Post("/communication/campaign", h.CreateCampaign)
	r.Get("/communication/campaigns/{id}", h.GetCampaign)
	r.Delete("/communication/campaigns/{id}", h.CancelCampaign)
	r.Get("/communication/analytics", h.GetAnalytics)
	r.Get("/communication/state", h.GetState)
	r.Post("/webhooks/{channel}", h.ReceiveWebhook)
	return r
}

// SendMessage handles POST /v1/communication/send.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Recipient.PatientID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient", "recipient.patient_id is required")
		return
	}
	if req.Content.Body == "" && req.Content.TemplateID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing content", "content.body or content.template_id is required")
		return
	}
	if req.Channel != "" && !req.Channel.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be whatsapp, sms, or email")
		return
	}

	// Render the template for direct sends that name one without a body.
	if req.Content.TemplateID != "" && req.Content.Body == "" {
		if err := h.renderContent(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Template error", err.Error())
			return
		}
	}

	if idempotencyKey != "" && h.deduper != nil {
		cached, err := h.deduper.CheckOrReserve(ctx, req.Recipient.PatientID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("dedup check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(SendResponse{ID: cached.MessageID, Status: string(message.StatusPending)})
			return
		}
	}

	msg := message.New(req.Recipient, req.Content, req.Options, req.Context)
	msg.Channel = req.Channel

	id, err := h.engine.Enqueue(ctx, msg)
	if err != nil {
		h.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("patient_id", req.Recipient.PatientID),
		)
		status, errType := http.StatusInternalServerError, "enqueue_error"
		if errors.Is(err, selector.ErrNoChannelEnabled) {
			status, errType = http.StatusServiceUnavailable, "no_channel_enabled"
		}
		h.writeError(w, status, errType, "Failed to accept message", err.Error())
		return
	}

	if idempotencyKey != "" && h.deduper != nil {
		result := &redis.DedupResult{MessageID: id.String(), StatusCode: http.StatusAccepted}
		if err := h.deduper.Store(ctx, req.Recipient.PatientID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store dedup result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SendResponse{
		ID:      id.String(),
		Status:  string(message.StatusPending),
		Channel: string(msg.Channel),
	})
}

func (h *Handler) renderContent(req *SendRequest) error {
	tpl, ok := h.renderer.Lookup(req.Content.TemplateID)
	if !ok {
		return errors.New("unknown template " + req.Content.TemplateID)
	}
	bindings := map[string]any{"name": req.Recipient.Name, "patient_id": req.Recipient.PatientID}
	for k, v := range req.Content.Params {
		bindings[k] = v
	}

	ch := req.Channel
	if ch == "" {
		ch = req.Recipient.PreferredChannel
	}
	body, err := h.renderer.Render(tpl.Body(ch), bindings)
	if err != nil {
		return err
	}
	req.Content.Body = body
	if req.Content.Subject == "" && tpl.Subject != "" {
		subject, err := h.renderer.Render(tpl.Subject, bindings)
		if err != nil {
			return err
		}
		req.Content.Subject = subject
	}
	return nil
}

// GetMessage handles GET /v1/communication/messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	msg, err := h.engine.Message(ctx, id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(msg)
}

// ListMessages handles GET /v1/communication/messages with filter query
// parameters: channel, status, patient_id, campaign_id, from, to, limit.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	f := message.Filter{
		Channel:    message.Channel(q.Get("channel")),
		Status:     message.Status(q.Get("status")),
		PatientID:  q.Get("patient_id"),
		CampaignID: q.Get("campaign_id"),
		Limit:      50,
	}
	if f.Channel != "" && !f.Channel.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be whatsapp, sms, or email")
		return
	}

	var err error
	if f.From, f.To, err = parseWindow(q.Get("from"), q.Get("to")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid time window", err.Error())
		return
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			f.Limit = l
		}
	}

	msgs, err := h.engine.List(ctx, f)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  msgs,
		"count": len(msgs),
		"limit": f.Limit,
	})
}

// CancelMessage handles DELETE /v1/communication/messages/{id}.
// Only queued messages can be cancelled.
func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message ID", "ID must be a valid UUID")
		return
	}

	if !h.engine.Cancel(ctx, id) {
		h.writeError(w, http.StatusConflict, "not_cancellable", "Message cannot be cancelled",
			"Only messages still waiting in the queue can be cancelled")
		return
	}

	h.logger.Info("message cancelled", zap.String("id", idStr))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": "cancelled",
	})
}

// CreateCampaign handles POST /v1/communication/campaign. The campaign
// is accepted immediately and dispatched in the background.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Name == "" || len(req.Segments) == 0 || req.TemplateID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"name, segments, and template_id are required")
		return
	}
	for _, ch := range req.Channels {
		if !ch.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channels must be whatsapp, sms, or email")
			return
		}
	}
	if _, ok := h.renderer.Lookup(req.TemplateID); !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown template", req.TemplateID)
		return
	}

	c := message.NewCampaign(req.Name, req.Segments, req.Channels, req.TemplateID)
	c.Priority = req.Priority
	if err := h.store.SaveCampaign(r.Context(), c); err != nil {
		h.logger.Error("failed to save campaign", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create campaign", "")
		return
	}

	go func() {
		if err := h.dispatcher.Dispatch(context.Background(), c); err != nil {
			h.logger.Error("campaign dispatch failed",
				zap.Error(err),
				zap.String("campaign_id", c.ID.String()),
			)
		}
	}()

	h.logger.Info("campaign accepted",
		zap.String("id", c.ID.String()),
		zap.String("name", c.Name),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     c.ID.String(),
		"status": string(c.Status),
	})
}

// GetCampaign handles GET /v1/communication/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	c, err := h.store.Campaign(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
		return
	}

	// Delivery outcomes keep trickling in through webhooks after the
	// dispatch finishes; fold them fresh on every read.
	if totals, err := h.dispatcher.Totals(r.Context(), c); err == nil {
		c.Totals = totals
	} else {
		h.logger.Error("fold campaign totals", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(c)
}

// CancelCampaign handles DELETE /v1/communication/campaigns/{id}. An
// executing campaign stops at its next chunk boundary.
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	cancelled, err := h.dispatcher.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrCampaignNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
		return
	}
	if err != nil {
		h.logger.Error("cancel campaign", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel campaign", "")
		return
	}
	if !cancelled {
		h.writeError(w, http.StatusConflict, "not_cancellable", "Campaign cannot be cancelled",
			"Only draft or executing campaigns can be cancelled")
		return
	}

	h.logger.Info("campaign cancelled", zap.String("id", idStr))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": string(message.CampaignCancelled),
	})
}

// ReceiveWebhook handles POST /v1/webhooks/{channel}. It always
// returns 200 so providers never retry against a parse failure.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	ch := message.Channel(chi.URLParam(r, "channel"))

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		payload = nil
	}
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		signature = r.URL.Query().Get("signature")
	}

	applied := 0
	if ch.Valid() {
		applied = h.engine.HandleWebhook(r.Context(), ch, payload, signature)
	} else {
		h.logger.Warn("webhook for unknown channel", zap.String("channel", string(ch)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"received": applied})
}

// GetAnalytics handles GET /v1/communication/analytics with optional
// channel, from, and to query parameters.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := message.Filter{Channel: message.Channel(q.Get("channel"))}
	if f.Channel != "" && !f.Channel.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be whatsapp, sms, or email")
		return
	}
	var err error
	if f.From, f.To, err = parseWindow(q.Get("from"), q.Get("to")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid time window", err.Error())
		return
	}

	summary, err := h.summarizer.Summarize(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to summarize", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute analytics", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

// channelState is one channel's slice of the state report.
type channelState struct {
	Channel message.Channel `json:"channel"`
	Health  channel.Health  `json:"health"`
	Quota   channel.Quota   `json:"quota"`
}

// GetState handles GET /v1/communication/state: queue depth, rolling
// totals, and per-channel health.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var channels []channelState
	for _, c := range h.registry.Channels() {
		a, ok := h.registry.Get(c)
		if !ok {
			continue
		}
		channels = append(channels, channelState{
			Channel: c,
			Health:  a.Health(ctx),
			Quota:   a.Quota(),
		})
	}

	qs := h.engine.QueueStats()
	rolling := h.engine.RollingStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"queue":    qs,
		"last_24h": rolling,
		"channels": channels,
		"alerts":   stateAlerts(qs, rolling, channels),
	})
}

// stateAlerts derives operator-facing warnings from the state report.
func stateAlerts(qs queue.Stats, rolling tracker.RollingSnapshot, channels []channelState) []string {
	alerts := []string{}
	for _, cs := range channels {
		if !cs.Health.Connected {
			alerts = append(alerts, fmt.Sprintf("channel %s is not connected", cs.Channel))
		}
	}
	if rolling.ErrorRate > 0.2 {
		alerts = append(alerts, fmt.Sprintf("error rate %.0f%% over the last 24h", rolling.ErrorRate*100))
	}
	if qs.Failed > 0 {
		alerts = append(alerts, fmt.Sprintf("%d messages failed in the queue", qs.Failed))
	}
	return alerts
}

func parseWindow(fromStr, toStr string) (from, to time.Time, err error) {
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be RFC 3339")
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be RFC 3339")
		}
	}
	return from, to, nil
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
