package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/telhawk-systems/telhawk-edge/common/httputil"
	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/common/messaging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/scheduler"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/service"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/validator"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
	defaultMaxBodyBytes    = 1 << 20
)

// Capturer enqueues events from producers.
type Capturer interface {
	Enqueue(ctx context.Context, event *models.QueuedEvent) (service.Result, error)
}

// Pipeline is the scheduler surface exposed over the control API.
type Pipeline interface {
	Status() models.SchedulerStatus
	ScheduleUpload() bool
	Pause()
	Resume()
	NetworkRestored()
}

// QueueReader provides queue diagnostics.
type QueueReader interface {
	Stats(ctx context.Context) (models.QueueStats, error)
	DeadLetters(ctx context.Context, limit int) ([]*models.QueuedEvent, error)
}

// BackgroundRunner runs a budgeted flush.
type BackgroundRunner interface {
	Run(ctx context.Context, budget time.Duration) (models.UploadResult, error)
}

// EventRequest is the body of POST /v1/events.
type EventRequest struct {
	ID             string          `json:"id"`
	EventType      string          `json:"event_type"`
	SourceApp      string          `json:"source_app"`
	Payload        json.RawMessage `json:"payload"`
	PayloadVersion int             `json:"payload_version,omitempty"`
	Scope          string          `json:"scope"`
	CapturedAt     *time.Time      `json:"captured_at,omitempty"`
}

// EventResponse reports the enqueue outcome.
type EventResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Scheduler models.SchedulerStatus `json:"scheduler" yaml:"scheduler"`
	Queue     models.QueueStats      `json:"queue" yaml:"queue"`
}

// FlushResponse is the body of POST /v1/flush.
type FlushResponse struct {
	Scheduled bool                 `json:"scheduled"`
	Result    *models.UploadResult `json:"result,omitempty"`
}

// DeadLettersResponse is the body of GET /v1/dead-letters.
type DeadLettersResponse struct {
	Events []*models.QueuedEvent `json:"events"`
	Count  int                   `json:"count"`
}

type ControlHandler struct {
	capture      Capturer
	pipeline     Pipeline
	queue        QueueReader
	background   BackgroundRunner
	broker       messaging.Client
	maxBodyBytes int64
	logger       *slog.Logger
}

// Option configures optional ControlHandler collaborators.
type Option func(*ControlHandler)

// WithBackground enables budgeted flushes via POST /v1/flush?budget=.
func WithBackground(r BackgroundRunner) Option {
	return func(h *ControlHandler) { h.background = r }
}

// WithBroker reports broker connectivity on /healthz.
func WithBroker(c messaging.Client) Option {
	return func(h *ControlHandler) { h.broker = c }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *ControlHandler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

func NewControlHandler(capture Capturer, pipeline Pipeline, queue QueueReader, logger *slog.Logger, opts ...Option) *ControlHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &ControlHandler{
		capture:      capture,
		pipeline:     pipeline,
		queue:        queue,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Events handles POST /v1/events.
func (h *ControlHandler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}

	var req EventRequest
	if err := httputil.DecodeJSON(r, h.maxBodyBytes, &req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httputil.WriteCodedError(w, status, "invalid_request", "invalid request body", err.Error())
		return
	}

	event := &models.QueuedEvent{
		ID:             req.ID,
		EventType:      req.EventType,
		SourceApp:      req.SourceApp,
		Payload:        req.Payload,
		PayloadVersion: req.PayloadVersion,
		RequiredScope:  req.Scope,
	}
	if req.CapturedAt != nil {
		event.CapturedAt = req.CapturedAt.UTC()
	}

	result, err := h.capture.Enqueue(r.Context(), event)
	switch {
	case err != nil && validator.IsValidationError(err):
		httputil.WriteCodedError(w, http.StatusBadRequest, "validation_error", "event rejected", err.Error())
	case err != nil:
		h.logger.ErrorContext(r.Context(), "enqueue failed", logging.EventID(req.ID), logging.Error(err))
		httputil.WriteCodedError(w, http.StatusInternalServerError, "enqueue_failed", "failed to enqueue event", "")
	case result == service.Rejected:
		httputil.WriteJSON(w, http.StatusForbidden, EventResponse{ID: event.ID, Result: result.String()})
	case result == service.Duplicate:
		httputil.WriteJSON(w, http.StatusOK, EventResponse{ID: event.ID, Result: result.String()})
	default:
		httputil.WriteJSON(w, http.StatusAccepted, EventResponse{ID: event.ID, Result: result.String()})
	}
}

// Status handles GET /v1/status.
func (h *ControlHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "queue stats failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{Scheduler: h.pipeline.Status(), Queue: stats})
}

// Flush handles POST /v1/flush. Without a budget it schedules a background
// cycle; with ?budget=<duration> it runs a budgeted flush and returns
// the result.
func (h *ControlHandler) Flush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}

	raw := r.URL.Query().Get("budget")
	if raw == "" {
		httputil.WriteJSON(w, http.StatusAccepted, FlushResponse{Scheduled: h.pipeline.ScheduleUpload()})
		return
	}
	if h.background == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "budgeted flush not enabled")
		return
	}
	budget, err := time.ParseDuration(raw)
	if err != nil || budget <= 0 {
		httputil.WriteCodedError(w, http.StatusBadRequest, "invalid_budget", "budget must be a positive duration", raw)
		return
	}

	result, err := h.background.Run(r.Context(), budget)
	if err != nil {
		httputil.WriteCodedError(w, http.StatusConflict, flushErrorCode(err), "flush not started", err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FlushResponse{Scheduled: true, Result: &result})
}

func flushErrorCode(err error) string {
	switch {
	case errors.Is(err, scheduler.ErrPaused):
		return "paused"
	case errors.Is(err, scheduler.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, scheduler.ErrBackingOff):
		return "backing_off"
	case errors.Is(err, scheduler.ErrFlushInProgress):
		return "flush_in_progress"
	case errors.Is(err, scheduler.ErrNoNetwork):
		return "waiting_for_network"
	case errors.Is(err, scheduler.ErrClosed):
		return "closed"
	}
	return "flush_failed"
}

// Pause handles POST /v1/pause.
func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.pipeline.Pause)
}

// Resume handles POST /v1/resume.
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.pipeline.Resume)
}

// NetworkRestored handles POST /v1/network/restored and schedules an
// upload for the work that queued up while offline.
func (h *ControlHandler) NetworkRestored(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func() {
		h.pipeline.NetworkRestored()
		h.pipeline.ScheduleUpload()
	})
}

func (h *ControlHandler) control(w http.ResponseWriter, r *http.Request, apply func()) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	apply()
	st := h.pipeline.Status()
	h.logger.InfoContext(r.Context(), "control command applied",
		logging.Path(r.URL.Path),
		logging.State(string(st.State)))
	httputil.WriteJSON(w, http.StatusOK, st)
}

// DeadLetters handles GET /v1/dead-letters.
func (h *ControlHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit := httputil.ParseLimit(r, defaultDeadLetterLimit, maxDeadLetterLimit)
	events, err := h.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list dead letters failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if events == nil {
		events = []*models.QueuedEvent{}
	}
	httputil.WriteJSON(w, http.StatusOK, DeadLettersResponse{Events: events, Count: len(events)})
}

// Health handles GET /healthz.
func (h *ControlHandler) Health(w http.ResponseWriter, r *http.Request) {
	broker := messaging.CheckClientHealth(h.broker)
	body := map[string]interface{}{
		"status":    "healthy",
		"scheduler": h.pipeline.Status().State,
		"messaging": broker,
	}
	if broker.Enabled && !broker.Connected {
		body["status"] = "degraded"
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}
