// Package service implements event capture: validation, consent gating
// and durable enqueue.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/metrics"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/queue"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/validator"
)

// ErrConsentDenied is the error form of a Rejected result.
var ErrConsentDenied = errors.New("consent denied for scope")

// Result is the outcome of an enqueue call.
type Result int

const (
	Accepted Result = iota
	Duplicate
	Rejected
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected_consent"
	}
	return "unknown"
}

// Err returns ErrConsentDenied for Rejected and nil otherwise.
func (r Result) Err() error {
	if r == Rejected {
		return ErrConsentDenied
	}
	return nil
}

// Store is the queue surface used by capture.
type Store interface {
	Enqueue(ctx context.Context, event *models.QueuedEvent) (queue.EnqueueResult, error)
}

// Gate answers consent decisions.
type Gate interface {
	CanCapture(scope string) bool
	Version() string
}

// CaptureService accepts events from producers on the device.
type CaptureService struct {
	store     Store
	gate      Gate
	validator *validator.Chain
	logger    *slog.Logger
	now       func() time.Time
}

func NewCaptureService(store Store, gate Gate, chain *validator.Chain, logger *slog.Logger) *CaptureService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureService{
		store:     store,
		gate:      gate,
		validator: chain,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue validates event, checks consent for its scope and stores it.
// A consent denial is reported as Rejected with a nil error and leaves
// no trace in the queue. Validation failures return a
// *validator.ValidationError.
func (s *CaptureService) Enqueue(ctx context.Context, event *models.QueuedEvent) (Result, error) {
	if event == nil {
		metrics.EventsEnqueued.WithLabelValues("validation_error").Inc()
		return Rejected, &validator.ValidationError{Field: "event", Reason: "missing"}
	}
	s.fillDefaults(event)
	if err := s.validator.Validate(ctx, event); err != nil {
		metrics.EventsEnqueued.WithLabelValues("validation_error").Inc()
		return Rejected, err
	}

	if !s.gate.CanCapture(event.RequiredScope) {
		metrics.EventsEnqueued.WithLabelValues(Rejected.String()).Inc()
		logging.FromContext(ctx, s.logger).DebugContext(ctx, "event rejected by consent gate",
			logging.EventID(event.ID),
			logging.Scope(event.RequiredScope))
		return Rejected, nil
	}

	res, err := s.store.Enqueue(ctx, event)
	if err != nil {
		metrics.EventsEnqueued.WithLabelValues("error").Inc()
		return Rejected, fmt.Errorf("enqueue %s: %w", event.ID, err)
	}

	result := Accepted
	if res == queue.Duplicate {
		result = Duplicate
	}
	metrics.EventsEnqueued.WithLabelValues(result.String()).Inc()
	return result, nil
}

func (s *CaptureService) fillDefaults(event *models.QueuedEvent) {
	if event.CapturedAt.IsZero() {
		event.CapturedAt = s.now().UTC()
	}
	if event.PayloadVersion == 0 {
		event.PayloadVersion = models.DefaultPayloadVersion
	}
	if event.ConsentVersion == "" {
		event.ConsentVersion = s.gate.Version()
	}
}
