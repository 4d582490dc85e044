package validator

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
)

const (
	maxIDLength = 128
	// DefaultMaxPayloadBytes bounds a single event payload.
	DefaultMaxPayloadBytes = 256 * 1024
	// DefaultMaxClockSkew is how far in the future captured_at may be.
	DefaultMaxClockSkew = 5 * time.Minute
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// BasicValidator ensures the envelope fields required for upload exist.
type BasicValidator struct {
	MaxClockSkew time.Duration
	Now          func() time.Time
}

// Supports returns true for all event types.
func (BasicValidator) Supports(string) bool {
	return true
}

// Validate performs structural validation.
func (b BasicValidator) Validate(ctx context.Context, event *models.QueuedEvent) error {
	_ = ctx
	switch {
	case event.ID == "":
		return invalid("id", "missing")
	case len(event.ID) > maxIDLength:
		return invalid("id", "longer than %d characters", maxIDLength)
	case event.EventType == "":
		return invalid("event_type", "missing")
	case !namePattern.MatchString(event.EventType):
		return invalid("event_type", "contains invalid characters")
	case event.SourceApp == "":
		return invalid("source_app", "missing")
	case event.RequiredScope == "":
		return invalid("required_scope", "missing")
	case !namePattern.MatchString(event.RequiredScope):
		return invalid("required_scope", "contains invalid characters")
	case len(event.Payload) == 0:
		return invalid("payload", "missing")
	case !json.Valid(event.Payload):
		return invalid("payload", "not valid JSON")
	case event.PayloadVersion < 0:
		return invalid("payload_version", "must not be negative")
	}

	if !event.CapturedAt.IsZero() {
		now := time.Now
		if b.Now != nil {
			now = b.Now
		}
		skew := b.MaxClockSkew
		if skew <= 0 {
			skew = DefaultMaxClockSkew
		}
		if event.CapturedAt.After(now().Add(skew)) {
			return invalid("captured_at", "in the future")
		}
	}
	return nil
}

// SizeValidator rejects payloads larger than MaxBytes.
type SizeValidator struct {
	MaxBytes int
}

func (SizeValidator) Supports(string) bool { return true }

func (s SizeValidator) Validate(_ context.Context, event *models.QueuedEvent) error {
	max := s.MaxBytes
	if max <= 0 {
		max = DefaultMaxPayloadBytes
	}
	if len(event.Payload) > max {
		return invalid("payload", "exceeds %d bytes", max)
	}
	return nil
}

// Default returns the chain used by the capture service.
func Default(maxPayloadBytes int) *Chain {
	return NewChain(BasicValidator{}, SizeValidator{MaxBytes: maxPayloadBytes})
}
