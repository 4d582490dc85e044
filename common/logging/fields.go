package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the agent.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldFlushID   = "flush_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
	FieldScope     = "scope"
	FieldState     = "state"
	FieldCount     = "count"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration, in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error is logged as "".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for an event type.
func EventType(eventType string) slog.Attr {
	return slog.String(FieldEventType, eventType)
}

// Scope returns a slog attribute for a consent scope.
func Scope(scope string) slog.Attr {
	return slog.String(FieldScope, scope)
}

// State returns a slog attribute for a state machine state.
func State(state string) slog.Attr {
	return slog.String(FieldState, state)
}

// Count returns a slog attribute for a counter.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}
