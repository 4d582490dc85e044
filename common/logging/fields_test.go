package logging

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestStringFields(t *testing.T) {
	tests := []struct {
		name string
		attr slog.Attr
		key  string
		want string
	}{
		{"service", Service("edge"), FieldService, "edge"},
		{"method", Method("POST"), FieldMethod, "POST"},
		{"path", Path("/v1/events"), FieldPath, "/v1/events"},
		{"event id", EventID("evt-1"), FieldEventID, "evt-1"},
		{"event type", EventType("step_count"), FieldEventType, "step_count"},
		{"scope", Scope("location"), FieldScope, "location"},
		{"state", State("idle"), FieldState, "idle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.key {
				t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
			}
			if tt.attr.Value.String() != tt.want {
				t.Errorf("expected value %q, got %q", tt.want, tt.attr.Value.String())
			}
		})
	}
}

func TestStatus(t *testing.T) {
	attr := Status(429)
	if attr.Key != FieldStatus {
		t.Errorf("expected key %q, got %q", FieldStatus, attr.Key)
	}
	if attr.Value.Int64() != 429 {
		t.Errorf("expected value 429, got %d", attr.Value.Int64())
	}
}

func TestDuration(t *testing.T) {
	attr := Duration(1500 * time.Millisecond)
	if attr.Key != FieldDuration {
		t.Errorf("expected key %q, got %q", FieldDuration, attr.Key)
	}
	if attr.Value.Int64() != 1500 {
		t.Errorf("expected value 1500, got %d", attr.Value.Int64())
	}
}

func TestError(t *testing.T) {
	attr := Error(errors.New("upload failed"))
	if attr.Key != FieldError {
		t.Errorf("expected key %q, got %q", FieldError, attr.Key)
	}
	if attr.Value.String() != "upload failed" {
		t.Errorf("expected value %q, got %q", "upload failed", attr.Value.String())
	}

	if got := Error(nil).Value.String(); got != "" {
		t.Errorf("expected empty value for nil error, got %q", got)
	}
}

func TestCount(t *testing.T) {
	if got := Count(7).Value.Int64(); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}
