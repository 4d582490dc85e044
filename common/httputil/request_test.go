package httputil

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		input      string
		defaultVal int
		want       int
	}{
		{"", 10, 10},
		{"25", 10, 25},
		{"abc", 10, 10},
		{"-3", 10, -3},
	}

	for _, tt := range tests {
		if got := ParseIntParam(tt.input, tt.defaultVal); got != tt.want {
			t.Errorf("ParseIntParam(%q, %d) = %d, want %d", tt.input, tt.defaultVal, got, tt.want)
		}
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=10", 10},
		{"?limit=0", 50},
		{"?limit=-1", 50},
		{"?limit=5000", 500},
	}

	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/v1/dead-letters"+tt.query, nil)
		if got := ParseLimit(r, 50, 500); got != tt.want {
			t.Errorf("ParseLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		ID string `json:"id"`
	}

	t.Run("valid body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"id":"e1"}`))
		var p payload
		if err := DecodeJSON(r, 1024, &p); err != nil {
			t.Fatalf("DecodeJSON() error = %v", err)
		}
		if p.ID != "e1" {
			t.Errorf("ID = %q, want e1", p.ID)
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"id":"e1","extra":1}`))
		var p payload
		if err := DecodeJSON(r, 1024, &p); err == nil {
			t.Fatal("expected error for unknown field")
		}
	})

	t.Run("body too large", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"id":"0123456789"}`))
		var p payload
		err := DecodeJSON(r, 8, &p)
		if !errors.Is(err, ErrBodyTooLarge) {
			t.Fatalf("expected ErrBodyTooLarge, got %v", err)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(""))
		var p payload
		if err := DecodeJSON(r, 1024, &p); err == nil {
			t.Fatal("expected error for empty body")
		}
	})
}
