package uploader

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an upload failure.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindServer    Kind = "server"
	KindNetwork   Kind = "network"
	KindClient    Kind = "client"
	KindPermanent Kind = "permanent"
)

// DefaultRetryAfter applies to 429 responses without a usable Retry-After.
const DefaultRetryAfter = 60 * time.Second

// UploadError is a classified batch upload failure.
type UploadError struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is the server-supplied wait, zero when absent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the events should be retried through the
// backoff policy and charged against their retry budget.
func (e *UploadError) IsRetryable() bool {
	switch e.Kind {
	case KindServer, KindNetwork, KindClient:
		return true
	}
	return false
}

// AsUploadError extracts an *UploadError from err's chain.
func AsUploadError(err error) (*UploadError, bool) {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// permanentStatus lists 4xx codes whose payload will never be accepted.
var permanentStatus = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnsupportedMediaType:  true,
	http.StatusUnprocessableEntity:   true,
}

// classify maps a non-2xx response to an UploadError.
func classify(status int, header http.Header, body string, now time.Time) *UploadError {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	ue := &UploadError{StatusCode: status, Message: msg}

	switch {
	case status == http.StatusUnauthorized:
		ue.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		ue.Kind = KindRateLimit
		ue.RetryAfter = DefaultRetryAfter
		if d, ok := ParseRetryAfter(header.Get("Retry-After"), now); ok {
			ue.RetryAfter = d
		}
	case status >= 500:
		ue.Kind = KindServer
		if d, ok := ParseRetryAfter(header.Get("Retry-After"), now); ok {
			ue.RetryAfter = d
		}
	case permanentStatus[status]:
		ue.Kind = KindPermanent
	default:
		ue.Kind = KindClient
	}
	return ue
}

// MaxRetryAfter caps any server-supplied Retry-After.
const MaxRetryAfter = 24 * time.Hour

// ParseRetryAfter parses a Retry-After header given as delta seconds or
// an HTTP-date. A date in the past yields zero; values beyond
// MaxRetryAfter are clamped to it.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		if secs > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter, true
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := t.Sub(now)
	if d < 0 {
		d = 0
	}
	if d > MaxRetryAfter {
		d = MaxRetryAfter
	}
	return d, true
}
