// Package client talks to a running agent's control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/telhawk-systems/telhawk-edge/common/httputil"
	"github.com/telhawk-systems/telhawk-edge/common/middleware"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/handlers"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
)

// APIError is a non-2xx control API response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Code != "" {
		return fmt.Sprintf("control api %d (%s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("control api %d: %s", e.StatusCode, msg)
}

type ControlClient struct {
	baseURL string
	client  *http.Client
}

// NewControlClient accepts either a URL or a bare host:port listen address.
func NewControlClient(baseURL string, timeout time.Duration) *ControlClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &ControlClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *ControlClient) Status(ctx context.Context) (*handlers.StatusResponse, error) {
	var out handlers.StatusResponse
	if _, err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Flush asks the agent to schedule an upload. A positive budget runs a
// budgeted flush and waits for its result.
func (c *ControlClient) Flush(ctx context.Context, budget time.Duration) (*handlers.FlushResponse, error) {
	path := "/v1/flush"
	if budget > 0 {
		path += "?budget=" + url.QueryEscape(budget.String())
	}
	var out handlers.FlushResponse
	if _, err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ControlClient) Pause(ctx context.Context) (*models.SchedulerStatus, error) {
	return c.command(ctx, "/v1/pause")
}

func (c *ControlClient) Resume(ctx context.Context) (*models.SchedulerStatus, error) {
	return c.command(ctx, "/v1/resume")
}

func (c *ControlClient) NetworkRestored(ctx context.Context) (*models.SchedulerStatus, error) {
	return c.command(ctx, "/v1/network/restored")
}

func (c *ControlClient) command(ctx context.Context, path string) (*models.SchedulerStatus, error) {
	var out models.SchedulerStatus
	if _, err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Enqueue submits one event. Consent rejections come back as a normal
// response with Result "rejected_consent".
func (c *ControlClient) Enqueue(ctx context.Context, event *handlers.EventRequest) (*handlers.EventResponse, error) {
	var out handlers.EventResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/events", event, &out)
	if err != nil {
		if status == http.StatusForbidden && out.Result != "" {
			return &out, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *ControlClient) DeadLetters(ctx context.Context, limit int) (*handlers.DeadLettersResponse, error) {
	path := "/v1/dead-letters"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out handlers.DeadLettersResponse
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ControlClient) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.RequestIDHeader, uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusForbidden && out != nil {
			_ = json.Unmarshal(data, out)
		}
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb httputil.ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Error
			apiErr.Details = eb.Details
		}
		return resp.StatusCode, apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
