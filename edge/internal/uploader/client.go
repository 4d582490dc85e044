// Package uploader sends event batches to the ingestion service.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/metrics"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
)

const (
	ingestPath      = "/ingest-batch"
	maxErrorBody    = 64 * 1024
	defaultAgent    = "telhawk-edge/1"
	batchIDHeader   = "X-Batch-ID"
	envelopeVHeader = "X-Envelope-Version"
)

// TokenProvider supplies the bearer token for upload requests. An empty
// token with a nil error means no token is currently available.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client uploads batches to the ingestion service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	userAgent  string
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, timeout time.Duration, tokens TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens:    tokens,
		userAgent: defaultAgent,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload sends events as one batch. A nil error means the whole batch
// was accepted; any failure is returned as *UploadError.
func (c *Client) Upload(ctx context.Context, events []*models.QueuedEvent) error {
	if c == nil {
		return &UploadError{Kind: KindNetwork, Message: "uploader not configured"}
	}
	if len(events) == 0 {
		return nil
	}

	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	bodyBytes, err := json.Marshal(NewEnvelope(events))
	if err != nil {
		return &UploadError{Kind: KindPermanent, Message: "marshal batch", Err: err}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ingestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return &UploadError{Kind: KindNetwork, Message: "build request", Err: err}
	}
	batchID := uuid.NewString()
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("User-Agent", c.userAgent)
	request.Header.Set(batchIDHeader, batchID)
	request.Header.Set(envelopeVHeader, strconv.Itoa(EnvelopeVersion))

	start := c.now()
	resp, err := c.httpClient.Do(request)
	metrics.UploadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(string(KindNetwork)).Inc()
		return &UploadError{Kind: KindNetwork, Message: fmt.Sprintf("send request: %v", err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		metrics.UploadsTotal.WithLabelValues("success").Inc()
		metrics.UploadedEvents.Add(float64(len(events)))
		c.logger.DebugContext(ctx, "batch uploaded",
			slog.String("batch_id", batchID),
			slog.Int("count", len(events)),
			slog.Int("status", resp.StatusCode))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	ue := classify(resp.StatusCode, resp.Header, string(body), c.now())
	metrics.UploadsTotal.WithLabelValues(string(ue.Kind)).Inc()
	c.logger.WarnContext(ctx, "batch upload failed",
		slog.String("batch_id", batchID),
		slog.Int("count", len(events)),
		slog.Int("status", resp.StatusCode),
		slog.String("kind", string(ue.Kind)))
	return ue
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", &UploadError{Kind: KindAuth, Message: "no token provider"}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", &UploadError{Kind: KindNetwork, Message: "token lookup cancelled", Err: err}
		}
		return "", &UploadError{Kind: KindAuth, Message: fmt.Sprintf("token unavailable: %v", err), Err: err}
	}
	if token == "" {
		return "", &UploadError{Kind: KindAuth, Message: "token unavailable"}
	}
	return token, nil
}
