package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/common/middleware"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/authtoken"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/consent"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/handlers"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/queue"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/scheduler"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/service"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/uploader"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/validator"
)

type stack struct {
	router   http.Handler
	store    *queue.Store
	sched    *scheduler.Scheduler
	received atomic.Int64
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st := &stack{}

	ingest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env uploader.BatchEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		st.received.Add(int64(len(env.Events)))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ingest.Close)

	ctx := context.Background()
	store, err := queue.Open(ctx, queue.Config{Path: filepath.Join(t.TempDir(), "queue.db"), Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	st.store = store

	gate := consent.NewGate(&models.ConsentSnapshot{Scopes: map[string]bool{"analytics": true}, Version: "v1"})
	capture := service.NewCaptureService(store, gate, validator.Default(0), logging.Discard())
	up := uploader.New(ingest.URL, 5*time.Second, authtoken.Static("token"), uploader.WithLogger(logging.Discard()))
	st.sched = scheduler.New(store, up, scheduler.Config{InterBatchDelay: -1, Logger: logging.Discard()})
	t.Cleanup(func() { st.sched.Close() })

	h := handlers.NewControlHandler(capture, st.sched, store, logging.Discard())
	st.router = NewRouter(h)
	return st
}

func (st *stack) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	st.router.ServeHTTP(rr, req)
	return rr
}

func TestRouter_RoutesRegistered(t *testing.T) {
	st := newStack(t)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/v1/status"},
		{http.MethodGet, "/v1/dead-letters"},
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/metrics"},
		{http.MethodPost, "/v1/pause"},
		{http.MethodPost, "/v1/resume"},
		{http.MethodPost, "/v1/network/restored"},
	}
	for _, r := range routes {
		rr := st.do(t, r.method, r.path, "")
		assert.NotEqual(t, http.StatusNotFound, rr.Code, r.path)
		assert.NotEmpty(t, rr.Header().Get(middleware.RequestIDHeader), r.path)
	}
}

func TestRouter_CaptureAndFlush(t *testing.T) {
	st := newStack(t)

	body := func(id, scope string) string {
		return `{"id":"` + id + `","event_type":"app.open","source_app":"tests","payload":{"n":1},"scope":"` + scope + `"}`
	}

	assert.Equal(t, http.StatusAccepted, st.do(t, http.MethodPost, "/v1/events", body("e1", "analytics")).Code)
	assert.Equal(t, http.StatusAccepted, st.do(t, http.MethodPost, "/v1/events", body("e2", "analytics")).Code)
	assert.Equal(t, http.StatusOK, st.do(t, http.MethodPost, "/v1/events", body("e1", "analytics")).Code)
	assert.Equal(t, http.StatusForbidden, st.do(t, http.MethodPost, "/v1/events", body("e3", "crash")).Code)
	assert.Equal(t, int64(2), st.store.PendingCount())

	rr := st.do(t, http.MethodPost, "/v1/flush", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"scheduled":true}`, rr.Body.String())
	st.sched.Wait()

	assert.Equal(t, int64(2), st.received.Load())
	assert.Equal(t, int64(0), st.store.PendingCount())

	rr = st.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var status handlers.StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, models.SchedulerIdle, status.Scheduler.State)
	assert.Equal(t, int64(2), status.Queue.Processed)
	require.NotNil(t, status.Scheduler.LastResult)
	assert.Equal(t, 2, status.Scheduler.LastResult.SuccessCount)
}

func TestRouter_PauseBlocksFlush(t *testing.T) {
	st := newStack(t)

	require.Equal(t, http.StatusAccepted, st.do(t, http.MethodPost, "/v1/events",
		`{"id":"p1","event_type":"t","source_app":"a","payload":{},"scope":"analytics"}`).Code)

	rr := st.do(t, http.MethodPost, "/v1/pause", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"state":"paused"`)

	rr = st.do(t, http.MethodPost, "/v1/flush", "")
	assert.JSONEq(t, `{"scheduled":false}`, rr.Body.String())
	assert.Equal(t, int64(1), st.store.PendingCount())

	st.do(t, http.MethodPost, "/v1/resume", "")
	rr = st.do(t, http.MethodPost, "/v1/flush", "")
	assert.JSONEq(t, `{"scheduled":true}`, rr.Body.String())
	st.sched.Wait()
	assert.Equal(t, int64(0), st.store.PendingCount())
}
