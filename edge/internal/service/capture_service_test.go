package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/consent"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/queue"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/validator"
)

func setup(t *testing.T, scopes map[string]bool) (*CaptureService, *queue.Store, *consent.Gate) {
	t.Helper()
	store, err := queue.Open(context.Background(), queue.Config{
		Path:   filepath.Join(t.TempDir(), "queue.db"),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gate := consent.NewGate(&models.ConsentSnapshot{Scopes: scopes, Version: "v5", GrantedAt: time.Now()})
	svc := NewCaptureService(store, gate, validator.Default(0), logging.Discard())
	return svc, store, gate
}

func event(id, scope string) *models.QueuedEvent {
	return &models.QueuedEvent{
		ID:            id,
		EventType:     "sensor.sample",
		SourceApp:     "health",
		Payload:       json.RawMessage(`{"bpm":72}`),
		RequiredScope: scope,
	}
}

func TestEnqueue_AcceptedThenDuplicate(t *testing.T) {
	svc, store, _ := setup(t, map[string]bool{"biometric": true})
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, event("e1", "biometric"))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	res, err = svc.Enqueue(ctx, event("e1", "biometric"))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)

	assert.Equal(t, int64(1), store.PendingCount())

	stored, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "v5", stored.ConsentVersion)
	assert.False(t, stored.CapturedAt.IsZero())
	assert.Equal(t, 1, stored.PayloadVersion)
}

func TestEnqueue_ConsentGating(t *testing.T) {
	svc, store, gate := setup(t, map[string]bool{"biometric": false})
	ctx := context.Background()

	res, err := svc.Enqueue(ctx, event("e1", "biometric"))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res)
	assert.ErrorIs(t, res.Err(), ErrConsentDenied)
	assert.Equal(t, int64(0), store.PendingCount())

	_, err = store.Get(ctx, "e1")
	assert.ErrorIs(t, err, queue.ErrNotFound)

	gate.Update(&models.ConsentSnapshot{Scopes: map[string]bool{"biometric": true}, Version: "v6"})

	res, err = svc.Enqueue(ctx, event("e1", "biometric"))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)
	assert.NoError(t, res.Err())

	stored, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "v6", stored.ConsentVersion)
}

func TestEnqueue_KeepsCallerConsentVersion(t *testing.T) {
	svc, store, _ := setup(t, map[string]bool{"usage": true})
	e := event("e1", "usage")
	e.ConsentVersion = "v2"

	_, err := svc.Enqueue(context.Background(), e)
	require.NoError(t, err)

	stored, err := store.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "v2", stored.ConsentVersion)
}

func TestEnqueue_ValidationError(t *testing.T) {
	svc, store, _ := setup(t, map[string]bool{"usage": true})

	e := event("e1", "usage")
	e.Payload = json.RawMessage(`not json`)
	res, err := svc.Enqueue(context.Background(), e)
	assert.Equal(t, Rejected, res)
	assert.True(t, validator.IsValidationError(err))
	assert.Equal(t, int64(0), store.PendingCount())

	_, err = svc.Enqueue(context.Background(), nil)
	assert.True(t, validator.IsValidationError(err))
}

func TestEnqueue_NilEventWithoutValidators(t *testing.T) {
	store, err := queue.Open(context.Background(), queue.Config{
		Path:   filepath.Join(t.TempDir(), "queue.db"),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	defer store.Close()

	gate := consent.NewGate(&models.ConsentSnapshot{Scopes: map[string]bool{"usage": true}})
	svc := NewCaptureService(store, gate, nil, logging.Discard())

	res, err := svc.Enqueue(context.Background(), nil)
	assert.Equal(t, Rejected, res)
	assert.True(t, validator.IsValidationError(err))
	assert.Equal(t, int64(0), store.PendingCount())
}

type failingStore struct{}

func (failingStore) Enqueue(context.Context, *models.QueuedEvent) (queue.EnqueueResult, error) {
	return queue.Accepted, errors.New("disk full")
}

func TestEnqueue_StoreError(t *testing.T) {
	gate := consent.NewGate(&models.ConsentSnapshot{Scopes: map[string]bool{"usage": true}})
	svc := NewCaptureService(failingStore{}, gate, validator.Default(0), logging.Discard())

	_, err := svc.Enqueue(context.Background(), event("e1", "usage"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "rejected_consent", Rejected.String())
}
