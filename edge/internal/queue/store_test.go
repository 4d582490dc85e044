package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"zombiezen.com/go/sqlite/sqlitex"
)

func openTestStore(t *testing.T, maxRetries int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := Open(context.Background(), Config{Path: path, MaxRetries: maxRetries, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newEvent(id string, offset time.Duration) *models.QueuedEvent {
	return &models.QueuedEvent{
		ID:             id,
		EventType:      "app.opened",
		SourceApp:      "notes",
		Payload:        json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
		RequiredScope:  "usage",
		ConsentVersion: "v1",
		CapturedAt:     baseTime.Add(offset),
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	first := newEvent("e1", 0)
	first.Payload = json.RawMessage(`{"v":"first"}`)
	second := newEvent("e1", time.Second)
	second.Payload = json.RawMessage(`{"v":"second"}`)

	res, err := s.Enqueue(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	res, err = s.Enqueue(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)

	assert.Equal(t, int64(1), s.PendingCount())

	stored, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"first"}`, string(stored.Payload))
	assert.Equal(t, baseTime, stored.CapturedAt)
	assert.Equal(t, models.StatePending, stored.State)
	assert.Equal(t, models.DefaultPayloadVersion, stored.PayloadVersion)
}

func TestEnqueue_RejectsMissingID(t *testing.T) {
	s := openTestStore(t, 3)
	_, err := s.Enqueue(context.Background(), &models.QueuedEvent{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestGetPendingEvents_FIFO(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	// Inserted out of capture order; e2 and e3 share a timestamp.
	require.NoError(t, enqueueAll(ctx, s,
		newEvent("e4", 3*time.Second),
		newEvent("e1", 0),
		newEvent("e2", time.Second),
		newEvent("e3", time.Second),
	))

	events, err := s.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, models.EventIDs(events))

	limited, err := s.GetPendingEvents(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, models.EventIDs(limited))

	// Repeated reads have no side effects.
	again, err := s.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, models.EventIDs(events), models.EventIDs(again))
}

func TestMarkBatchProcessed(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	require.NoError(t, enqueueAll(ctx, s, newEvent("e1", 0), newEvent("e2", time.Second), newEvent("e3", 2*time.Second)))

	require.NoError(t, s.MarkUploading(ctx, []string{"e1", "e2"}))
	require.NoError(t, s.MarkBatchProcessed(ctx, []string{"e1", "e2"}))
	assert.Equal(t, int64(1), s.PendingCount())

	// Idempotent.
	require.NoError(t, s.MarkBatchProcessed(ctx, []string{"e1", "e2"}))
	assert.Equal(t, int64(1), s.PendingCount())

	events, err := s.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, models.EventIDs(events))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Pending: 1, Processed: 2}, stats)
}

func TestMarkUploading_ExcludedFromPending(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	require.NoError(t, enqueueAll(ctx, s, newEvent("e1", 0), newEvent("e2", time.Second)))

	require.NoError(t, s.MarkUploading(ctx, []string{"e1"}))
	events, err := s.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, models.EventIDs(events))
	assert.Equal(t, int64(2), s.PendingCount())

	require.NoError(t, s.ReleaseBatch(ctx, []string{"e1"}))
	events, err = s.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, models.EventIDs(events))

	stored, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RetryCount)
}

func TestRecordRetryFailure_DeadLettersAtMax(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	require.NoError(t, enqueueAll(ctx, s, newEvent("e1", 0)))
	serverErr := errors.New("server error: 500")

	for attempt := 1; attempt <= 2; attempt++ {
		state, err := s.RecordRetryFailure(ctx, "e1", serverErr)
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, state, "attempt %d", attempt)
	}

	state, err := s.RecordRetryFailure(ctx, "e1", serverErr)
	require.NoError(t, err)
	assert.Equal(t, models.StateDeadLetter, state)

	events, err := s.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(0), s.PendingCount())

	dead, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].RetryCount)
	assert.Equal(t, "server error: 500", dead[0].LastError)

	// Terminal rows are not modified further.
	state, err = s.RecordRetryFailure(ctx, "e1", serverErr)
	require.NoError(t, err)
	assert.Equal(t, models.StateDeadLetter, state)
	stored, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RetryCount)
}

func TestRecordRetryFailure_CommitFailureKeepsCount(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{
		Path:       filepath.Join(t.TempDir(), "queue.db"),
		PoolSize:   1,
		MaxRetries: 1,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, enqueueAll(ctx, s, newEvent("e1", 0)))

	// A deferred foreign key violation is only reported by COMMIT.
	conn, err := s.pool.Take(ctx)
	require.NoError(t, err)
	err = sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = ON", nil)
	if err == nil {
		err = sqlitex.ExecuteScript(conn, `
		CREATE TABLE owners (id TEXT PRIMARY KEY);
		CREATE TABLE dead_audit (event_id TEXT REFERENCES owners(id) DEFERRABLE INITIALLY DEFERRED);
		CREATE TRIGGER audit_dead AFTER UPDATE OF state ON events WHEN NEW.state = 'dead_letter'
		BEGIN INSERT INTO dead_audit VALUES (NEW.id); END;`, nil)
	}
	s.pool.Put(conn)
	require.NoError(t, err)

	_, err = s.RecordRetryFailure(ctx, "e1", errors.New("server error: 500"))
	require.Error(t, err)

	assert.Equal(t, int64(1), s.PendingCount())
	stored, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, stored.State)
	assert.Equal(t, 0, stored.RetryCount)
}

func TestRecordRetryFailure_NotFound(t *testing.T) {
	s := openTestStore(t, 3)
	_, err := s.RecordRetryFailure(context.Background(), "missing", errors.New("boom"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDeadLetter(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	require.NoError(t, enqueueAll(ctx, s, newEvent("e1", 0)))

	require.NoError(t, s.MarkDeadLetter(ctx, "e1", errors.New("payload rejected: 422")))

	stored, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.StateDeadLetter, stored.State)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, int64(0), s.PendingCount())
}

func TestProcessedIsTerminal(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	require.NoError(t, enqueueAll(ctx, s, newEvent("e1", 0)))
	require.NoError(t, s.MarkBatchProcessed(ctx, []string{"e1"}))

	require.NoError(t, s.ReleaseBatch(ctx, []string{"e1"}))
	require.NoError(t, s.MarkUploading(ctx, []string{"e1"}))
	state, err := s.RecordRetryFailure(ctx, "e1", errors.New("late"))
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessed, state)

	stored, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessed, stored.State)
}

func TestRecoverInFlight_AndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: path, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, enqueueAll(ctx, s, newEvent("e1", 0), newEvent("e2", time.Second)))
	require.NoError(t, s.MarkUploading(ctx, []string{"e1"}))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, Config{Path: path, Logger: logging.Discard()})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(2), reopened.PendingCount())

	n, err := reopened.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := reopened.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, models.EventIDs(events))
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t, 3)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Enqueue(context.Background(), newEvent("e1", 0))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEnqueue_Concurrent(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every id is submitted twice.
			_, err := s.Enqueue(ctx, newEvent(fmt.Sprintf("e%d", i%10), time.Duration(i)*time.Millisecond))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), s.PendingCount())
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Pending)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func enqueueAll(ctx context.Context, s *Store, events ...*models.QueuedEvent) error {
	for _, e := range events {
		if _, err := s.Enqueue(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
