// Package queue implements the durable local event queue on SQLite.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-edge/edge/internal/metrics"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultMaxRetries is the retry budget used when Config.MaxRetries is unset.
const DefaultMaxRetries = 3

// EnqueueResult reports whether an enqueue stored a new event.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	Duplicate
)

func (r EnqueueResult) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "accepted"
}

// Config holds store configuration.
type Config struct {
	Path       string
	PoolSize   int
	MaxRetries int
	Logger     *slog.Logger
}

// Store is the SQLite-backed event queue. It is safe for concurrent use.
type Store struct {
	pool       *sqlitex.Pool
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time

	// pending counts rows that are not yet terminal (pending or uploading).
	pending atomic.Int64
	closed  atomic.Bool
}

const eventColumns = `id, event_type, source_app, payload, payload_version, required_scope,
	consent_version, captured_at, state, retry_count, last_error, enqueued_at, updated_at`

// Open opens (creating if needed) the queue database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("queue: path is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := openPool(cfg.Path, cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", cfg.Path, err)
	}

	s := &Store{
		pool:       pool,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
		now:        time.Now,
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.setPending(stats.Pending + stats.Uploading)

	logger.Info("queue store opened",
		slog.String("path", cfg.Path),
		slog.Int64("pending", s.PendingCount()),
		slog.Int("max_retries", cfg.MaxRetries))

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.pool.Close()
}

// MaxRetries returns the configured retry budget.
func (s *Store) MaxRetries() int { return s.maxRetries }

// PendingCount returns the number of events not yet processed or
// dead-lettered. It reads an in-memory counter and never touches the database.
func (s *Store) PendingCount() int64 {
	return s.pending.Load()
}

func (s *Store) setPending(n int64) {
	s.pending.Store(n)
	metrics.PendingEvents.Set(float64(n))
}

func (s *Store) addPending(delta int64) {
	if delta == 0 {
		return
	}
	metrics.PendingEvents.Set(float64(s.pending.Add(delta)))
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: take connection: %w", err)
	}
	return conn, nil
}

// Enqueue stores event in the pending state. An event whose id is already
// stored is left untouched and Duplicate is returned.
func (s *Store) Enqueue(ctx context.Context, event *models.QueuedEvent) (EnqueueResult, error) {
	if event == nil || event.ID == "" {
		return Accepted, ErrInvalidEvent
	}
	conn, err := s.take(ctx)
	if err != nil {
		return Accepted, err
	}
	defer s.pool.Put(conn)

	now := s.now().UTC()
	version := event.PayloadVersion
	if version <= 0 {
		version = models.DefaultPayloadVersion
	}
	payload := string(event.Payload)
	if payload == "" {
		payload = "null"
	}
	capturedAt := event.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = now
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO events (id, event_type, source_app, payload, payload_version, required_scope,
			consent_version, captured_at, state, retry_count, last_error, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, '', ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				event.ID,
				event.EventType,
				event.SourceApp,
				payload,
				version,
				event.RequiredScope,
				event.ConsentVersion,
				capturedAt.UnixNano(),
				now.UnixNano(),
				now.UnixNano(),
			},
		})
	if err != nil {
		return Accepted, fmt.Errorf("queue: insert %s: %w", event.ID, err)
	}

	if conn.Changes() == 0 {
		return Duplicate, nil
	}
	s.addPending(1)
	return Accepted, nil
}

// GetPendingEvents returns up to limit pending events in capture order.
// It has no side effects.
func (s *Store) GetPendingEvents(ctx context.Context, limit int) ([]*models.QueuedEvent, error) {
	return s.listByState(ctx, models.StatePending, limit)
}

// DeadLetters returns up to limit dead-lettered events in capture order.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]*models.QueuedEvent, error) {
	return s.listByState(ctx, models.StateDeadLetter, limit)
}

func (s *Store) listByState(ctx context.Context, state models.EventState, limit int) ([]*models.QueuedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var events []*models.QueuedEvent
	err = sqlitex.Execute(conn,
		`SELECT `+eventColumns+` FROM events WHERE state = ? ORDER BY captured_at, seq LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(state), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, scanEvent(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", state, err)
	}
	return events, nil
}

// Get returns the event with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.QueuedEvent, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return getEvent(conn, id)
}

func getEvent(conn *sqlite.Conn, id string) (*models.QueuedEvent, error) {
	var event *models.QueuedEvent
	err := sqlitex.Execute(conn, `SELECT `+eventColumns+` FROM events WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event = scanEvent(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	if event == nil {
		return nil, ErrNotFound
	}
	return event, nil
}

// MarkUploading moves pending events to uploading for the batch in flight.
func (s *Store) MarkUploading(ctx context.Context, ids []string) error {
	_, err := s.transition(ctx, ids, models.StateUploading, []models.EventState{models.StatePending})
	return err
}

// ReleaseBatch returns uploading events to pending without charging a retry.
func (s *Store) ReleaseBatch(ctx context.Context, ids []string) error {
	_, err := s.transition(ctx, ids, models.StatePending, []models.EventState{models.StateUploading})
	return err
}

// MarkBatchProcessed marks events as processed. Already processed or
// dead-lettered events are left as they are.
func (s *Store) MarkBatchProcessed(ctx context.Context, ids []string) error {
	n, err := s.transition(ctx, ids, models.StateProcessed,
		[]models.EventState{models.StatePending, models.StateUploading})
	if err != nil {
		return err
	}
	s.addPending(-n)
	return nil
}

func (s *Store) transition(ctx context.Context, ids []string, to models.EventState, from []models.EventState) (changed int64, err error) {
	if len(ids) == 0 {
		return 0, nil
	}
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTx(&err)

	query := fmt.Sprintf(`UPDATE events SET state = ?, updated_at = ? WHERE id = ? AND state IN (%s)`,
		placeholders(len(from)))
	now := s.now().UTC().UnixNano()

	for _, id := range ids {
		args := []any{string(to), now, id}
		for _, st := range from {
			args = append(args, string(st))
		}
		if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return 0, fmt.Errorf("queue: mark %s %s: %w", id, to, err)
		}
		changed += int64(conn.Changes())
	}
	return changed, nil
}

// RecordRetryFailure charges one retry against the event and stores cause
// as its last error. The failure that brings the retry count to the
// configured maximum moves the event to dead_letter. The resulting state
// is returned; terminal events are not modified.
func (s *Store) RecordRetryFailure(ctx context.Context, id string, cause error) (models.EventState, error) {
	return s.recordFailure(ctx, id, errorText(cause), false)
}

// MarkDeadLetter moves the event straight to dead_letter, for failures
// that no retry can fix.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, cause error) error {
	_, err := s.recordFailure(ctx, id, errorText(cause), true)
	return err
}

func (s *Store) recordFailure(ctx context.Context, id, lastError string, terminal bool) (models.EventState, error) {
	state, retries, changed, err := s.applyFailure(ctx, id, lastError, terminal)
	if err != nil {
		return "", err
	}
	// The counter follows committed rows only.
	if changed && state == models.StateDeadLetter {
		s.addPending(-1)
		s.logger.Warn("event dead-lettered",
			slog.String("event_id", id),
			slog.Int("retry_count", retries),
			slog.String("error", lastError))
	}
	return state, nil
}

func (s *Store) applyFailure(ctx context.Context, id, lastError string, terminal bool) (state models.EventState, retries int, changed bool, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return "", 0, false, err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", 0, false, fmt.Errorf("queue: begin transaction: %w", err)
	}
	defer endTx(&err)

	event, err := getEvent(conn, id)
	if err != nil {
		return "", 0, false, err
	}
	if event.State.Terminal() {
		return event.State, event.RetryCount, false, nil
	}

	retries = event.RetryCount + 1
	state = models.StatePending
	if terminal || retries >= s.maxRetries {
		state = models.StateDeadLetter
	}

	err = sqlitex.Execute(conn,
		`UPDATE events SET state = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(state), retries, lastError, s.now().UTC().UnixNano(), id},
		})
	if err != nil {
		return "", 0, false, fmt.Errorf("queue: record failure %s: %w", id, err)
	}
	return state, retries, true, nil
}

// RecoverInFlight resets events left uploading by an interrupted flush
// back to pending. Retry counts are unchanged.
func (s *Store) RecoverInFlight(ctx context.Context) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE events SET state = 'pending', updated_at = ? WHERE state = 'uploading'`,
		&sqlitex.ExecOptions{Args: []any{s.now().UTC().UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("queue: recover in-flight: %w", err)
	}
	n := conn.Changes()
	if n > 0 {
		s.logger.Info("recovered in-flight events", slog.Int("count", n))
	}
	return n, nil
}

// Stats returns event counts per state.
func (s *Store) Stats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	conn, err := s.take(ctx)
	if err != nil {
		return stats, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `SELECT state, COUNT(*) FROM events GROUP BY state`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n := stmt.ColumnInt64(1)
				switch models.EventState(stmt.ColumnText(0)) {
				case models.StatePending:
					stats.Pending = n
				case models.StateUploading:
					stats.Uploading = n
				case models.StateProcessed:
					stats.Processed = n
				case models.StateDeadLetter:
					stats.DeadLetter = n
				}
				return nil
			},
		})
	if err != nil {
		return stats, fmt.Errorf("queue: stats: %w", err)
	}
	return stats, nil
}

func scanEvent(stmt *sqlite.Stmt) *models.QueuedEvent {
	return &models.QueuedEvent{
		ID:             stmt.ColumnText(0),
		EventType:      stmt.ColumnText(1),
		SourceApp:      stmt.ColumnText(2),
		Payload:        []byte(stmt.ColumnText(3)),
		PayloadVersion: stmt.ColumnInt(4),
		RequiredScope:  stmt.ColumnText(5),
		ConsentVersion: stmt.ColumnText(6),
		CapturedAt:     time.Unix(0, stmt.ColumnInt64(7)).UTC(),
		State:          models.EventState(stmt.ColumnText(8)),
		RetryCount:     stmt.ColumnInt(9),
		LastError:      stmt.ColumnText(10),
		EnqueuedAt:     time.Unix(0, stmt.ColumnInt64(11)).UTC(),
		UpdatedAt:      time.Unix(0, stmt.ColumnInt64(12)).UTC(),
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
