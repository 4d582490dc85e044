// Package scheduler owns the upload state machine and drains the queue
// through the batch uploader.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/backoff"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/metrics"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/uploader"
)

// Defaults.
const (
	DefaultBatchSize       = 50
	DefaultInterBatchDelay = 100 * time.Millisecond
)

var (
	ErrPaused          = errors.New("scheduler paused")
	ErrRateLimited     = errors.New("scheduler rate limited")
	ErrBackingOff      = errors.New("scheduler backing off after failure")
	ErrFlushInProgress = errors.New("flush already in progress")
	ErrNoNetwork       = errors.New("network unreachable")
	ErrNothingPending  = errors.New("no pending events")
	ErrClosed          = errors.New("scheduler closed")
)

var allStates = []string{
	string(models.SchedulerIdle),
	string(models.SchedulerProcessing),
	string(models.SchedulerWaitingForNetwork),
	string(models.SchedulerRateLimited),
	string(models.SchedulerPaused),
}

// Store is the queue surface the scheduler drives.
type Store interface {
	PendingCount() int64
	GetPendingEvents(ctx context.Context, limit int) ([]*models.QueuedEvent, error)
	MarkUploading(ctx context.Context, ids []string) error
	ReleaseBatch(ctx context.Context, ids []string) error
	MarkBatchProcessed(ctx context.Context, ids []string) error
	RecordRetryFailure(ctx context.Context, id string, cause error) (models.EventState, error)
	MarkDeadLetter(ctx context.Context, id string, cause error) error
}

// Uploader sends one batch.
type Uploader interface {
	Upload(ctx context.Context, events []*models.QueuedEvent) error
}

// Prober reports whether the ingestion endpoint looks reachable.
type Prober interface {
	Reachable(ctx context.Context) bool
}

// Listener observes scheduler activity. Callbacks run synchronously on
// the goroutine that caused them and must not call back into the
// scheduler's mutating methods.
type Listener interface {
	OnStateChange(change models.StateChange)
	OnFlushComplete(result models.UploadResult)
}

// DeadLetterSink receives every event that enters dead_letter.
type DeadLetterSink interface {
	DeadLettered(ctx context.Context, event *models.QueuedEvent, cause error)
}

// FlushOptions controls a synchronous Flush.
type FlushOptions struct {
	// Expired is closed when the caller's execution budget runs out. No
	// new batch starts after it is closed.
	Expired <-chan struct{}
}

// Config configures the scheduler.
type Config struct {
	BatchSize         int
	InterBatchDelay   time.Duration
	DefaultRetryAfter time.Duration
	Policy            *backoff.Policy
	Prober            Prober
	Listeners         []Listener
	DeadLetters       DeadLetterSink
	Logger            *slog.Logger
}

// Scheduler coordinates flush cycles. At most one flush runs at a time.
type Scheduler struct {
	store    Store
	uploader Uploader
	policy   *backoff.Policy
	prober   Prober
	sink     DeadLetterSink
	logger   *slog.Logger
	now      func() time.Time

	batchSize       int
	interBatchDelay time.Duration
	retryAfter      time.Duration

	flushing atomic.Bool

	mu               sync.Mutex
	state            models.SchedulerState
	rateLimitedUntil time.Time
	nextAttemptAt    time.Time
	lastError        string
	lastResult       *models.UploadResult
	listeners        []Listener

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates a scheduler in the idle state.
func New(store Store, up Uploader, cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.InterBatchDelay < 0 {
		cfg.InterBatchDelay = 0
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = uploader.DefaultRetryAfter
	}
	if cfg.Policy == nil {
		cfg.Policy = backoff.New(backoff.Config{Jitter: backoff.DefaultJitter})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:           store,
		uploader:        up,
		policy:          cfg.Policy,
		prober:          cfg.Prober,
		sink:            cfg.DeadLetters,
		logger:          cfg.Logger,
		now:             time.Now,
		batchSize:       cfg.BatchSize,
		interBatchDelay: cfg.InterBatchDelay,
		retryAfter:      cfg.DefaultRetryAfter,
		state:           models.SchedulerIdle,
		listeners:       append([]Listener(nil), cfg.Listeners...),
		baseCtx:         ctx,
		cancel:          cancel,
	}
	metrics.SetSchedulerState(string(models.SchedulerIdle), allStates)
	return s
}

// AddListener registers l for state and flush notifications.
func (s *Scheduler) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// State returns the current state.
func (s *Scheduler) State() models.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the observable scheduler state.
func (s *Scheduler) Status() models.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.SchedulerStatus{
		State:        s.state,
		PendingCount: s.store.PendingCount(),
		LastError:    s.lastError,
	}
	if s.state == models.SchedulerRateLimited && !s.rateLimitedUntil.IsZero() {
		until := s.rateLimitedUntil
		st.RateLimitedUntil = &until
	}
	if !s.nextAttemptAt.IsZero() {
		next := s.nextAttemptAt
		st.NextAttemptAt = &next
	}
	if s.lastResult != nil {
		r := *s.lastResult
		st.LastResult = &r
	}
	return st
}

// ScheduleUpload starts a flush cycle in the background when there is
// pending work and the scheduler may run. It reports whether a cycle was
// started; calls made while a flush is running are coalesced into it.
func (s *Scheduler) ScheduleUpload() bool {
	if s.closed.Load() {
		return false
	}
	if err := s.begin(s.baseCtx, true); err != nil {
		s.logger.Debug("upload not scheduled", slog.String("reason", err.Error()))
		return false
	}
	metrics.FlushesTotal.WithLabelValues("schedule").Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result := s.drain(s.baseCtx, FlushOptions{})
		s.finish(result)
	}()
	return true
}

// Flush drains the queue synchronously until it is empty, a batch fails,
// ctx is cancelled, the scheduler is paused or opts.Expired is closed.
// The partial result is always returned when the flush started.
func (s *Scheduler) Flush(ctx context.Context, opts FlushOptions) (models.UploadResult, error) {
	if s.closed.Load() {
		return models.UploadResult{}, ErrClosed
	}
	if err := s.begin(ctx, false); err != nil {
		return models.UploadResult{}, err
	}
	metrics.FlushesTotal.WithLabelValues("flush").Inc()

	result := s.drain(ctx, opts)
	s.finish(result)
	return result.UploadResult, nil
}

// Pause stops new flush cycles. An upload already in flight completes
// and the running flush stops at the next batch boundary.
func (s *Scheduler) Pause() {
	s.setState(models.SchedulerPaused, func(from models.SchedulerState) bool {
		return from != models.SchedulerPaused
	})
}

// Resume returns a paused scheduler to idle.
func (s *Scheduler) Resume() {
	s.setState(models.SchedulerIdle, func(from models.SchedulerState) bool {
		return from == models.SchedulerPaused
	})
}

// NetworkRestored leaves waiting_for_network.
func (s *Scheduler) NetworkRestored() {
	s.setState(models.SchedulerIdle, func(from models.SchedulerState) bool {
		return from == models.SchedulerWaitingForNetwork
	})
}

// Wait blocks until background flush cycles have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels background cycles at their next batch boundary and waits
// for them to return.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// begin checks the preconditions for a flush and, when they hold, takes
// the flush guard and enters processing.
func (s *Scheduler) begin(ctx context.Context, requirePending bool) error {
	if s.prober != nil && s.State() == models.SchedulerWaitingForNetwork && s.prober.Reachable(ctx) {
		s.NetworkRestored()
	}

	var changes []models.StateChange

	s.mu.Lock()
	now := s.now()
	switch s.state {
	case models.SchedulerPaused:
		s.mu.Unlock()
		return ErrPaused
	case models.SchedulerRateLimited:
		if now.Before(s.rateLimitedUntil) {
			s.mu.Unlock()
			return ErrRateLimited
		}
		changes = append(changes, s.setLocked(models.SchedulerIdle))
	case models.SchedulerWaitingForNetwork:
		s.mu.Unlock()
		return ErrNoNetwork
	}
	if now.Before(s.rateLimitedUntil) {
		s.mu.Unlock()
		s.notifyStates(changes)
		return ErrRateLimited
	}
	if now.Before(s.nextAttemptAt) {
		s.mu.Unlock()
		s.notifyStates(changes)
		return ErrBackingOff
	}
	if requirePending && s.store.PendingCount() == 0 {
		s.mu.Unlock()
		s.notifyStates(changes)
		return ErrNothingPending
	}
	if !s.flushing.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.notifyStates(changes)
		return ErrFlushInProgress
	}
	s.mu.Unlock()
	s.notifyStates(changes)

	if s.prober != nil && !s.prober.Reachable(ctx) {
		s.setState(models.SchedulerWaitingForNetwork, func(from models.SchedulerState) bool {
			return from == models.SchedulerIdle
		})
		s.flushing.Store(false)
		return ErrNoNetwork
	}

	started := s.setState(models.SchedulerProcessing, func(from models.SchedulerState) bool {
		return from == models.SchedulerIdle
	})
	if !started {
		// Paused between the checks above and now.
		s.flushing.Store(false)
		return ErrPaused
	}
	return nil
}

// finish records the result, leaves processing and releases the guard.
func (s *Scheduler) finish(result flushOutcome) {
	var change models.StateChange
	changed := false

	s.mu.Lock()
	r := result.UploadResult
	s.lastResult = &r
	if result.lastError != "" {
		s.lastError = result.lastError
	} else if r.FailedCount == 0 && r.Batches > 0 {
		s.lastError = ""
	}
	if result.backoffUntil.IsZero() {
		if r.FailedCount == 0 {
			s.nextAttemptAt = time.Time{}
		}
	} else {
		s.nextAttemptAt = result.backoffUntil
	}
	if r.RateLimitedUntil != nil {
		s.rateLimitedUntil = *r.RateLimitedUntil
	}

	if s.state == models.SchedulerProcessing {
		if r.RateLimitedUntil != nil {
			change, changed = s.setLocked(models.SchedulerRateLimited), true
		} else {
			change, changed = s.setLocked(models.SchedulerIdle), true
		}
	}
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.flushing.Store(false)

	if changed {
		s.notifyStates([]models.StateChange{change})
	}
	for _, l := range listeners {
		l.OnFlushComplete(r)
	}
}

// setState transitions to `to` when allow approves the current state.
func (s *Scheduler) setState(to models.SchedulerState, allow func(from models.SchedulerState) bool) bool {
	s.mu.Lock()
	if !allow(s.state) {
		s.mu.Unlock()
		return false
	}
	change := s.setLocked(to)
	s.mu.Unlock()

	s.notifyStates([]models.StateChange{change})
	return true
}

func (s *Scheduler) setLocked(to models.SchedulerState) models.StateChange {
	change := models.StateChange{From: s.state, To: to, At: s.now().UTC()}
	if to == models.SchedulerRateLimited {
		until := s.rateLimitedUntil
		change.Until = &until
	}
	s.state = to
	return change
}

func (s *Scheduler) notifyStates(changes []models.StateChange) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, c := range changes {
		metrics.SetSchedulerState(string(c.To), allStates)
		s.logger.Info("scheduler state changed",
			logging.State(string(c.To)),
			slog.String("from", string(c.From)))
		for _, l := range listeners {
			l.OnStateChange(c)
		}
	}
}

func (s *Scheduler) isPaused() bool {
	return s.State() == models.SchedulerPaused
}
