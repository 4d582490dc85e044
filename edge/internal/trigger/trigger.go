// Package trigger adapts external scheduling sources (a periodic timer and
// the OS background-execution hook) to the upload scheduler.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/scheduler"
)

// Defaults.
const (
	DefaultInterval = 60 * time.Second
	DefaultBudget   = 25 * time.Second
)

// Port is the scheduling surface that triggers drive.
type Port interface {
	ScheduleUpload() bool
	Flush(ctx context.Context, opts scheduler.FlushOptions) (models.UploadResult, error)
}

// Interval calls ScheduleUpload on a fixed period. Ticks are skipped
// while the scheduler reports paused.
type Interval struct {
	mu       sync.Mutex
	port     Port
	interval time.Duration
	logger   *slog.Logger
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	suspended atomic.Bool
	fired     atomic.Int64
}

func NewInterval(port Port, interval time.Duration, logger *slog.Logger) *Interval {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interval{port: port, interval: interval, logger: logger}
}

// Start begins ticking.
func (i *Interval) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return fmt.Errorf("interval trigger already running")
	}
	i.running = true
	i.stopChan = make(chan struct{})
	i.mu.Unlock()

	i.logger.Info("interval trigger starting", slog.Duration("interval", i.interval))

	i.wg.Add(1)
	go i.run(ctx, i.stopChan)
	return nil
}

// Stop halts the ticker and waits for the loop to exit.
func (i *Interval) Stop() error {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return fmt.Errorf("interval trigger not running")
	}
	i.running = false
	close(i.stopChan)
	i.mu.Unlock()

	i.wg.Wait()
	i.logger.Info("interval trigger stopped")
	return nil
}

// Run starts the trigger and blocks until ctx is done.
func (i *Interval) Run(ctx context.Context) error {
	if err := i.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return i.Stop()
}

// Fired returns how many ticks reached the scheduler.
func (i *Interval) Fired() int64 {
	return i.fired.Load()
}

func (i *Interval) run(ctx context.Context, stop <-chan struct{}) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if i.suspended.Load() {
				continue
			}
			i.fired.Add(1)
			i.port.ScheduleUpload()
		}
	}
}

// OnStateChange suspends ticking while the scheduler is paused.
func (i *Interval) OnStateChange(c models.StateChange) {
	switch {
	case c.To == models.SchedulerPaused:
		i.suspended.Store(true)
	case c.From == models.SchedulerPaused:
		i.suspended.Store(false)
	}
}

// OnFlushComplete is a no-op.
func (i *Interval) OnFlushComplete(models.UploadResult) {}

// BackgroundHook runs a full flush inside an OS-granted execution window.
type BackgroundHook struct {
	port   Port
	budget time.Duration
	logger *slog.Logger
}

func NewBackgroundHook(port Port, budget time.Duration, logger *slog.Logger) *BackgroundHook {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundHook{port: port, budget: budget, logger: logger}
}

// Run flushes until the queue drains or budget elapses, whichever is
// first. A non-positive budget uses the hook default. The batch in
// flight when the budget runs out completes; no further batch starts.
func (b *BackgroundHook) Run(ctx context.Context, budget time.Duration) (models.UploadResult, error) {
	if budget <= 0 {
		budget = b.budget
	}
	expired := make(chan struct{})
	timer := time.AfterFunc(budget, func() { close(expired) })
	defer timer.Stop()

	result, err := b.port.Flush(ctx, scheduler.FlushOptions{Expired: expired})
	if err != nil {
		b.logger.InfoContext(ctx, "background flush skipped", slog.String("reason", err.Error()))
		return result, err
	}
	b.logger.InfoContext(ctx, "background flush complete",
		slog.Int("success", result.SuccessCount),
		slog.Int("failed", result.FailedCount),
		slog.Bool("expired", result.Expired),
		slog.Duration("budget", budget))
	return result, nil
}
