// Package agent assembles the edge pipeline from configuration and runs
// its long-lived loops.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-edge/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/authtoken"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/backoff"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/config"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/consent"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/deadletter"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/handlers"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/notify"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/queue"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/reachability"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/scheduler"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/server"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/service"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/trigger"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/uploader"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/validator"
)

const shutdownTimeout = 10 * time.Second

// Agent owns every pipeline component for one device.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	Store     *queue.Store
	Gate      *consent.Gate
	Scheduler *scheduler.Scheduler
	Capture   *service.CaptureService
	Bus       *notify.Bus
	Hook      *trigger.BackgroundHook

	refresher *consent.Refresher
	interval  *trigger.Interval
	server    *http.Server
	broker    *natsclient.JetStreamClient
	closers   []func() error

	mu       sync.Mutex
	listener net.Listener
}

// newPolicy builds the backoff policy. Its attempt cap is the queue's
// retry budget.
func newPolicy(cfg config.BackoffConfig, maxRetries int) *backoff.Policy {
	return backoff.New(backoff.Config{
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
		MaxAttempts: maxRetries,
	})
}

// New opens the queue and wires the pipeline. Optional collaborators
// (NATS, the reachability probe) that fail to initialize are logged and
// skipped.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{cfg: cfg, logger: logger}

	store, err := queue.Open(ctx, queue.Config{
		Path:       cfg.Queue.Path,
		PoolSize:   cfg.Queue.PoolSize,
		MaxRetries: cfg.Queue.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if n, err := store.RecoverInFlight(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("recover in-flight events: %w", err)
	} else if n > 0 {
		logger.Info("released events left uploading by a previous run", logging.Count(n))
	}

	source, err := a.consentSource(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Gate = consent.NewGate(nil)
	a.refresher = consent.NewRefresher(source, a.Gate, cfg.Consent.RefreshInterval, logger)
	if err := a.refresher.RefreshOnce(ctx); err != nil {
		logger.Warn("initial consent load failed, capture disabled until it succeeds", logging.Error(err))
	}

	up := uploader.New(cfg.Uploader.URL, cfg.Uploader.Timeout, a.tokenProvider(),
		uploader.WithUserAgent(cfg.Uploader.UserAgent),
		uploader.WithLogger(logger))

	var publisher messaging.Publisher
	var sink scheduler.DeadLetterSink
	if cfg.NATS.Enabled {
		if js, mirror := a.connectNATS(ctx); js != nil {
			publisher = js
			if mirror != nil {
				sink = mirror
			}
		}
	}
	a.Bus = notify.NewBus(publisher, cfg.DeviceID, logger)
	a.closers = append(a.closers, a.Bus.Close)

	schedCfg := scheduler.Config{
		BatchSize:         cfg.Uploader.BatchSize,
		InterBatchDelay:   cfg.Scheduler.InterBatchDelay,
		DefaultRetryAfter: cfg.Scheduler.DefaultRetryAfter,
		Policy:            newPolicy(cfg.Backoff, store.MaxRetries()),
		Listeners:   []scheduler.Listener{a.Bus},
		DeadLetters: sink,
		Logger:      logger,
	}
	if probe := a.probe(); probe != nil {
		schedCfg.Prober = probe
	}
	a.Scheduler = scheduler.New(store, up, schedCfg)

	a.interval = trigger.NewInterval(a.Scheduler, cfg.Scheduler.Interval, logger)
	a.Scheduler.AddListener(a.interval)
	a.Hook = trigger.NewBackgroundHook(a.Scheduler, cfg.Scheduler.BackgroundBudget, logger)

	a.Gate.OnRevoke(a.onConsentRevoked)

	chain := validator.NewChain(
		validator.BasicValidator{MaxClockSkew: cfg.Validation.MaxClockSkew},
		validator.SizeValidator{MaxBytes: cfg.Validation.MaxPayloadBytes},
	)
	a.Capture = service.NewCaptureService(store, a.Gate, chain, logger)

	opts := []handlers.Option{
		handlers.WithBackground(a.Hook),
		handlers.WithMaxBodyBytes(cfg.Control.MaxBodyBytes),
	}
	if a.broker != nil {
		opts = append(opts, handlers.WithBroker(a.broker))
	}
	h := handlers.NewControlHandler(a.Capture, a.Scheduler, store, logger, opts...)
	a.server = &http.Server{
		Handler:      server.NewRouter(h),
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}
	return a, nil
}

func (a *Agent) consentSource(ctx context.Context) (consent.Source, error) {
	switch a.cfg.Consent.Source {
	case "redis":
		src, err := consent.NewRedisSourceFromURL(ctx, a.cfg.Consent.RedisURL, a.cfg.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("consent redis source: %w", err)
		}
		a.closers = append(a.closers, src.Close)
		return src, nil
	default:
		return consent.FileSource{Path: a.cfg.Consent.FilePath}, nil
	}
}

func (a *Agent) tokenProvider() uploader.TokenProvider {
	switch {
	case a.cfg.Auth.Token != "":
		return authtoken.Static(a.cfg.Auth.Token)
	case a.cfg.Auth.TokenFile != "":
		return authtoken.NewFile(a.cfg.Auth.TokenFile)
	}
	a.logger.Warn("no auth token configured, uploads will wait for one")
	return authtoken.Static("")
}

func (a *Agent) probe() scheduler.Prober {
	if !a.cfg.Reachability.Enabled {
		return nil
	}
	addr := a.cfg.Reachability.Address
	if addr == "" {
		derived, err := reachability.AddressFromURL(a.cfg.Uploader.URL)
		if err != nil {
			a.logger.Warn("reachability probe disabled", logging.Error(err))
			return nil
		}
		addr = derived
	}
	return reachability.NewTCPProbe(addr, a.cfg.Reachability.Timeout, a.logger)
}

func (a *Agent) connectNATS(ctx context.Context) (*natsclient.JetStreamClient, *deadletter.Mirror) {
	ncfg := natsclient.DefaultConfig()
	ncfg.URL = a.cfg.NATS.URL
	ncfg.Name = "telhawk-edge-" + a.cfg.DeviceID
	ncfg.Logger = a.logger

	js, err := natsclient.NewJetStreamClient(ncfg)
	if err != nil {
		a.logger.Warn("NATS unavailable, continuing without state bus", logging.Error(err))
		return nil, nil
	}
	a.broker = js
	a.closers = append(a.closers, js.Drain)

	mirror, err := deadletter.NewMirror(ctx, js, a.cfg.NATS.DeadLetterStream, a.cfg.DeviceID, a.logger)
	if err != nil {
		a.logger.Warn("dead-letter mirror disabled", logging.Error(err))
		return js, nil
	}
	return js, mirror
}

// onConsentRevoked pauses uploads once no scope remains granted. Queued
// events are kept; resuming is an explicit control action.
func (a *Agent) onConsentRevoked(revoked []string, snapshot *models.ConsentSnapshot) {
	if snapshot.AnyGranted(time.Now()) {
		return
	}
	a.logger.Info("all consent scopes revoked, pausing uploads", slog.Any("scopes", revoked))
	a.Scheduler.Pause()
}

// Listen binds the control API. Run calls it when it has not been called.
func (a *Agent) Listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Control.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Control.Listen, err)
	}
	a.listener = ln
	return nil
}

// Addr returns the bound control API address, or "" before Listen.
func (a *Agent) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Run serves the control API and drives the triggers until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()

	a.logger.Info("edge agent running",
		slog.String("control", ln.Addr().String()),
		slog.String("uploader", a.cfg.Uploader.URL),
		slog.Int64("pending", a.Store.PendingCount()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.refresher.Run(gctx) })
	g.Go(func() error { return a.interval.Run(gctx) })
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	// Drain anything left over from a previous run.
	a.Scheduler.ScheduleUpload()

	err := g.Wait()
	a.logger.Info("edge agent stopping")
	return err
}

// Close stops the scheduler and releases every resource. Safe to call
// after a failed New.
func (a *Agent) Close() error {
	var errs []error
	if a.Scheduler != nil {
		errs = append(errs, a.Scheduler.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
