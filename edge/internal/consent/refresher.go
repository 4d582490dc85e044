package consent

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultRefreshInterval is used when Refresher.Interval is unset.
const DefaultRefreshInterval = 30 * time.Second

// Refresher polls a Source and installs each snapshot on the Gate. A
// failed load keeps the previously installed snapshot.
type Refresher struct {
	source   Source
	gate     *Gate
	interval time.Duration
	logger   *slog.Logger
}

func NewRefresher(source Source, gate *Gate, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{source: source, gate: gate, interval: interval, logger: logger}
}

// RefreshOnce loads one snapshot and installs it.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	snap, err := r.source.Load(ctx)
	if err != nil {
		return err
	}
	if revoked := r.gate.Update(snap); len(revoked) > 0 {
		r.logger.Info("consent scopes revoked",
			slog.Any("scopes", revoked),
			slog.String("version", snap.Version))
	}
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.RefreshOnce(ctx); err != nil && ctx.Err() == nil {
			level := slog.LevelWarn
			if errors.Is(err, ErrNoConsent) {
				level = slog.LevelDebug
			}
			r.logger.Log(ctx, level, "consent refresh failed, keeping last snapshot",
				slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
