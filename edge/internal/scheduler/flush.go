package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/telhawk-systems/telhawk-edge/common/logging"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/backoff"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/metrics"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/models"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/uploader"
)

// flushOutcome carries scheduler bookkeeping alongside the public result.
type flushOutcome struct {
	models.UploadResult
	lastError    string
	backoffUntil time.Time
}

func (s *Scheduler) drain(ctx context.Context, opts FlushOptions) flushOutcome {
	start := s.now()
	ctx = logging.WithFlushID(ctx, uuid.NewString())
	log := logging.FromContext(ctx, s.logger)

	var out flushOutcome
	defer func() {
		out.Duration = s.now().Sub(start)
		log.InfoContext(ctx, "flush finished",
			slog.Int("success", out.SuccessCount),
			slog.Int("failed", out.FailedCount),
			slog.Int("batches", out.Batches),
			slog.Bool("expired", out.Expired),
			slog.Bool("cancelled", out.Cancelled),
			logging.Duration(out.Duration))
	}()

	for {
		switch {
		case ctx.Err() != nil:
			out.Cancelled = true
			return out
		case isClosed(opts.Expired):
			out.Expired = true
			return out
		case s.isPaused():
			out.Cancelled = true
			return out
		}

		batch, err := s.store.GetPendingEvents(ctx, s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				out.Cancelled = true
				return out
			}
			out.Errors = append(out.Errors, err.Error())
			out.lastError = err.Error()
			log.ErrorContext(ctx, "read pending batch", logging.Error(err))
			return out
		}
		if len(batch) == 0 {
			return out
		}

		ids := models.EventIDs(batch)
		if err := s.store.MarkUploading(ctx, ids); err != nil {
			if ctx.Err() != nil {
				out.Cancelled = true
				return out
			}
			out.Errors = append(out.Errors, err.Error())
			out.lastError = err.Error()
			log.ErrorContext(ctx, "mark batch uploading", logging.Error(err))
			return out
		}
		out.Batches++
		metrics.FlushBatches.Inc()

		// Neither the request nor the bookkeeping for its batch is
		// cancelled; cancellation is honoured between batches.
		inFlight := context.WithoutCancel(ctx)
		err = s.uploader.Upload(inFlight, batch)
		if err == nil {
			if err := s.store.MarkBatchProcessed(inFlight, ids); err != nil {
				out.Errors = append(out.Errors, err.Error())
				out.lastError = err.Error()
				log.ErrorContext(ctx, "mark batch processed", logging.Error(err))
				return out
			}
			out.SuccessCount += len(batch)

			if s.store.PendingCount() > 0 {
				sleep(ctx, opts.Expired, s.interBatchDelay)
			}
			continue
		}

		s.handleFailure(inFlight, batch, err, &out)
		return out
	}
}

func (s *Scheduler) handleFailure(ctx context.Context, batch []*models.QueuedEvent, err error, out *flushOutcome) {
	log := logging.FromContext(ctx, s.logger)
	ids := models.EventIDs(batch)
	out.FailedCount += len(batch)
	out.Errors = append(out.Errors, err.Error())
	out.lastError = err.Error()

	ue, ok := uploader.AsUploadError(err)
	if !ok {
		ue = &uploader.UploadError{Kind: uploader.KindNetwork, Message: err.Error(), Err: err}
	}

	switch ue.Kind {
	case uploader.KindAuth:
		log.WarnContext(ctx, "upload unauthorized, releasing batch", logging.Count(len(batch)))
		s.release(ctx, ids)
		return
	case uploader.KindRateLimit:
		wait := ue.RetryAfter
		if wait <= 0 {
			wait = s.retryAfter
		}
		until := s.now().Add(wait)
		out.RateLimitedUntil = &until
		log.WarnContext(ctx, "upload rate limited",
			slog.Time("until", until),
			logging.Count(len(batch)))
		s.release(ctx, ids)
		return
	}

	var maxDelay time.Duration
	for _, event := range batch {
		decision := s.policy.Decide(event.RetryCount+1, err)
		switch decision.Action {
		case backoff.DeadLetter:
			reason := "retries_exhausted"
			if ue.Kind == uploader.KindPermanent {
				reason = "permanent"
			}
			if dlErr := s.store.MarkDeadLetter(ctx, event.ID, err); dlErr != nil {
				log.ErrorContext(ctx, "mark dead letter", logging.EventID(event.ID), logging.Error(dlErr))
				continue
			}
			s.deadLettered(ctx, event, err, reason)
		case backoff.Retry:
			state, rErr := s.store.RecordRetryFailure(ctx, event.ID, err)
			if rErr != nil {
				log.ErrorContext(ctx, "record retry failure", logging.EventID(event.ID), logging.Error(rErr))
				continue
			}
			if state == models.StateDeadLetter {
				s.deadLettered(ctx, event, err, "retries_exhausted")
				continue
			}
			if decision.Delay > maxDelay {
				maxDelay = decision.Delay
			}
		default:
			if rErr := s.store.ReleaseBatch(ctx, []string{event.ID}); rErr != nil {
				log.ErrorContext(ctx, "release event", logging.EventID(event.ID), logging.Error(rErr))
			}
		}
	}

	if maxDelay > 0 {
		out.backoffUntil = s.now().Add(maxDelay)
	}
	log.WarnContext(ctx, "batch upload failed",
		slog.String("kind", string(ue.Kind)),
		logging.Count(len(batch)),
		logging.Duration(maxDelay))
}

func (s *Scheduler) release(ctx context.Context, ids []string) {
	if err := s.store.ReleaseBatch(ctx, ids); err != nil {
		logging.FromContext(ctx, s.logger).ErrorContext(ctx, "release batch", logging.Error(err))
	}
}

func (s *Scheduler) deadLettered(ctx context.Context, event *models.QueuedEvent, cause error, reason string) {
	metrics.DeadLettersTotal.WithLabelValues(reason).Inc()
	if s.sink == nil {
		return
	}
	dead := *event
	dead.State = models.StateDeadLetter
	dead.RetryCount = event.RetryCount + 1
	dead.LastError = cause.Error()
	s.sink.DeadLettered(ctx, &dead, cause)
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// sleep waits d unless ctx is done or expired is closed first.
func sleep(ctx context.Context, expired <-chan struct{}, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-expired:
	case <-t.C:
	}
}
