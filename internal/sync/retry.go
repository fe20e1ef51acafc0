package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

// RetryWorker drains due pending-sync entries through the engine.
type RetryWorker struct {
	engine    *Engine
	interval  time.Duration
	batchSize int
	log       *zap.Logger
}

func NewRetryWorker(cfg config.RetryConfig, engine *Engine) *RetryWorker {
	w := &RetryWorker{
		engine:    engine,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		log:       logger.Named("retry"),
	}
	if w.interval <= 0 {
		w.interval = 30 * time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 50
	}
	return w
}

func (w *RetryWorker) String() string { return "pending-retry-worker" }

// Serve drains the queue every interval until ctx is cancelled.
func (w *RetryWorker) Serve(ctx context.Context) error {
	w.log.Info("Starting retry worker", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
				w.log.Error("Retry drain failed", zap.Error(err))
			}
		case <-ctx.Done():
			w.log.Info("Stopped retry worker")
			return ctx.Err()
		}
	}
}

// Drain processes one batch of due entries. Nothing is attempted while the
// external API is cooling down.
func (w *RetryWorker) Drain(ctx context.Context) (RetryResult, error) {
	var res RetryResult
	guard := w.engine.Guard()
	if guard.IsLimited() {
		w.log.Debug("Rate limited, skipping retry drain", zap.Int("remaining_seconds", guard.RemainingSeconds()))
		return res, nil
	}

	queue := w.engine.Queue()
	due, err := queue.Due(ctx, w.batchSize)
	if err != nil {
		return res, err
	}
	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok, err := w.process(ctx, entry)
		if err != nil {
			return res, err
		}
		if ok {
			res.Retried++
		} else {
			res.Failed++
		}
		if guard.IsLimited() {
			break
		}
	}
	if len(due) > 0 {
		w.log.Info("Retry drain finished", zap.Int("retried", res.Retried), zap.Int("failed", res.Failed))
	}
	if _, err := queue.Counts(ctx); err != nil {
		w.log.Debug("Failed to refresh pending gauges", zap.Error(err))
	}
	return res, nil
}

// process retries one entry and moves it through the state machine. The
// error is only set when the queue itself could not be updated.
func (w *RetryWorker) process(ctx context.Context, entry *store.PendingSyncEntry) (bool, error) {
	queue := w.engine.Queue()
	cause := w.engine.retryEntry(ctx, entry)

	switch {
	case cause == nil:
		return true, queue.Resolve(ctx, entry)
	case syncerr.IsRateLimited(cause):
		until := w.engine.Guard().CooldownUntil()
		if d, ok := syncerr.RetryAfter(cause); ok {
			if hinted := w.engine.timestamp().Add(d); hinted.After(until) {
				until = hinted
			}
		}
		return false, queue.MarkRateLimited(ctx, entry, until, cause)
	default:
		w.log.Info("Retry failed",
			zap.String("id", entry.ID),
			zap.String("action", string(entry.Action)),
			zap.String("entity_id", entry.EntityID),
			zap.Int("attempt", entry.Attempts+1),
			zap.Error(cause),
		)
		return false, queue.MarkFailed(ctx, entry, cause)
	}
}

// RetryPending retries the given entries now, whatever their schedule.
// Dead-lettered entries get a fresh set of attempts first; resolved and
// unknown ids count as failed.
func (w *RetryWorker) RetryPending(ctx context.Context, ids []string) (RetryResult, error) {
	var res RetryResult
	queue := w.engine.Queue()
	for _, id := range ids {
		entry, err := queue.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && entry.Status == store.PendingResolved) {
			res.Failed++
			continue
		}
		if err != nil {
			return res, err
		}
		if entry.Status == store.PendingDeadLetter {
			if entry, err = queue.ResetAttempts(ctx, id); err != nil {
				return res, err
			}
		}
		ok, err := w.process(ctx, entry)
		if err != nil {
			return res, err
		}
		if ok {
			res.Retried++
		} else {
			res.Failed++
		}
	}
	return res, nil
}
