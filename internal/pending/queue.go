// Package pending keeps per-entity sync failures and decides when they are
// retried.
//
// An entry moves pending -> retrying -> resolved, or to dead-letter once its
// attempts reach the configured maximum. Dead-lettered entries stay until an
// operator resets them; nothing is ever deleted.
package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/metrics"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxBackoff  = time.Hour
	maxErrorLength     = 2000
)

type Queue struct {
	store       store.Store
	tenantID    string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
	log         *zap.Logger
}

type Option func(*Queue)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func NewQueue(st store.Store, tenantID string, cfg config.RetryConfig, opts ...Option) *Queue {
	q := &Queue{
		store:       st,
		tenantID:    tenantID,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		now:         time.Now,
		log:         logger.Named("pending"),
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.baseBackoff <= 0 {
		q.baseBackoff = DefaultBaseBackoff
	}
	if q.maxBackoff <= 0 {
		q.maxBackoff = DefaultMaxBackoff
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Backoff is the delay after the given number of failed attempts: base
// doubling per attempt, capped.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.maxBackoff {
			return q.maxBackoff
		}
	}
	if d > q.maxBackoff {
		return q.maxBackoff
	}
	return d
}

// nextRetry schedules after the backoff, or after a rate-limit cooldown when
// that ends later.
func (q *Queue) nextRetry(now time.Time, attempts int, cause error) time.Time {
	next := now.Add(q.Backoff(attempts))
	if wait, ok := syncerr.RetryAfter(cause); ok {
		if until := now.Add(wait); until.After(next) {
			next = until
		}
	}
	return next
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return msg
}

// RecordFailure files a failed sync of one entity. An unresolved entry for the
// same entity and action only has its error refreshed. Two concurrent callers
// converge on one entry: the loser of the insert refreshes the winner's.
func (q *Queue) RecordFailure(ctx context.Context, entityType store.EntityType, entityID string, action store.SyncAction, cause error) (*store.PendingSyncEntry, error) {
	now := q.now().UTC()

	existing, err := q.store.FindOpenPending(ctx, q.tenantID, entityType, entityID, action)
	switch {
	case err == nil:
		return q.refresh(ctx, existing, now, cause)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	entry := &store.PendingSyncEntry{
		ID:          uuid.NewString(),
		TenantID:    q.tenantID,
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		Attempts:    1,
		LastError:   errorText(cause),
		NextRetryAt: q.nextRetry(now, 1, cause),
		Status:      store.PendingOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if entry.Attempts >= q.maxAttempts {
		entry.Status = store.PendingDeadLetter
	}
	err = q.store.CreatePending(ctx, entry)
	if errors.Is(err, store.ErrDuplicate) {
		existing, err = q.store.FindOpenPending(ctx, q.tenantID, entityType, entityID, action)
		if err != nil {
			return nil, fmt.Errorf("reload open pending entry: %w", err)
		}
		return q.refresh(ctx, existing, now, cause)
	}
	if err != nil {
		return nil, err
	}

	q.log.Info("Recorded pending sync",
		zap.String("entity_type", string(entityType)),
		zap.String("entity_id", entityID),
		zap.String("action", string(action)),
		zap.String("status", string(entry.Status)),
		zap.Error(cause),
	)
	return entry, nil
}

func (q *Queue) refresh(ctx context.Context, e *store.PendingSyncEntry, now time.Time, cause error) (*store.PendingSyncEntry, error) {
	e.LastError = errorText(cause)
	e.UpdatedAt = now
	if err := q.store.UpdatePending(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkFailed consumes one attempt. Reaching the maximum dead-letters the entry.
func (q *Queue) MarkFailed(ctx context.Context, e *store.PendingSyncEntry, cause error) error {
	now := q.now().UTC()
	e.Attempts++
	e.LastError = errorText(cause)
	e.UpdatedAt = now
	if e.Attempts >= q.maxAttempts {
		e.Status = store.PendingDeadLetter
		q.log.Warn("Pending sync dead-lettered",
			zap.String("id", e.ID),
			zap.String("entity_type", string(e.EntityType)),
			zap.String("entity_id", e.EntityID),
			zap.Int("attempts", e.Attempts),
			zap.Error(cause),
		)
	} else {
		e.Status = store.PendingRetrying
		e.NextRetryAt = q.nextRetry(now, e.Attempts, cause)
	}
	return q.store.UpdatePending(ctx, e)
}

// MarkRateLimited postpones the entry to the end of the cooldown without
// spending an attempt.
func (q *Queue) MarkRateLimited(ctx context.Context, e *store.PendingSyncEntry, until time.Time, cause error) error {
	now := q.now().UTC()
	if until.After(e.NextRetryAt) {
		e.NextRetryAt = until
	}
	if cause != nil {
		e.LastError = errorText(cause)
	}
	e.UpdatedAt = now
	return q.store.UpdatePending(ctx, e)
}

func (q *Queue) Resolve(ctx context.Context, e *store.PendingSyncEntry) error {
	now := q.now().UTC()
	e.Status = store.PendingResolved
	e.ResolvedAt = &now
	e.UpdatedAt = now
	return q.store.UpdatePending(ctx, e)
}

// ResolveFor resolves the unresolved entry of an entity, if any, after it
// synced successfully by another path.
func (q *Queue) ResolveFor(ctx context.Context, entityType store.EntityType, entityID string, action store.SyncAction) error {
	e, err := q.store.FindOpenPending(ctx, q.tenantID, entityType, entityID, action)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return q.Resolve(ctx, e)
}

// ResetAttempts gives an entry, typically dead-lettered, a fresh set of
// attempts due immediately.
func (q *Queue) ResetAttempts(ctx context.Context, id string) (*store.PendingSyncEntry, error) {
	e, err := q.store.GetPending(ctx, q.tenantID, id)
	if err != nil {
		return nil, err
	}
	if e.Status == store.PendingResolved {
		return e, nil
	}
	now := q.now().UTC()
	e.Attempts = 0
	e.Status = store.PendingOpen
	e.NextRetryAt = now
	e.UpdatedAt = now
	if err := q.store.UpdatePending(ctx, e); err != nil {
		return nil, err
	}
	q.log.Info("Pending sync attempts reset", zap.String("id", e.ID), zap.String("entity_id", e.EntityID))
	return e, nil
}

func (q *Queue) Due(ctx context.Context, limit int) ([]*store.PendingSyncEntry, error) {
	return q.store.ListDuePending(ctx, q.tenantID, q.now().UTC(), limit)
}

func (q *Queue) List(ctx context.Context, filter store.PendingFilter) ([]*store.PendingSyncEntry, error) {
	return q.store.ListPending(ctx, q.tenantID, filter)
}

func (q *Queue) Get(ctx context.Context, id string) (*store.PendingSyncEntry, error) {
	return q.store.GetPending(ctx, q.tenantID, id)
}

// Counts summarises the queue; resolvedToday counts since UTC midnight.
func (q *Queue) Counts(ctx context.Context) (store.PendingCounts, error) {
	now := q.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	counts, err := q.store.CountPending(ctx, q.tenantID, midnight)
	if err != nil {
		return counts, err
	}
	metrics.PendingEntries.WithLabelValues(string(store.PendingOpen)).Set(float64(counts.Pending))
	metrics.PendingEntries.WithLabelValues(string(store.PendingRetrying)).Set(float64(counts.Retrying))
	metrics.PendingEntries.WithLabelValues(string(store.PendingDeadLetter)).Set(float64(counts.DeadLetter))
	return counts, nil
}
