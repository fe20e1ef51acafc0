package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/external"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/metrics"
	"pricebook-sync-service/internal/paginate"
	"pricebook-sync-service/internal/pending"
	"pricebook-sync-service/internal/ratelimit"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

// Engine moves pricebook entities between the external system and MASTER.
type Engine struct {
	store       store.Store
	provider    external.Provider
	queue       *pending.Queue
	guard       *ratelimit.Guard
	tenantID    string
	pageSize    int
	maxPages    int
	pushTimeout time.Duration
	now         func() time.Time
	log         *zap.Logger
	detached    sync.WaitGroup
}

type EngineOption func(*Engine)

// WithEngineClock replaces time.Now, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg *config.Config, st store.Store, provider external.Provider, queue *pending.Queue, guard *ratelimit.Guard, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       st,
		provider:    provider,
		queue:       queue,
		guard:       guard,
		tenantID:    cfg.Tenant.ID,
		pageSize:    cfg.Sync.PageSize,
		maxPages:    cfg.Sync.MaxPages,
		pushTimeout: cfg.Sync.PushTimeout,
		now:         time.Now,
		log:         logger.Named("engine"),
	}
	if e.pushTimeout <= 0 {
		e.pushTimeout = 15 * time.Second
	}
	if e.guard == nil {
		e.guard = ratelimit.NewGuard(ratelimit.WithTenant(e.tenantID))
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) TenantID() string            { return e.tenantID }
func (e *Engine) Guard() *ratelimit.Guard     { return e.guard }
func (e *Engine) Queue() *pending.Queue       { return e.queue }
func (e *Engine) Store() store.Store          { return e.store }
func (e *Engine) Provider() external.Provider { return e.provider }

func (e *Engine) timestamp() time.Time { return e.now().UTC() }

func (e *Engine) requireTenant(op string) error {
	if e.tenantID == "" {
		return syncerr.Configuration(op, errors.New("tenant.id is not configured"))
	}
	return nil
}

// Wait blocks until detached pushes have finished.
func (e *Engine) Wait() {
	e.detached.Wait()
}

// ---- pull ----

// Pull streams every external entity of the job's type into MASTER, page by
// page. Per-entity failures are queued and counted; an enumeration failure
// stops the run with the pages merged so far kept.
func (e *Engine) Pull(ctx context.Context, job *store.SyncJob, force bool) (PullStats, error) {
	var stats PullStats
	if err := e.requireTenant("pull"); err != nil {
		return stats, err
	}
	if !e.provider.Supports(external.CapList) {
		return stats, syncerr.Configuration("pull", fmt.Errorf("provider %s cannot list entities", e.provider.Name()))
	}

	log := e.log.With(
		zap.String("job_id", job.ID),
		zap.String("entity_type", string(job.EntityType)),
		zap.String("scope", string(job.Scope)),
	)

	var since *time.Time
	if job.Scope == store.ScopeIncremental {
		last, err := e.store.LastSucceededJob(ctx, e.tenantID, job.EntityType)
		switch {
		case err == nil && last.StartedAt != nil:
			since = last.StartedAt
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return stats, fmt.Errorf("find last successful sync: %w", err)
		default:
			log.Info("No previous successful sync, running full pull")
		}
	}

	fetch := func(ctx context.Context, page, pageSize int) (paginate.Page[external.Snapshot], error) {
		return e.provider.List(ctx, external.ListRequest{
			EntityType:    job.EntityType,
			Page:          page,
			PageSize:      pageSize,
			ModifiedSince: since,
		})
	}
	opts := paginate.Options{PageSize: e.pageSize, MaxPages: e.maxPages, Name: string(job.EntityType)}

	for batch, err := range paginate.Stream(ctx, fetch, opts) {
		if err != nil {
			log.Warn("Listing failed, stopping pull", zap.Int("page", batch.Progress.Page), zap.Error(err))
			return stats, err
		}
		for _, snap := range batch.Items {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Processed++
			action, err := e.mergeSnapshot(ctx, snap, force)
			if err != nil {
				stats.Failed++
				e.recordPullFailure(ctx, snap.EntityType, snap.ExternalID, err)
				continue
			}
			switch action {
			case mergeCreated:
				stats.Created++
			case mergeUpdated:
				stats.Updated++
			default:
				stats.Unchanged++
			}
			_ = e.queue.ResolveFor(ctx, snap.EntityType, snap.ExternalID, store.ActionPull)
		}
		if batch.Progress.Truncated {
			stats.Truncated = true
			continue
		}
		stats.Pages = batch.Progress.Page
		stats.Incomplete = batch.Progress.Incomplete

		job.Processed, job.Failed, job.Pages = stats.Processed, stats.Failed, stats.Pages
		seen := e.timestamp()
		job.HeartbeatAt = &seen
		if err := e.store.UpdateJob(ctx, job); err != nil {
			log.Warn("Failed to save job progress", zap.Error(err))
		}
	}

	log.Info("Pull finished",
		zap.Int("processed", stats.Processed),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("failed", stats.Failed),
		zap.Int("pages", stats.Pages),
		zap.Bool("truncated", stats.Truncated),
		zap.Bool("incomplete", stats.Incomplete),
	)
	return stats, nil
}

func (e *Engine) recordPullFailure(ctx context.Context, entityType store.EntityType, externalID string, cause error) {
	metrics.SyncEntities.WithLabelValues(string(entityType), string(store.ActionPull), "failed").Inc()
	if externalID == "" {
		e.log.Warn("Dropping external entity without id", zap.String("entity_type", string(entityType)), zap.Error(cause))
		return
	}
	if _, err := e.queue.RecordFailure(ctx, entityType, externalID, store.ActionPull, cause); err != nil {
		e.log.Error("Failed to record pending pull",
			zap.String("entity_type", string(entityType)),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
	}
}

// PullOne fetches and merges one entity synchronously. entityID may be a
// MASTER id or an external id.
func (e *Engine) PullOne(ctx context.Context, entityType store.EntityType, entityID string, force bool) (*store.MasterRecord, error) {
	externalID, err := e.resolveExternalID(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return e.pullResolved(ctx, entityType, externalID, force)
}

// pullResolved is PullOne for an already resolved external id.
func (e *Engine) pullResolved(ctx context.Context, entityType store.EntityType, externalID string, force bool) (*store.MasterRecord, error) {
	rec, err := e.pullExternal(ctx, entityType, externalID, force)
	if err != nil {
		if queueable(err) {
			e.recordPullFailure(ctx, entityType, externalID, err)
		}
		return nil, err
	}
	if err := e.queue.ResolveFor(ctx, entityType, externalID, store.ActionPull); err != nil {
		e.log.Warn("Failed to resolve pending pull", zap.String("external_id", externalID), zap.Error(err))
	}
	return rec, nil
}

func (e *Engine) resolveExternalID(ctx context.Context, entityType store.EntityType, entityID string) (string, error) {
	if err := e.requireTenant("pull"); err != nil {
		return "", err
	}
	rec, err := e.store.GetMaster(ctx, e.tenantID, entityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return entityID, nil
	case err != nil:
		return "", err
	case rec.EntityType != entityType:
		return "", syncerr.Validation("pull", fmt.Errorf("entity %s is a %s, not a %s", entityID, rec.EntityType, entityType))
	case rec.ExternalID == nil:
		return "", syncerr.Validation("pull", fmt.Errorf("entity %s has never been pushed", entityID))
	default:
		return *rec.ExternalID, nil
	}
}

// pullExternal fetches and merges without touching the pending queue.
func (e *Engine) pullExternal(ctx context.Context, entityType store.EntityType, externalID string, force bool) (*store.MasterRecord, error) {
	if err := e.requireTenant("pull"); err != nil {
		return nil, err
	}
	if !e.provider.Supports(external.CapGet) {
		return nil, syncerr.NotSupported("pull", fmt.Errorf("provider %s cannot fetch entities", e.provider.Name()))
	}
	snap, err := e.provider.Get(ctx, entityType, externalID)
	if err != nil {
		return nil, err
	}
	if _, err := e.mergeSnapshot(ctx, *snap, force); err != nil {
		return nil, err
	}
	return e.store.GetMasterByExternalID(ctx, e.tenantID, entityType, snap.ExternalID)
}

// queueable reports failures worth a later retry.
func queueable(err error) bool {
	switch syncerr.KindOf(err) {
	case syncerr.KindTransient, syncerr.KindRateLimited, syncerr.KindValidation, syncerr.KindConflict:
		return true
	}
	return false
}

// mergeSnapshot applies one snapshot to MASTER. A version conflict re-reads
// the record once before giving up.
func (e *Engine) mergeSnapshot(ctx context.Context, snap external.Snapshot, force bool) (mergeAction, error) {
	if snap.ExternalID == "" {
		return "", syncerr.Validation("merge", errors.New("external entity has no id"))
	}
	if snap.Payload == nil {
		return "", syncerr.Validation("merge", fmt.Errorf("external entity %s has no payload", snap.ExternalID))
	}

	action, err := e.mergeOnce(ctx, snap, force)
	if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrDuplicate) {
		action, err = e.mergeOnce(ctx, snap, force)
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return "", syncerr.Conflict("merge", fmt.Errorf("%s %s changed concurrently: %w", snap.EntityType, snap.ExternalID, err))
	}
	if err != nil {
		return "", err
	}
	metrics.SyncEntities.WithLabelValues(string(snap.EntityType), string(store.ActionPull), string(action)).Inc()
	return action, nil
}

func (e *Engine) mergeOnce(ctx context.Context, snap external.Snapshot, force bool) (mergeAction, error) {
	existing, err := e.store.GetMasterByExternalID(ctx, e.tenantID, snap.EntityType, snap.ExternalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if existing != nil && existing.Deleted() {
		return mergeSkipped, nil
	}

	parentID, err := e.resolveParent(ctx, snap)
	if err != nil {
		return "", err
	}
	plan := planMerge(existing, snap.Payload, parentID, force)
	now := e.timestamp()

	if existing == nil {
		externalID := snap.ExternalID
		rec := &store.MasterRecord{
			ID:         uuid.NewString(),
			TenantID:   e.tenantID,
			EntityType: snap.EntityType,
			ExternalID: &externalID,
			Visible:    true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		plan.apply(rec)
		if err := e.store.CreateMaster(ctx, rec); err != nil {
			return "", err
		}
		return mergeCreated, nil
	}

	if plan.unchanged(existing) {
		return mergeUnchanged, nil
	}

	plan.apply(existing)
	existing.UpdatedAt = now
	if len(plan.cleared) > 0 {
		err = e.store.RemoveOverrides(ctx, existing, plan.cleared)
	} else {
		err = e.store.UpdateMaster(ctx, existing)
	}
	if err != nil {
		return "", err
	}
	return mergeUpdated, nil
}

// resolveParent maps the snapshot's external parent reference to a MASTER
// category id. Unknown or absent references resolve to nil, which keeps the
// current parent.
func (e *Engine) resolveParent(ctx context.Context, snap external.Snapshot) (*string, error) {
	ref := external.IDString(snap.Payload[parentKey(snap.EntityType)])
	if ref == "" {
		return nil, nil
	}
	parent, err := e.store.GetMasterByExternalID(ctx, e.tenantID, store.EntityCategory, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &parent.ID, nil
}

// ---- push ----

// Push sends one MASTER record to the external system. Failures worth a
// retry are queued; in bulk mode they are not returned.
func (e *Engine) Push(ctx context.Context, entityID string, mode PushMode) (*store.MasterRecord, error) {
	rec, err := e.pushEntity(ctx, entityID)
	if err == nil {
		if err := e.queue.ResolveFor(ctx, rec.EntityType, rec.ID, store.ActionPush); err != nil {
			e.log.Warn("Failed to resolve pending push", zap.String("entity_id", rec.ID), zap.Error(err))
		}
		return rec, nil
	}
	if rec == nil || !queueable(err) {
		return rec, err
	}

	metrics.SyncEntities.WithLabelValues(string(rec.EntityType), string(store.ActionPush), "failed").Inc()
	if _, qerr := e.queue.RecordFailure(ctx, rec.EntityType, rec.ID, store.ActionPush, err); qerr != nil {
		e.log.Error("Failed to record pending push", zap.String("entity_id", rec.ID), zap.Error(qerr))
	}
	if mode == PushBulk {
		e.log.Info("Push failed, queued for retry", zap.String("entity_id", rec.ID), zap.Error(err))
		return rec, nil
	}
	return rec, err
}

// PushDirect pushes and waits up to the push timeout. When the push outlives
// it, ErrStillProcessing is returned and the push completes in the
// background, recording its own outcome.
func (e *Engine) PushDirect(ctx context.Context, entityID string) (*store.MasterRecord, error) {
	type result struct {
		rec *store.MasterRecord
		err error
	}
	done := make(chan result, 1)

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*e.pushTimeout)
	e.detached.Add(1)
	go func() {
		defer e.detached.Done()
		defer cancel()
		rec, err := e.Push(pushCtx, entityID, PushDirect)
		done <- result{rec, err}
	}()

	timer := time.NewTimer(e.pushTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.rec, r.err
	case <-timer.C:
		e.log.Info("Push still running, continuing in background", zap.String("entity_id", entityID))
		return nil, syncerr.ErrStillProcessing
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pushEntity performs the push without touching the pending queue. The
// record is returned whenever it could be loaded.
func (e *Engine) pushEntity(ctx context.Context, entityID string) (*store.MasterRecord, error) {
	if err := e.requireTenant("push"); err != nil {
		return nil, err
	}
	rec, err := e.store.GetMaster(ctx, e.tenantID, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, syncerr.NotFound("push", fmt.Errorf("entity %s", entityID))
	}
	if err != nil {
		return nil, err
	}
	if rec.Deleted() {
		return rec, syncerr.NotFound("push", fmt.Errorf("entity %s is deleted", entityID))
	}
	if !e.provider.Supports(external.CapUpsert) {
		return rec, syncerr.NotSupported("push", fmt.Errorf("provider %s cannot write entities", e.provider.Name()))
	}

	payload := pushPayload(rec)
	if err := e.addParentRef(ctx, rec, payload); err != nil {
		return rec, err
	}

	current := ""
	if rec.ExternalID != nil {
		current = *rec.ExternalID
	}
	externalID, err := e.provider.Upsert(ctx, rec.EntityType, current, payload)
	if err != nil {
		return rec, err
	}

	rec.ExternalID = &externalID
	rec.PushPending = false
	if rec.Source == store.SourceLocal {
		rec.Source = store.SourceMerged
	}
	rec.UpdatedAt = e.timestamp()
	err = e.store.UpdateMaster(ctx, rec)
	if errors.Is(err, store.ErrVersionConflict) {
		e.keepExternalID(ctx, rec.ID, externalID)
		return rec, syncerr.Conflict("push", fmt.Errorf("entity %s changed during push", rec.ID))
	}
	if err != nil {
		return rec, err
	}

	metrics.SyncEntities.WithLabelValues(string(rec.EntityType), string(store.ActionPush), "ok").Inc()
	e.log.Debug("Pushed entity", zap.String("entity_id", rec.ID), zap.String("external_id", externalID))
	return rec, nil
}

// keepExternalID stores a freshly created external id on a record that
// changed while it was being pushed, so the retry updates instead of
// creating a second copy.
func (e *Engine) keepExternalID(ctx context.Context, id, externalID string) {
	fresh, err := e.store.GetMaster(ctx, e.tenantID, id)
	if err != nil || fresh.ExternalID != nil {
		return
	}
	fresh.ExternalID = &externalID
	fresh.UpdatedAt = e.timestamp()
	if err := e.store.UpdateMaster(ctx, fresh); err != nil {
		e.log.Warn("Failed to keep external id after conflict", zap.String("entity_id", id), zap.Error(err))
	}
}

func (e *Engine) addParentRef(ctx context.Context, rec *store.MasterRecord, payload map[string]any) error {
	if rec.ParentID == nil {
		return nil
	}
	parent, err := e.store.GetMaster(ctx, e.tenantID, *rec.ParentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if parent.ExternalID != nil {
		payload[parentKey(rec.EntityType)] = *parent.ExternalID
	}
	return nil
}

// ---- retry ----

// retryEntry re-runs the operation behind a queue entry.
func (e *Engine) retryEntry(ctx context.Context, entry *store.PendingSyncEntry) error {
	switch entry.Action {
	case store.ActionPull:
		_, err := e.pullExternal(ctx, entry.EntityType, entry.EntityID, false)
		return err
	case store.ActionPush:
		_, err := e.pushEntity(ctx, entry.EntityID)
		return err
	default:
		return syncerr.Validation("retry", fmt.Errorf("unknown action %q", entry.Action))
	}
}
