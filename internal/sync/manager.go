package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/metrics"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

// Manager owns sync jobs: it enforces one active bulk job per entity type and
// one single-entity job per target, persists every job before it runs and
// finishes it afterwards. Running jobs carry a heartbeat so recovery can tell
// them from jobs a dead process left behind.
type Manager struct {
	store       store.Store
	engine      *Engine
	pool        *WorkerPool
	tenantID    string
	entityTypes []store.EntityType
	workers     int
	runTimeout  time.Duration
	heartbeat   time.Duration
	staleAfter  time.Duration
	mu          sync.Mutex
	locks       map[string]string
	now         func() time.Time
	log         *zap.Logger
}

func NewManager(cfg *config.Config, engine *Engine) *Manager {
	m := &Manager{
		store:      engine.Store(),
		engine:     engine,
		tenantID:   engine.TenantID(),
		workers:    cfg.Sync.Workers,
		runTimeout: cfg.Sync.RunTimeout,
		heartbeat:  cfg.Sync.Heartbeat,
		staleAfter: cfg.Sync.StaleAfter,
		locks:      make(map[string]string),
		now:        engine.now,
		log:        logger.Named("manager"),
	}
	if m.workers <= 0 {
		m.workers = 1
	}
	if m.heartbeat <= 0 {
		m.heartbeat = 30 * time.Second
	}
	if m.staleAfter <= 0 {
		m.staleAfter = 4 * m.heartbeat
	}
	for _, t := range cfg.Sync.EntityTypes {
		if et := store.EntityType(t); et.Valid() && !slices.Contains(m.entityTypes, et) {
			m.entityTypes = append(m.entityTypes, et)
		}
	}
	if len(m.entityTypes) == 0 {
		m.entityTypes = slices.Clone(store.EntityTypes)
	}
	// categories first so items can resolve their category
	slices.SortStableFunc(m.entityTypes, func(a, b store.EntityType) int {
		return slices.Index(store.EntityTypes, a) - slices.Index(store.EntityTypes, b)
	})
	m.pool = NewWorkerPool(m.workers, cfg.Sync.QueueSize, func(ctx context.Context, job *store.SyncJob) {
		_ = m.execute(ctx, job)
	})
	return m
}

// Pool is the worker pool that runs triggered jobs. It must be served.
func (m *Manager) Pool() *WorkerPool { return m.pool }

func (m *Manager) Engine() *Engine { return m.engine }

func (m *Manager) EntityTypes() []store.EntityType { return slices.Clone(m.entityTypes) }

func validateTrigger(entityType store.EntityType, scope store.JobScope) error {
	if !entityType.Valid() {
		return syncerr.Validation("trigger", fmt.Errorf("unknown entity type %q", entityType))
	}
	if scope != store.ScopeFull && scope != store.ScopeIncremental {
		return syncerr.Validation("trigger", fmt.Errorf("scope %q cannot be triggered", scope))
	}
	return nil
}

// begin takes the job's lock and persists it. ErrJobRunning means a job with
// the same running key is active. target is the external id of a
// single-entity job and empty otherwise.
func (m *Manager) begin(ctx context.Context, entityType store.EntityType, scope store.JobScope, target string, status store.JobStatus) (*store.SyncJob, error) {
	if err := m.engine.requireTenant("trigger"); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	job := &store.SyncJob{
		ID:          uuid.NewString(),
		TenantID:    m.tenantID,
		EntityType:  entityType,
		Scope:       scope,
		TargetID:    target,
		Status:      status,
		CreatedAt:   now,
		HeartbeatAt: &now,
	}
	if status == store.JobRunning {
		job.StartedAt = &now
	}
	key := job.RunningKey()

	m.mu.Lock()
	if holder, ok := m.locks[key]; ok {
		m.mu.Unlock()
		m.skipped(entityType, scope, holder)
		return nil, syncerr.ErrJobRunning
	}
	m.locks[key] = job.ID
	m.mu.Unlock()

	if err := m.store.CreateJob(ctx, job); err != nil {
		m.release(job)
		if errors.Is(err, store.ErrJobActive) {
			m.skipped(entityType, scope, "")
			return nil, syncerr.ErrJobRunning
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

func (m *Manager) skipped(entityType store.EntityType, scope store.JobScope, holder string) {
	metrics.SkippedTriggers.WithLabelValues(string(entityType), string(scope)).Inc()
	m.log.Info("Sync already running, trigger rejected",
		zap.String("entity_type", string(entityType)),
		zap.String("scope", string(scope)),
		zap.String("running_job", holder),
	)
}

func (m *Manager) release(job *store.SyncJob) {
	m.mu.Lock()
	if m.locks[job.RunningKey()] == job.ID {
		delete(m.locks, job.RunningKey())
	}
	m.mu.Unlock()
}

// IsRunning reports whether a bulk job of the scope's class holds the lock.
func (m *Manager) IsRunning(entityType store.EntityType, scope store.JobScope) bool {
	key := (&store.SyncJob{TenantID: m.tenantID, EntityType: entityType, Scope: scope}).RunningKey()
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[key]
	return ok
}

// TriggerSync queues a bulk pull on the worker pool and returns the job.
func (m *Manager) TriggerSync(ctx context.Context, entityType store.EntityType, scope store.JobScope) (*store.SyncJob, error) {
	if err := validateTrigger(entityType, scope); err != nil {
		return nil, err
	}
	job, err := m.begin(ctx, entityType, scope, "", store.JobQueued)
	if err != nil {
		return nil, err
	}
	if err := m.pool.Submit(job); err != nil {
		m.finish(ctx, job, time.Time{}, err)
		return nil, syncerr.Transient("trigger", err)
	}
	m.log.Info("Sync job queued",
		zap.String("job_id", job.ID),
		zap.String("entity_type", string(entityType)),
		zap.String("scope", string(scope)),
	)
	return job, nil
}

// Run executes a bulk pull in the calling goroutine.
func (m *Manager) Run(ctx context.Context, entityType store.EntityType, scope store.JobScope) (*store.SyncJob, error) {
	if err := validateTrigger(entityType, scope); err != nil {
		return nil, err
	}
	job, err := m.begin(ctx, entityType, scope, "", store.JobQueued)
	if err != nil {
		return nil, err
	}
	return job, m.execute(ctx, job)
}

// RunAll pulls every configured entity type: categories first, the rest in
// parallel bounded by the worker count.
func (m *Manager) RunAll(ctx context.Context, scope store.JobScope) ([]*store.SyncJob, error) {
	var (
		mu   sync.Mutex
		jobs []*store.SyncJob
		errs []error
	)
	collect := func(job *store.SyncJob, err error) {
		mu.Lock()
		defer mu.Unlock()
		if job != nil {
			jobs = append(jobs, job)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	rest := m.entityTypes
	if len(rest) > 0 && rest[0] == store.EntityCategory {
		collect(m.Run(ctx, store.EntityCategory, scope))
		rest = rest[1:]
	}

	var g errgroup.Group
	g.SetLimit(m.workers)
	for _, t := range rest {
		g.Go(func() error {
			collect(m.Run(ctx, t, scope))
			return nil
		})
	}
	_ = g.Wait()
	return jobs, errors.Join(errs...)
}

// execute runs a persisted job, finishes it and returns the run error.
func (m *Manager) execute(ctx context.Context, job *store.SyncJob) error {
	started := m.now().UTC()
	job.Status = store.JobRunning
	job.StartedAt = &started
	job.HeartbeatAt = &started
	if err := m.store.UpdateJob(ctx, job); err != nil {
		err = fmt.Errorf("start job: %w", err)
		m.finish(ctx, job, started, err)
		return err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.runTimeout)
	}
	defer cancel()

	stopBeat := m.keepAlive(ctx, job)
	defer stopBeat()

	m.log.Info("Sync job started",
		zap.String("job_id", job.ID),
		zap.String("entity_type", string(job.EntityType)),
		zap.String("scope", string(job.Scope)),
	)
	stats, err := m.engine.Pull(runCtx, job, false)
	stopBeat()
	job.Processed, job.Failed = stats.Processed, stats.Failed
	if stats.Pages > 0 {
		job.Pages = stats.Pages
	}
	if errors.Is(err, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("run timeout of %s exceeded: %w", m.runTimeout, err)
	}
	if err == nil {
		job.Partial, job.ErrorSummary = partialNote(stats, m.engine.maxPages)
	}
	m.finish(ctx, job, started, err)
	return err
}

// partialNote describes a run that ended without seeing the whole listing.
func partialNote(stats PullStats, maxPages int) (bool, string) {
	switch {
	case stats.Truncated:
		return true, fmt.Sprintf("listing truncated by a malformed page after page %d", stats.Pages)
	case stats.Incomplete:
		return true, fmt.Sprintf("page limit of %d reached with more entities pending", maxPages)
	}
	return false, ""
}

// keepAlive stamps the job's heartbeat until the returned stop is called.
// stop may be called more than once.
func (m *Manager) keepAlive(ctx context.Context, job *store.SyncJob) (stop func()) {
	beatCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				if err := m.store.TouchJob(beatCtx, job.TenantID, job.ID, m.now().UTC()); err != nil && beatCtx.Err() == nil {
					m.log.Warn("Failed to stamp job heartbeat", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// finish records the terminal state of a job and releases its lock.
func (m *Manager) finish(ctx context.Context, job *store.SyncJob, started time.Time, runErr error) {
	defer m.release(job)

	now := m.now().UTC()
	job.FinishedAt = &now
	job.Status = store.JobSucceeded
	if !job.Partial {
		job.ErrorSummary = ""
	}
	if runErr != nil {
		job.Status = store.JobFailed
		job.ErrorSummary = runErr.Error()
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.store.UpdateJob(saveCtx, job); err != nil {
		m.log.Error("Failed to save finished job", zap.String("job_id", job.ID), zap.Error(err))
	}

	metrics.SyncJobs.WithLabelValues(string(job.EntityType), string(job.Scope), string(job.Status)).Inc()
	if !started.IsZero() {
		metrics.SyncJobDuration.WithLabelValues(string(job.EntityType), string(job.Scope)).Observe(now.Sub(started).Seconds())
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("entity_type", string(job.EntityType)),
		zap.String("scope", string(job.Scope)),
		zap.String("status", string(job.Status)),
		zap.Int("processed", job.Processed),
		zap.Int("failed", job.Failed),
	}
	switch {
	case runErr != nil:
		m.log.Warn("Sync job failed", append(fields, zap.Error(runErr))...)
	case job.Partial:
		m.log.Warn("Sync job finished partially", append(fields, zap.String("note", job.ErrorSummary))...)
	default:
		m.log.Info("Sync job finished", fields...)
	}
}

// PullOne runs a single-entity pull as a job locked on its external id, so
// pulls of different entities of one type run side by side.
func (m *Manager) PullOne(ctx context.Context, entityType store.EntityType, entityID string, force bool) (*store.MasterRecord, error) {
	if !entityType.Valid() {
		return nil, syncerr.Validation("pull", fmt.Errorf("unknown entity type %q", entityType))
	}
	externalID, err := m.engine.resolveExternalID(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	job, err := m.begin(ctx, entityType, store.ScopeSingle, externalID, store.JobRunning)
	if err != nil {
		return nil, err
	}
	rec, err := m.engine.pullResolved(ctx, entityType, externalID, force)
	job.Processed = 1
	if err != nil {
		job.Failed = 1
	}
	m.finish(ctx, job, *job.StartedAt, err)
	return rec, err
}

// Recover fails jobs a dead process left queued or running and replays the
// bulk ones with the same scope. Jobs whose heartbeat is younger than the
// stale threshold belong to a live process, such as a foreground sync, and
// are left alone.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	active, err := m.store.ListActiveJobs(ctx, m.tenantID)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	cutoff := m.now().UTC().Add(-m.staleAfter)
	replayed := 0
	for _, job := range active {
		m.mu.Lock()
		_, mine := m.locks[job.RunningKey()]
		m.mu.Unlock()
		if mine {
			continue
		}
		if job.LastSeen().After(cutoff) {
			m.log.Info("Active sync job is still alive, leaving it",
				zap.String("job_id", job.ID),
				zap.String("entity_type", string(job.EntityType)),
				zap.Time("last_seen", job.LastSeen()),
			)
			continue
		}

		now := m.now().UTC()
		job.Status = store.JobFailed
		job.ErrorSummary = "interrupted"
		job.FinishedAt = &now
		if err := m.store.UpdateJob(ctx, job); err != nil {
			return replayed, fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
		m.log.Warn("Interrupted sync job failed",
			zap.String("job_id", job.ID),
			zap.String("entity_type", string(job.EntityType)),
			zap.String("scope", string(job.Scope)),
		)

		if job.Scope == store.ScopeSingle {
			continue
		}
		if _, err := m.TriggerSync(ctx, job.EntityType, job.Scope); err != nil && !errors.Is(err, syncerr.ErrJobRunning) {
			return replayed, fmt.Errorf("replay job %s: %w", job.ID, err)
		}
		replayed++
	}
	return replayed, nil
}

func (m *Manager) GetJob(ctx context.Context, id string) (*store.SyncJob, error) {
	job, err := m.store.GetJob(ctx, m.tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, syncerr.NotFound("get job", fmt.Errorf("job %s", id))
	}
	return job, err
}

func (m *Manager) ListJobs(ctx context.Context, limit, offset int) ([]*store.SyncJob, error) {
	return m.store.ListJobs(ctx, m.tenantID, limit, offset)
}
