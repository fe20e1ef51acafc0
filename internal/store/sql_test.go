package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricebook-sync-service/internal/database"
)

const tenant = "acme"

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	s := NewSQLStore(db)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func strPtr(s string) *string { return &s }

func newMaster(externalID string, fields map[string]any) *MasterRecord {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &MasterRecord{
		ID:         uuid.NewString(),
		TenantID:   tenant,
		EntityType: EntityService,
		Fields:     fields,
		Visible:    true,
		Source:     SourceExternal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if externalID != "" {
		rec.ExternalID = strPtr(externalID)
	}
	return rec
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestMasterLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := newMaster("svc-1", map[string]any{"name": "AC Tune-Up", "price": 89.0})
	require.NoError(t, s.CreateMaster(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	got, err := s.GetMasterByExternalID(ctx, tenant, EntityService, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "AC Tune-Up", got.Fields["name"])
	assert.Equal(t, 89.0, got.Fields["price"])
	assert.True(t, got.Visible)
	assert.Empty(t, got.OverriddenFields)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	got.Fields["price"] = 99.0
	got.UpdatedAt = got.UpdatedAt.Add(time.Minute)
	require.NoError(t, s.UpdateMaster(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	// the first copy is now stale
	rec.Fields["price"] = 79.0
	assert.ErrorIs(t, s.UpdateMaster(ctx, rec), ErrVersionConflict)

	again, err := s.GetMaster(ctx, tenant, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 99.0, again.Fields["price"])
	assert.Equal(t, int64(2), again.Version)
}

func TestMasterNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetMaster(ctx, tenant, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := newMaster("x", nil)
	assert.ErrorIs(t, s.UpdateMaster(ctx, rec), ErrNotFound)
}

func TestMasterDuplicateExternalID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateMaster(ctx, newMaster("dup", nil)))
	assert.ErrorIs(t, s.CreateMaster(ctx, newMaster("dup", nil)), ErrDuplicate)

	// local records without an external id do not collide
	require.NoError(t, s.CreateMaster(ctx, newMaster("", nil)))
	require.NoError(t, s.CreateMaster(ctx, newMaster("", nil)))
}

func TestListMastersSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	live := newMaster("a", nil)
	gone := newMaster("b", nil)
	deletedAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	gone.DeletedAt = &deletedAt
	require.NoError(t, s.CreateMaster(ctx, live))
	require.NoError(t, s.CreateMaster(ctx, gone))

	list, err := s.ListMasters(ctx, tenant, MasterFilter{EntityType: EntityService})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, live.ID, list[0].ID)

	all, err := s.ListMasters(ctx, tenant, MasterFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	other, err := s.ListMasters(ctx, "globex", MasterFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestChildrenAndVisibility(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	parent := newMaster("cat", nil)
	parent.EntityType = EntityCategory
	require.NoError(t, s.CreateMaster(ctx, parent))
	child := newMaster("svc", nil)
	child.ParentID = strPtr(parent.ID)
	require.NoError(t, s.CreateMaster(ctx, child))

	kids, err := s.ListChildren(ctx, tenant, parent.ID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, child.ID, kids[0].ID)

	at := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetVisibility(ctx, tenant, []string{parent.ID, child.ID}, false, at))

	for _, id := range []string{parent.ID, child.ID} {
		got, err := s.GetMaster(ctx, tenant, id)
		require.NoError(t, err)
		assert.False(t, got.Visible)
		assert.Equal(t, int64(2), got.Version)
	}

	// unchanged rows are left alone
	require.NoError(t, s.SetVisibility(ctx, tenant, []string{parent.ID}, false, at))
	got, err := s.GetMaster(ctx, tenant, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestOverrides(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := newMaster("svc-1", map[string]any{"name": "AC Tune-Up", "price": 89.0})
	require.NoError(t, s.CreateMaster(ctx, rec))

	rec.Fields["price"] = 75.0
	rec.AddOverride("price")
	entry := &OverrideEntry{EntityID: rec.ID, Field: "price", Value: 75.0, SetBy: "ops@acme", SetAt: time.Now()}
	require.NoError(t, s.ApplyOverride(ctx, rec, entry))
	assert.Equal(t, int64(2), rec.Version)

	overrides, err := s.ListOverrides(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, 75.0, overrides[0].Value)
	assert.Equal(t, "ops@acme", overrides[0].SetBy)

	// setting it again replaces the entry
	rec.Fields["price"] = 70.0
	entry.Value = 70.0
	require.NoError(t, s.ApplyOverride(ctx, rec, entry))
	overrides, err = s.ListOverrides(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, 70.0, overrides[0].Value)

	got, err := s.GetMaster(ctx, tenant, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"price"}, got.OverriddenFields)

	rec.RemoveOverride("price")
	require.NoError(t, s.RemoveOverrides(ctx, rec, []string{"price"}))
	overrides, err = s.ListOverrides(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestApplyOverrideConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := newMaster("svc-1", map[string]any{"price": 89.0})
	require.NoError(t, s.CreateMaster(ctx, rec))

	stale := *rec
	rec.Fields = map[string]any{"price": 90.0}
	require.NoError(t, s.UpdateMaster(ctx, rec))

	stale.Fields = map[string]any{"price": 1.0}
	err := s.ApplyOverride(ctx, &stale, &OverrideEntry{EntityID: stale.ID, Field: "price", Value: 1.0, SetBy: "x", SetAt: time.Now()})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(1), stale.Version)

	overrides, err := s.ListOverrides(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestJobRunningKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	full := &SyncJob{ID: uuid.NewString(), TenantID: tenant, EntityType: EntityService, Scope: ScopeFull, Status: JobQueued, CreatedAt: now}
	require.NoError(t, s.CreateJob(ctx, full))

	incr := &SyncJob{ID: uuid.NewString(), TenantID: tenant, EntityType: EntityService, Scope: ScopeIncremental, Status: JobQueued, CreatedAt: now}
	assert.ErrorIs(t, s.CreateJob(ctx, incr), ErrJobActive)

	// other classes and types are independent
	single := &SyncJob{ID: uuid.NewString(), TenantID: tenant, EntityType: EntityService, Scope: ScopeSingle, TargetID: "ext-1", Status: JobQueued, CreatedAt: now}
	require.NoError(t, s.CreateJob(ctx, single))
	materials := &SyncJob{ID: uuid.NewString(), TenantID: tenant, EntityType: EntityMaterial, Scope: ScopeFull, Status: JobQueued, CreatedAt: now}
	require.NoError(t, s.CreateJob(ctx, materials))

	// single-entity jobs only collide on the same target
	other := &SyncJob{ID: uuid.NewString(), TenantID: tenant, EntityType: EntityService, Scope: ScopeSingle, TargetID: "ext-2", Status: JobQueued, CreatedAt: now}
	require.NoError(t, s.CreateJob(ctx, other))
	same := &SyncJob{ID: uuid.NewString(), TenantID: tenant, EntityType: EntityService, Scope: ScopeSingle, TargetID: "ext-1", Status: JobQueued, CreatedAt: now}
	assert.ErrorIs(t, s.CreateJob(ctx, same), ErrJobActive)

	active, err := s.ListActiveJobs(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, active, 4)
	got, err := s.GetJob(ctx, tenant, single.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", got.TargetID)

	started := now.Add(-time.Minute)
	finished := now
	full.Status = JobSucceeded
	full.StartedAt = &started
	full.FinishedAt = &finished
	full.Processed = 12
	require.NoError(t, s.UpdateJob(ctx, full))

	require.NoError(t, s.CreateJob(ctx, incr))

	last, err := s.LastSucceededJob(ctx, tenant, EntityService)
	require.NoError(t, err)
	assert.Equal(t, full.ID, last.ID)
	assert.Equal(t, 12, last.Processed)
	require.NotNil(t, last.StartedAt)
	assert.True(t, dbTime(started).Equal(*last.StartedAt))

	_, err = s.LastSucceededJob(ctx, tenant, EntityEquipment)
	assert.ErrorIs(t, err, ErrNotFound)

	jobs, err := s.ListJobs(ctx, tenant, 10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 5)
}

func TestLastSucceededJobSkipsPartialRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(startedAt time.Time, partial bool) *SyncJob {
		finished := startedAt.Add(time.Minute)
		job := &SyncJob{
			ID: uuid.NewString(), TenantID: tenant, EntityType: EntityService, Scope: ScopeFull,
			Status: JobSucceeded, Partial: partial, CreatedAt: startedAt, StartedAt: &startedAt, FinishedAt: &finished,
		}
		if partial {
			job.ErrorSummary = "listing truncated"
		}
		require.NoError(t, s.CreateJob(ctx, job))
		return job
	}
	complete := mk(base, false)
	partial := mk(base.Add(time.Hour), true)

	last, err := s.LastSucceededJob(ctx, tenant, EntityService)
	require.NoError(t, err)
	assert.Equal(t, complete.ID, last.ID)

	got, err := s.GetJob(ctx, tenant, partial.ID)
	require.NoError(t, err)
	assert.True(t, got.Partial)
	assert.Equal(t, "listing truncated", got.ErrorSummary)
}

func TestTouchJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job := &SyncJob{ID: uuid.NewString(), TenantID: tenant, EntityType: EntityService, Scope: ScopeFull, Status: JobRunning, CreatedAt: now}
	require.NoError(t, s.CreateJob(ctx, job))
	assert.Equal(t, now, job.LastSeen())

	beat := now.Add(30 * time.Second)
	require.NoError(t, s.TouchJob(ctx, tenant, job.ID, beat))
	got, err := s.GetJob(ctx, tenant, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.HeartbeatAt)
	assert.True(t, beat.Equal(got.LastSeen()))

	job.Status = JobSucceeded
	require.NoError(t, s.UpdateJob(ctx, job))
	assert.ErrorIs(t, s.TouchJob(ctx, tenant, job.ID, beat), ErrNotFound)
}

func TestPendingOneOpenEntryPerEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(action SyncAction) *PendingSyncEntry {
		return &PendingSyncEntry{
			ID: uuid.NewString(), TenantID: tenant, EntityType: EntityService, EntityID: "m-1",
			Action: action, Attempts: 1, Status: PendingOpen, NextRetryAt: now, CreatedAt: now, UpdatedAt: now,
		}
	}
	first := mk(ActionPush)
	require.NoError(t, s.CreatePending(ctx, first))
	assert.ErrorIs(t, s.CreatePending(ctx, mk(ActionPush)), ErrDuplicate)
	require.NoError(t, s.CreatePending(ctx, mk(ActionPull)))

	// a dead-lettered entry still holds the slot
	first.Status = PendingDeadLetter
	require.NoError(t, s.UpdatePending(ctx, first))
	assert.ErrorIs(t, s.CreatePending(ctx, mk(ActionPush)), ErrDuplicate)

	resolvedAt := now
	first.Status = PendingResolved
	first.ResolvedAt = &resolvedAt
	require.NoError(t, s.UpdatePending(ctx, first))
	require.NoError(t, s.CreatePending(ctx, mk(ActionPush)))

	// reopening a resolved entry collides with the newer one
	first.Status = PendingOpen
	first.ResolvedAt = nil
	assert.ErrorIs(t, s.UpdatePending(ctx, first), ErrDuplicate)
}

func TestPendingQueries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mk := func(entityID string, status PendingStatus, next time.Time) *PendingSyncEntry {
		e := &PendingSyncEntry{
			ID: uuid.NewString(), TenantID: tenant, EntityType: EntityService, EntityID: entityID,
			Action: ActionPush, Attempts: 1, Status: status, NextRetryAt: next, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreatePending(ctx, e))
		return e
	}
	due := mk("m-1", PendingOpen, now.Add(-time.Second))
	mk("m-2", PendingRetrying, now.Add(time.Hour))
	mk("m-3", PendingDeadLetter, now.Add(-time.Hour))
	resolved := mk("m-4", PendingOpen, now.Add(-time.Minute))

	resolvedAt := now
	resolved.Status = PendingResolved
	resolved.ResolvedAt = &resolvedAt
	require.NoError(t, s.UpdatePending(ctx, resolved))

	list, err := s.ListDuePending(ctx, tenant, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, due.ID, list[0].ID)

	open, err := s.FindOpenPending(ctx, tenant, EntityService, "m-3", ActionPush)
	require.NoError(t, err)
	assert.Equal(t, PendingDeadLetter, open.Status)
	_, err = s.FindOpenPending(ctx, tenant, EntityService, "m-4", ActionPush)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindOpenPending(ctx, tenant, EntityService, "m-1", ActionPull)
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := s.CountPending(ctx, tenant, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, PendingCounts{Pending: 1, Retrying: 1, DeadLetter: 1, ResolvedToday: 1}, counts)

	dead, err := s.ListPending(ctx, tenant, PendingFilter{Status: PendingDeadLetter})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "m-3", dead[0].EntityID)

	got, err := s.GetPending(ctx, tenant, resolved.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, resolvedAt.Equal(*got.ResolvedAt))
}
