package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict means the row changed since it was read.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrDuplicate is a unique constraint violation.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrJobActive means an active job already holds the running key.
	ErrJobActive = errors.New("store: job of this class already active")
)

type Store interface {
	// Master records
	GetMaster(ctx context.Context, tenantID, id string) (*MasterRecord, error)
	GetMasterByExternalID(ctx context.Context, tenantID string, entityType EntityType, externalID string) (*MasterRecord, error)
	ListMasters(ctx context.Context, tenantID string, filter MasterFilter) ([]*MasterRecord, error)
	ListChildren(ctx context.Context, tenantID, parentID string) ([]*MasterRecord, error)
	CreateMaster(ctx context.Context, rec *MasterRecord) error
	// UpdateMaster writes rec if the stored version still equals rec.Version,
	// then bumps rec.Version.
	UpdateMaster(ctx context.Context, rec *MasterRecord) error
	SetVisibility(ctx context.Context, tenantID string, ids []string, visible bool, at time.Time) error

	// Overrides. Both write the master row and the override table atomically.
	ApplyOverride(ctx context.Context, rec *MasterRecord, entry *OverrideEntry) error
	RemoveOverrides(ctx context.Context, rec *MasterRecord, fields []string) error
	ListOverrides(ctx context.Context, entityID string) ([]*OverrideEntry, error)

	// Jobs
	CreateJob(ctx context.Context, job *SyncJob) error
	UpdateJob(ctx context.Context, job *SyncJob) error
	TouchJob(ctx context.Context, tenantID, id string, at time.Time) error
	GetJob(ctx context.Context, tenantID, id string) (*SyncJob, error)
	ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]*SyncJob, error)
	ListActiveJobs(ctx context.Context, tenantID string) ([]*SyncJob, error)
	LastSucceededJob(ctx context.Context, tenantID string, entityType EntityType) (*SyncJob, error)

	// Pending-sync queue
	CreatePending(ctx context.Context, entry *PendingSyncEntry) error
	UpdatePending(ctx context.Context, entry *PendingSyncEntry) error
	GetPending(ctx context.Context, tenantID, id string) (*PendingSyncEntry, error)
	FindOpenPending(ctx context.Context, tenantID string, entityType EntityType, entityID string, action SyncAction) (*PendingSyncEntry, error)
	ListPending(ctx context.Context, tenantID string, filter PendingFilter) ([]*PendingSyncEntry, error)
	ListDuePending(ctx context.Context, tenantID string, now time.Time, limit int) ([]*PendingSyncEntry, error)
	CountPending(ctx context.Context, tenantID string, resolvedSince time.Time) (PendingCounts, error)

	// General
	Migrate(ctx context.Context) error
	Close() error
}
