package store

import (
	"sort"
	"time"
)

type EntityType string

const (
	EntityCategory  EntityType = "category"
	EntityService   EntityType = "service"
	EntityMaterial  EntityType = "material"
	EntityEquipment EntityType = "equipment"
)

// EntityTypes lists every pricebook entity type in sync order; categories
// first so items can resolve their category on the same run.
var EntityTypes = []EntityType{EntityCategory, EntityService, EntityMaterial, EntityEquipment}

func (t EntityType) Valid() bool {
	for _, e := range EntityTypes {
		if e == t {
			return true
		}
	}
	return false
}

type Source string

const (
	SourceExternal Source = "external"
	SourceLocal    Source = "local"
	SourceMerged   Source = "merged"
)

// MasterRecord is the canonical local copy of a pricebook entity.
type MasterRecord struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenantId"`
	EntityType       EntityType     `json:"entityType"`
	ExternalID       *string        `json:"externalId,omitempty"`
	ParentID         *string        `json:"parentId,omitempty"`
	Fields           map[string]any `json:"fields"`
	Visible          bool           `json:"visible"`
	OverriddenFields []string       `json:"overriddenFields"`
	Source           Source         `json:"source"`
	PushPending      bool           `json:"pushPending"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	DeletedAt        *time.Time     `json:"deletedAt,omitempty"`
}

func (r *MasterRecord) IsOverridden(field string) bool {
	for _, f := range r.OverriddenFields {
		if f == field {
			return true
		}
	}
	return false
}

// AddOverride marks field as overridden, keeping the set sorted.
func (r *MasterRecord) AddOverride(field string) {
	if r.IsOverridden(field) {
		return
	}
	r.OverriddenFields = append(r.OverriddenFields, field)
	sort.Strings(r.OverriddenFields)
}

func (r *MasterRecord) RemoveOverride(field string) {
	out := r.OverriddenFields[:0]
	for _, f := range r.OverriddenFields {
		if f != field {
			out = append(out, f)
		}
	}
	r.OverriddenFields = out
}

func (r *MasterRecord) Deleted() bool { return r.DeletedAt != nil }

// OverrideEntry is a user-set value that pulls must not overwrite.
type OverrideEntry struct {
	EntityID string    `json:"entityId"`
	Field    string    `json:"field"`
	Value    any       `json:"value"`
	SetBy    string    `json:"setBy"`
	SetAt    time.Time `json:"setAt"`
}

type MasterFilter struct {
	EntityType     EntityType
	IncludeDeleted bool
	Limit          int
	Offset         int
}

type JobScope string

const (
	ScopeFull        JobScope = "full"
	ScopeIncremental JobScope = "incremental"
	ScopeSingle      JobScope = "single"
)

func (s JobScope) Valid() bool {
	return s == ScopeFull || s == ScopeIncremental || s == ScopeSingle
}

// Class groups scopes that may not overlap: full and incremental runs of the
// same entity type exclude each other.
func (s JobScope) Class() string {
	if s == ScopeSingle {
		return "single"
	}
	return "bulk"
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Active() bool { return s == JobQueued || s == JobRunning }

// SyncJob is one pull run. Partial marks a succeeded run that did not see the
// whole listing; such a run never serves as an incremental watermark.
type SyncJob struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	EntityType   EntityType `json:"entityType"`
	Scope        JobScope   `json:"scope"`
	TargetID     string     `json:"targetId,omitempty"`
	Status       JobStatus  `json:"status"`
	Processed    int        `json:"processed"`
	Failed       int        `json:"failed"`
	Pages        int        `json:"pages"`
	Partial      bool       `json:"partial"`
	ErrorSummary string     `json:"errorSummary,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeatAt,omitempty"`
}

// RunningKey is the value of the unique running_key column while the job is
// active. Single-entity jobs lock their target only.
func (j *SyncJob) RunningKey() string {
	key := j.TenantID + ":" + string(j.EntityType) + ":" + j.Scope.Class()
	if j.Scope == ScopeSingle {
		key += ":" + j.TargetID
	}
	return key
}

// LastSeen is the newest liveness mark of the job.
func (j *SyncJob) LastSeen() time.Time {
	if j.HeartbeatAt != nil {
		return *j.HeartbeatAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}

type SyncAction string

const (
	ActionPull SyncAction = "pull"
	ActionPush SyncAction = "push"
)

type PendingStatus string

const (
	PendingOpen       PendingStatus = "pending"
	PendingRetrying   PendingStatus = "retrying"
	PendingDeadLetter PendingStatus = "dead-letter"
	PendingResolved   PendingStatus = "resolved"
)

func (s PendingStatus) Active() bool { return s == PendingOpen || s == PendingRetrying }

// PendingSyncEntry records a per-entity sync failure. EntityID is the MASTER
// id for pushes and the external id for pulls.
type PendingSyncEntry struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenantId"`
	EntityType  EntityType    `json:"entityType"`
	EntityID    string        `json:"entityId"`
	Action      SyncAction    `json:"action"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"lastError"`
	NextRetryAt time.Time     `json:"nextRetryAt"`
	Status      PendingStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	ResolvedAt  *time.Time    `json:"resolvedAt,omitempty"`
}

// OpenKey is the value of the unique open_key column while the entry is
// unresolved: one open entry per entity and action.
func (e *PendingSyncEntry) OpenKey() string {
	return e.TenantID + ":" + string(e.EntityType) + ":" + e.EntityID + ":" + string(e.Action)
}

type PendingFilter struct {
	Status     PendingStatus
	EntityType EntityType
	Action     SyncAction
	Limit      int
	Offset     int
}

type PendingCounts struct {
	Pending       int `json:"pending"`
	Retrying      int `json:"retrying"`
	DeadLetter    int `json:"deadLetter"`
	ResolvedToday int `json:"resolvedToday"`
}
