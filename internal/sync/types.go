package sync

import (
	"fmt"

	"pricebook-sync-service/internal/store"
)

// PushMode tells Push who is waiting for the result.
type PushMode string

const (
	// PushBulk is used by background callers. Failures are queued and not
	// returned.
	PushBulk PushMode = "bulk"
	// PushDirect is an operator push. Failures are queued and returned.
	PushDirect PushMode = "direct"
)

// PullStats summarises one bulk pull.
type PullStats struct {
	Processed  int
	Created    int
	Updated    int
	Unchanged  int
	Failed     int
	Pages      int
	Truncated  bool
	Incomplete bool
}

type mergeAction string

const (
	mergeCreated   mergeAction = "created"
	mergeUpdated   mergeAction = "updated"
	mergeUnchanged mergeAction = "unchanged"
	mergeSkipped   mergeAction = "skipped"
)

// RetryResult is the outcome of a manual or scheduled queue drain.
type RetryResult struct {
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
)

// ChangeEvent is a MASTER row that became push-pending, as seen in the binlog.
type ChangeEvent struct {
	Type       EventType
	TenantID   string
	EntityID   string
	EntityType store.EntityType
	Timestamp  uint32
	BinlogFile string
	BinlogPos  uint32
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("[%s] %s %s/%s", e.Type, e.TenantID, e.EntityType, e.EntityID)
}
