// Package external talks to the pricing platform that owns the pricebook.
package external

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/paginate"
	"pricebook-sync-service/internal/ratelimit"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

type Capability string

const (
	CapList   Capability = "list"
	CapGet    Capability = "get"
	CapUpsert Capability = "upsert"
)

// Snapshot is one entity as the external system returned it.
type Snapshot struct {
	ExternalID string
	EntityType store.EntityType
	Payload    map[string]any
	FetchedAt  time.Time
}

type ListRequest struct {
	EntityType    store.EntityType
	Page          int
	PageSize      int
	ModifiedSince *time.Time
}

// Provider is the capability interface over the external system. Callers
// check Supports before relying on a capability; unsupported calls return a
// NotSupported error.
type Provider interface {
	Name() string
	Supports(c Capability) bool
	List(ctx context.Context, req ListRequest) (paginate.Page[Snapshot], error)
	Get(ctx context.Context, entityType store.EntityType, externalID string) (*Snapshot, error)
	// Upsert creates the entity when externalID is empty, updates it otherwise,
	// and returns the external id.
	Upsert(ctx context.Context, entityType store.EntityType, externalID string, payload map[string]any) (string, error)
}

// New builds the provider selected by cfg.Provider.
func New(cfg config.ExternalConfig, tenantID string, guard *ratelimit.Guard) (Provider, error) {
	switch cfg.Provider {
	case "", "http":
		return NewHTTPProvider(cfg, tenantID, guard), nil
	case "native":
		return NativeProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown external provider %q", cfg.Provider)
	}
}

// NativeProvider serves deployments with no external system.
type NativeProvider struct{}

var errNative = errors.New("native pricebook has no external system")

func (NativeProvider) Name() string             { return "native" }
func (NativeProvider) Supports(Capability) bool { return false }

func (NativeProvider) List(context.Context, ListRequest) (paginate.Page[Snapshot], error) {
	return paginate.Page[Snapshot]{}, syncerr.NotSupported("list", errNative)
}

func (NativeProvider) Get(context.Context, store.EntityType, string) (*Snapshot, error) {
	return nil, syncerr.NotSupported("get", errNative)
}

func (NativeProvider) Upsert(context.Context, store.EntityType, string, map[string]any) (string, error) {
	return "", syncerr.NotSupported("upsert", errNative)
}

// Plural is the REST collection name of an entity type.
func Plural(t store.EntityType) string {
	switch t {
	case store.EntityCategory:
		return "categories"
	case store.EntityEquipment:
		return "equipment"
	default:
		return string(t) + "s"
	}
}

// IDString renders an id field as decoded from JSON.
func IDString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return ""
	}
}

func snapshotOf(entityType store.EntityType, payload map[string]any, at time.Time) Snapshot {
	return Snapshot{
		ExternalID: IDString(payload["id"]),
		EntityType: entityType,
		Payload:    payload,
		FetchedAt:  at,
	}
}
