package sync

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

// Local edits. Each one marks the record push-pending except visibility,
// which is local presentation state.

func (e *Engine) load(ctx context.Context, op, id string) (*store.MasterRecord, error) {
	if err := e.requireTenant(op); err != nil {
		return nil, err
	}
	rec, err := e.store.GetMaster(ctx, e.tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, syncerr.NotFound(op, fmt.Errorf("entity %s", id))
	}
	if err != nil {
		return nil, err
	}
	if rec.Deleted() {
		return nil, syncerr.NotFound(op, fmt.Errorf("entity %s is deleted", id))
	}
	return rec, nil
}

// storeErr classifies a write error for callers.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return syncerr.Conflict(op, err)
	case errors.Is(err, store.ErrNotFound):
		return syncerr.NotFound(op, err)
	case errors.Is(err, store.ErrDuplicate):
		return syncerr.Conflict(op, err)
	default:
		return err
	}
}

func (e *Engine) checkParent(ctx context.Context, op string, parentID *string) error {
	if parentID == nil {
		return nil
	}
	parent, err := e.load(ctx, op, *parentID)
	if syncerr.IsNotFound(err) {
		return syncerr.Validation(op, fmt.Errorf("parent %s does not exist", *parentID))
	}
	if err != nil {
		return err
	}
	if parent.EntityType != store.EntityCategory {
		return syncerr.Validation(op, fmt.Errorf("parent %s is not a category", *parentID))
	}
	return nil
}

// CreateLocal adds an entity that exists only locally until pushed.
func (e *Engine) CreateLocal(ctx context.Context, entityType store.EntityType, fields map[string]any, parentID *string) (*store.MasterRecord, error) {
	const op = "create"
	if err := e.requireTenant(op); err != nil {
		return nil, err
	}
	if !entityType.Valid() {
		return nil, syncerr.Validation(op, fmt.Errorf("unknown entity type %q", entityType))
	}
	if len(fields) == 0 {
		return nil, syncerr.Validation(op, errors.New("fields are required"))
	}
	if err := e.checkParent(ctx, op, parentID); err != nil {
		return nil, err
	}

	now := e.timestamp()
	rec := &store.MasterRecord{
		ID:               uuid.NewString(),
		TenantID:         e.tenantID,
		EntityType:       entityType,
		ParentID:         parentID,
		Fields:           maps.Clone(fields),
		Visible:          true,
		OverriddenFields: []string{},
		Source:           store.SourceLocal,
		PushPending:      true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateMaster(ctx, rec); err != nil {
		return nil, storeErr(op, err)
	}
	e.log.Info("Created local entity", zap.String("entity_id", rec.ID), zap.String("entity_type", string(entityType)))
	return rec, nil
}

// UpdateFields changes plain fields; a nil value removes the field.
// Overridden fields must be changed through SetOverride. A non-zero
// expectedVersion must match the stored version.
func (e *Engine) UpdateFields(ctx context.Context, id string, fields map[string]any, expectedVersion int64) (*store.MasterRecord, error) {
	const op = "update"
	rec, err := e.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && expectedVersion != rec.Version {
		return nil, syncerr.Conflict(op, fmt.Errorf("entity %s is at version %d, not %d", id, rec.Version, expectedVersion))
	}
	for field := range fields {
		if rec.IsOverridden(field) {
			return nil, syncerr.Validation(op, fmt.Errorf("field %q is overridden", field))
		}
	}

	for field, value := range fields {
		if value == nil {
			delete(rec.Fields, field)
			continue
		}
		rec.Fields[field] = value
	}
	rec.PushPending = true
	rec.UpdatedAt = e.timestamp()
	if err := e.store.UpdateMaster(ctx, rec); err != nil {
		return nil, storeErr(op, err)
	}
	return rec, nil
}

// Delete soft-deletes an entity. Pulls never bring it back.
func (e *Engine) Delete(ctx context.Context, id string) error {
	const op = "delete"
	rec, err := e.load(ctx, op, id)
	if err != nil {
		return err
	}
	now := e.timestamp()
	rec.DeletedAt = &now
	rec.PushPending = false
	rec.UpdatedAt = now
	if err := e.store.UpdateMaster(ctx, rec); err != nil {
		return storeErr(op, err)
	}
	e.log.Info("Deleted entity", zap.String("entity_id", id))
	return nil
}

// SetOverride pins a field to a local value that pulls will not overwrite.
func (e *Engine) SetOverride(ctx context.Context, id, field string, value any, setBy string) (*store.MasterRecord, error) {
	const op = "set override"
	if field == "" || isBookkeeping(field) {
		return nil, syncerr.Validation(op, fmt.Errorf("field %q cannot be overridden", field))
	}
	rec, err := e.load(ctx, op, id)
	if err != nil {
		return nil, err
	}

	now := e.timestamp()
	rec.Fields[field] = value
	rec.AddOverride(field)
	if rec.Source == store.SourceExternal {
		rec.Source = store.SourceMerged
	}
	rec.PushPending = true
	rec.UpdatedAt = now
	entry := &store.OverrideEntry{EntityID: rec.ID, Field: field, Value: value, SetBy: setBy, SetAt: now}
	if err := e.store.ApplyOverride(ctx, rec, entry); err != nil {
		return nil, storeErr(op, err)
	}
	e.log.Info("Override set", zap.String("entity_id", id), zap.String("field", field), zap.String("set_by", setBy))
	return rec, nil
}

// ClearOverride makes a field eligible for pull overwrites again. The local
// value stays until the next pull replaces it.
func (e *Engine) ClearOverride(ctx context.Context, id, field string) (*store.MasterRecord, error) {
	const op = "clear override"
	rec, err := e.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !rec.IsOverridden(field) {
		return nil, syncerr.NotFound(op, fmt.Errorf("field %q of %s is not overridden", field, id))
	}

	rec.RemoveOverride(field)
	if rec.Source == store.SourceMerged && len(rec.OverriddenFields) == 0 && rec.ExternalID != nil {
		rec.Source = store.SourceExternal
	}
	rec.UpdatedAt = e.timestamp()
	if err := e.store.RemoveOverrides(ctx, rec, []string{field}); err != nil {
		return nil, storeErr(op, err)
	}
	e.log.Info("Override cleared", zap.String("entity_id", id), zap.String("field", field))
	return rec, nil
}

// ListOverrides returns the override entries of an entity.
func (e *Engine) ListOverrides(ctx context.Context, id string) ([]*store.OverrideEntry, error) {
	if _, err := e.load(ctx, "list overrides", id); err != nil {
		return nil, err
	}
	return e.store.ListOverrides(ctx, id)
}

// SetVisibility shows or hides an entity. With cascade the change walks the
// category tree breadth-first; cycles are visited once. It returns the ids
// that were considered.
func (e *Engine) SetVisibility(ctx context.Context, id string, visible, cascade bool) ([]string, error) {
	const op = "set visibility"
	root, err := e.load(ctx, op, id)
	if err != nil {
		return nil, err
	}

	ids := []string{root.ID}
	if cascade {
		seen := map[string]bool{root.ID: true}
		queue := []string{root.ID}
		for len(queue) > 0 {
			parent := queue[0]
			queue = queue[1:]
			children, err := e.store.ListChildren(ctx, e.tenantID, parent)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if seen[child.ID] {
					continue
				}
				seen[child.ID] = true
				ids = append(ids, child.ID)
				queue = append(queue, child.ID)
			}
		}
	}

	if err := e.store.SetVisibility(ctx, e.tenantID, ids, visible, e.timestamp()); err != nil {
		return nil, err
	}
	e.log.Info("Visibility changed",
		zap.String("entity_id", id),
		zap.Bool("visible", visible),
		zap.Bool("cascade", cascade),
		zap.Int("affected", len(ids)),
	)
	return ids, nil
}

// Get returns a live MASTER record.
func (e *Engine) Get(ctx context.Context, id string) (*store.MasterRecord, error) {
	return e.load(ctx, "get", id)
}

// List returns MASTER records of the tenant.
func (e *Engine) List(ctx context.Context, filter store.MasterFilter) ([]*store.MasterRecord, error) {
	if err := e.requireTenant("list"); err != nil {
		return nil, err
	}
	if filter.EntityType != "" && !filter.EntityType.Valid() {
		return nil, syncerr.Validation("list", fmt.Errorf("unknown entity type %q", filter.EntityType))
	}
	return e.store.ListMasters(ctx, e.tenantID, filter)
}
