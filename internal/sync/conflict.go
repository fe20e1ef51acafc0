package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"pricebook-sync-service/internal/store"
)

// Payload keys that carry the external parent reference.
const (
	parentKeyCategory = "parentId"
	parentKeyItem     = "categoryId"
)

func parentKey(t store.EntityType) string {
	if t == store.EntityCategory {
		return parentKeyCategory
	}
	return parentKeyItem
}

// mergePlan is the state a record should have after absorbing a snapshot.
type mergePlan struct {
	fields   map[string]any
	source   store.Source
	parentID *string
	// overrides is the remaining overridden field set.
	overrides []string
	// cleared lists overrides a forced pull replaced.
	cleared []string
}

// planMerge resolves a snapshot against the local record. Overridden fields
// keep their local value unless force is set; fields the snapshot does not
// carry are left alone. existing may be nil for an unseen entity.
func planMerge(existing *store.MasterRecord, payload map[string]any, parentID *string, force bool) mergePlan {
	plan := mergePlan{fields: map[string]any{}, parentID: parentID}
	if existing != nil {
		maps.Copy(plan.fields, existing.Fields)
		plan.overrides = append([]string{}, existing.OverriddenFields...)
		if parentID == nil {
			plan.parentID = existing.ParentID
		}
	}

	for key, value := range payload {
		if key == "id" {
			continue
		}
		if existing != nil && existing.IsOverridden(key) {
			if !force {
				continue
			}
			plan.cleared = append(plan.cleared, key)
		}
		plan.fields[key] = value
	}

	if len(plan.cleared) > 0 {
		sort.Strings(plan.cleared)
		plan.overrides = slices.DeleteFunc(plan.overrides, func(f string) bool {
			return slices.Contains(plan.cleared, f)
		})
	}

	plan.source = store.SourceExternal
	if len(plan.overrides) > 0 {
		plan.source = store.SourceMerged
	}
	return plan
}

// unchanged reports whether applying the plan would leave rec as it is.
func (p mergePlan) unchanged(rec *store.MasterRecord) bool {
	if len(p.cleared) > 0 {
		return false
	}
	before := fingerprint(rec.Fields, rec.Source, rec.ParentID)
	return before != "" && before == fingerprint(p.fields, p.source, p.parentID)
}

func (p mergePlan) apply(rec *store.MasterRecord) {
	rec.Fields = p.fields
	rec.Source = p.source
	rec.ParentID = p.parentID
	rec.OverriddenFields = p.overrides
}

// fingerprint hashes the merge-relevant state of a record. Map keys are
// encoded in sorted order, so equal content gives equal hashes.
func fingerprint(fields map[string]any, source store.Source, parentID *string) string {
	parent := ""
	if parentID != nil {
		parent = *parentID
	}
	data, err := json.Marshal(struct {
		Fields map[string]any `json:"f"`
		Source store.Source   `json:"s"`
		Parent string         `json:"p"`
	}{fields, source, parent})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// isBookkeeping reports fields that are never sent to the external system.
func isBookkeeping(field string) bool {
	switch field {
	case "id", "createdOn", "modifiedOn":
		return true
	}
	return strings.HasPrefix(field, "_")
}

// pushPayload is the outbound representation of a record's fields.
func pushPayload(rec *store.MasterRecord) map[string]any {
	out := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		if isBookkeeping(k) {
			continue
		}
		out[k] = v
	}
	return out
}
