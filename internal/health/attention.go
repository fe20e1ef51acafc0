package health

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"pricebook-sync-service/internal/store"
)

type Reason string

const (
	ReasonDeadLetter        Reason = "dead_letter"
	ReasonLowCompleteness   Reason = "low_completeness"
	ReasonPossibleDuplicate Reason = "possible_duplicate"
)

// Severity bands. The class weight always dominates the tie-break, which
// stays within [0, 99].
const (
	weightDeadLetter = 300
	weightIncomplete = 200
	weightDuplicate  = 100
)

type AttentionItem struct {
	EntityID   string           `json:"entityId"`
	EntityType store.EntityType `json:"entityType"`
	Reason     Reason           `json:"reason"`
	Score      int              `json:"score"`
	Detail     string           `json:"detail"`
	PendingID  string           `json:"pendingId,omitempty"`
}

func tieBreak(f float64) int {
	return min(max(int(f), 0), 99)
}

// rankAttention merges the three signals into one list, most severe first.
func rankAttention(now time.Time, deadLetters []*store.PendingSyncEntry, items []*store.MasterRecord, perItem map[string]float64, threshold float64, dups []DuplicatePair) []AttentionItem {
	var out []AttentionItem

	for _, e := range deadLetters {
		// older failures rank higher, one point per hour
		age := now.Sub(e.UpdatedAt).Hours()
		out = append(out, AttentionItem{
			EntityID:   e.EntityID,
			EntityType: e.EntityType,
			Reason:     ReasonDeadLetter,
			Score:      weightDeadLetter + tieBreak(age),
			Detail:     fmt.Sprintf("%s failed %d times: %s", e.Action, e.Attempts, e.LastError),
			PendingID:  e.ID,
		})
	}

	for _, rec := range items {
		pct := perItem[rec.ID] * 100
		if pct >= threshold {
			continue
		}
		out = append(out, AttentionItem{
			EntityID:   rec.ID,
			EntityType: rec.EntityType,
			Reason:     ReasonLowCompleteness,
			Score:      weightIncomplete + tieBreak(99-pct),
			Detail:     fmt.Sprintf("completeness %.0f%%", pct),
		})
	}

	for _, d := range dups {
		for _, id := range []string{d.FirstID, d.SecondID} {
			out = append(out, AttentionItem{
				EntityID:   id,
				EntityType: d.EntityType,
				Reason:     ReasonPossibleDuplicate,
				Score:      weightDuplicate + tieBreak(d.Similarity*99),
				Detail:     fmt.Sprintf("%q ~ %q (%.2f)", d.FirstName, d.SecondName, d.Similarity),
			})
		}
	}

	slices.SortFunc(out, func(a, b AttentionItem) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(a.EntityID, b.EntityID),
			cmp.Compare(a.Reason, b.Reason),
		)
	})
	return out
}
