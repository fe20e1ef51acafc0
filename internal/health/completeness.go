package health

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"pricebook-sync-service/internal/store"
)

// Uncategorized is the bucket for items without a live category.
const Uncategorized = "uncategorized"

// requiredFields are checked on every item in addition to a category.
var requiredFields = []string{"name", "price", "description", "image"}

type CategoryScore struct {
	CategoryID string  `json:"categoryId"`
	Name       string  `json:"name,omitempty"`
	Items      int     `json:"items"`
	Score      float64 `json:"score"`
}

// itemCompleteness is the populated share of required fields, 0..1.
func itemCompleteness(rec *store.MasterRecord, categories map[string]*store.MasterRecord) float64 {
	populated := 0
	for _, f := range requiredFields {
		if present(rec.Fields[f]) {
			populated++
		}
	}
	if categoryKey(rec) != Uncategorized && categories[*rec.ParentID] != nil {
		populated++
	}
	return float64(populated) / float64(len(requiredFields)+1)
}

func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// scoreCategories averages item completeness per category. Categories with
// no items score 100.
func scoreCategories(items []*store.MasterRecord, categories map[string]*store.MasterRecord) ([]CategoryScore, map[string]float64) {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	perItem := make(map[string]float64, len(items))
	for _, rec := range items {
		score := itemCompleteness(rec, categories)
		perItem[rec.ID] = score
		key := categoryKey(rec)
		if _, ok := categories[key]; !ok {
			key = Uncategorized
		}
		sums[key] += score
		counts[key]++
	}

	out := make([]CategoryScore, 0, len(categories)+1)
	for id, cat := range categories {
		cs := CategoryScore{CategoryID: id, Name: stringField(cat.Fields, "name"), Items: counts[id], Score: 100}
		if counts[id] > 0 {
			cs.Score = round1(sums[id] / float64(counts[id]) * 100)
		}
		out = append(out, cs)
	}
	if counts[Uncategorized] > 0 {
		out = append(out, CategoryScore{
			CategoryID: Uncategorized,
			Items:      counts[Uncategorized],
			Score:      round1(sums[Uncategorized] / float64(counts[Uncategorized]) * 100),
		})
	}
	slices.SortFunc(out, func(a, b CategoryScore) int {
		return cmp.Or(cmp.Compare(a.Score, b.Score), cmp.Compare(a.CategoryID, b.CategoryID))
	})
	return out, perItem
}

func categoryKey(rec *store.MasterRecord) string {
	if rec.ParentID == nil || *rec.ParentID == "" {
		return Uncategorized
	}
	return *rec.ParentID
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }
func round2(f float64) float64 { return math.Round(f*100) / 100 }
