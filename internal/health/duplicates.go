package health

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"pricebook-sync-service/internal/store"
)

// DuplicatePair is two records of one type and category with near-identical
// names.
type DuplicatePair struct {
	EntityType store.EntityType `json:"entityType"`
	CategoryID string           `json:"categoryId"`
	FirstID    string           `json:"firstId"`
	FirstName  string           `json:"firstName"`
	SecondID   string           `json:"secondId"`
	SecondName string           `json:"secondName"`
	Similarity float64          `json:"similarity"`
}

var folder = cases.Fold()

// normalizeName folds case and compatibility forms and collapses whitespace.
func normalizeName(name string) string {
	s := folder.String(norm.NFKC.String(name))
	return strings.Join(strings.Fields(s), " ")
}

type candidate struct {
	rec      *store.MasterRecord
	category string
	name     string
	norm     string
}

// findDuplicates sorts by (category, normalized name) and compares each
// record with the next window neighbours of the same category.
func findDuplicates(records []*store.MasterRecord, window int, threshold float64) []DuplicatePair {
	if window < 1 {
		window = 1
	}
	cands := make([]candidate, 0, len(records))
	for _, rec := range records {
		name := stringField(rec.Fields, "name")
		n := normalizeName(name)
		if n == "" {
			continue
		}
		cands = append(cands, candidate{rec: rec, category: categoryKey(rec), name: name, norm: n})
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(a.rec.EntityType, b.rec.EntityType),
			cmp.Compare(a.category, b.category),
			cmp.Compare(a.norm, b.norm),
			cmp.Compare(a.rec.ID, b.rec.ID),
		)
	})

	var pairs []DuplicatePair
	for i, a := range cands {
		for j := i + 1; j < len(cands) && j <= i+window; j++ {
			b := cands[j]
			if b.rec.EntityType != a.rec.EntityType || b.category != a.category {
				break
			}
			sim := similarity(a.norm, b.norm)
			if sim < threshold {
				continue
			}
			pairs = append(pairs, DuplicatePair{
				EntityType: a.rec.EntityType,
				CategoryID: a.category,
				FirstID:    a.rec.ID,
				FirstName:  a.name,
				SecondID:   b.rec.ID,
				SecondName: b.name,
				Similarity: round2(sim),
			})
		}
	}
	return pairs
}

// similarity is 1 - levenshtein/maxLen over runes; equal strings give 1.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
