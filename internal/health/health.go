// Package health reports on the quality of the MASTER pricebook: how complete
// each category is, which items look duplicated and what an operator should
// look at first.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"pricebook-sync-service/internal/cache"
	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/syncerr"
)

const (
	DefaultCompletenessThreshold = 60
	DefaultSimilarityThreshold   = 0.85
	DefaultDuplicateWindow       = 3
	DefaultCacheTTL              = time.Minute

	deadLetterLimit = 1000
)

type Report struct {
	EntityType     store.EntityType    `json:"entityType,omitempty"`
	GeneratedAt    time.Time           `json:"generatedAt"`
	Completeness   []CategoryScore     `json:"completeness"`
	NeedsAttention []AttentionItem     `json:"needsAttention"`
	Duplicates     []DuplicatePair     `json:"duplicates"`
	Pending        store.PendingCounts `json:"pending"`
}

type Analyzer struct {
	store    store.Store
	tenantID string
	cfg      config.HealthConfig
	cache    cache.Client
	group    singleflight.Group
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Analyzer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer builds an analyzer. A nil cache disables caching.
func NewAnalyzer(st store.Store, tenantID string, cfg config.HealthConfig, c cache.Client, opts ...Option) *Analyzer {
	if cfg.CompletenessThreshold <= 0 {
		cfg.CompletenessThreshold = DefaultCompletenessThreshold
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	a := &Analyzer{
		store:    st,
		tenantID: tenantID,
		cfg:      cfg,
		cache:    c,
		now:      time.Now,
		log:      logger.Named("health"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Analyzer) cacheKey(entityType store.EntityType) string {
	scope := string(entityType)
	if scope == "" {
		scope = "all"
	}
	return fmt.Sprintf("health:%s:%s", a.tenantID, scope)
}

// Report returns the health report, optionally narrowed to one entity type.
// Reports are cached; concurrent callers share one computation.
func (a *Analyzer) Report(ctx context.Context, entityType store.EntityType) (*Report, error) {
	if entityType != "" && !entityType.Valid() {
		return nil, syncerr.Validation("health", fmt.Errorf("unknown entity type %q", entityType))
	}
	key := a.cacheKey(entityType)

	if a.cache != nil {
		if data, err := a.cache.Get(ctx, key); err == nil {
			var r Report
			if err := json.Unmarshal(data, &r); err == nil {
				return &r, nil
			}
			a.log.Warn("Discarding unreadable cached report", zap.String("key", key))
		} else if !errors.Is(err, cache.ErrNotFound) {
			a.log.Warn("Health cache read failed", zap.Error(err))
		}
	}

	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		r, err := a.compute(context.WithoutCancel(ctx), entityType)
		if err != nil {
			return nil, err
		}
		a.save(ctx, key, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (a *Analyzer) save(ctx context.Context, key string, r *Report) {
	if a.cache == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		a.log.Warn("Failed to encode health report", zap.Error(err))
		return
	}
	if err := a.cache.Set(ctx, key, data, a.cfg.CacheTTL); err != nil {
		a.log.Warn("Health cache write failed", zap.Error(err))
	}
}

// Invalidate drops cached reports so the next call recomputes.
func (a *Analyzer) Invalidate(ctx context.Context) {
	if a.cache == nil {
		return
	}
	keys := []string{a.cacheKey("")}
	for _, t := range store.EntityTypes {
		keys = append(keys, a.cacheKey(t))
	}
	for _, k := range keys {
		if err := a.cache.Delete(ctx, k); err != nil {
			a.log.Debug("Health cache delete failed", zap.String("key", k), zap.Error(err))
		}
	}
}

func (a *Analyzer) compute(ctx context.Context, entityType store.EntityType) (*Report, error) {
	started := a.now()
	records, err := a.store.ListMasters(ctx, a.tenantID, store.MasterFilter{})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	categories := make(map[string]*store.MasterRecord)
	var items []*store.MasterRecord
	for _, rec := range records {
		if rec.EntityType == store.EntityCategory {
			categories[rec.ID] = rec
			continue
		}
		if entityType == "" || entityType == store.EntityCategory || rec.EntityType == entityType {
			items = append(items, rec)
		}
	}

	completeness, perItem := scoreCategories(items, categories)

	var dupSource []*store.MasterRecord
	for _, rec := range records {
		if entityType == "" || rec.EntityType == entityType {
			dupSource = append(dupSource, rec)
		}
	}
	dups := findDuplicates(dupSource, a.cfg.DuplicateWindow, a.cfg.SimilarityThreshold)

	deadLetters, err := a.store.ListPending(ctx, a.tenantID, store.PendingFilter{
		Status:     store.PendingDeadLetter,
		EntityType: entityType,
		Limit:      deadLetterLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	now := a.now().UTC()
	counts, err := a.store.CountPending(ctx, a.tenantID, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}

	r := &Report{
		EntityType:     entityType,
		GeneratedAt:    now,
		Completeness:   completeness,
		NeedsAttention: rankAttention(now, deadLetters, items, perItem, a.cfg.CompletenessThreshold, dups),
		Duplicates:     dups,
		Pending:        counts,
	}
	if r.NeedsAttention == nil {
		r.NeedsAttention = []AttentionItem{}
	}
	if r.Duplicates == nil {
		r.Duplicates = []DuplicatePair{}
	}

	a.log.Debug("Health report computed",
		zap.String("entity_type", string(entityType)),
		zap.Int("records", len(records)),
		zap.Int("duplicates", len(dups)),
		zap.Int("needs_attention", len(r.NeedsAttention)),
		zap.Duration("took", a.now().Sub(started)),
	)
	return r, nil
}
