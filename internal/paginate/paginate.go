// Package paginate exhausts page-numbered remote listings.
//
// Stream yields one Batch per page, lazily, so callers can process a page
// before the next one is requested. FetchAll is the collecting form.
package paginate

import (
	"context"
	"errors"
	"iter"

	"go.uber.org/zap"

	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/syncerr"
)

const (
	DefaultPageSize = 500
	DefaultMaxPages = 200
)

// Page is one response of a listing endpoint.
type Page[T any] struct {
	Items   []T
	HasMore bool
}

// FetchFunc fetches a 1-based page. Returning syncerr.ErrMalformedPage (or an
// error wrapping it) truncates the listing instead of failing it.
type FetchFunc[T any] func(ctx context.Context, page, pageSize int) (Page[T], error)

type Options struct {
	PageSize int
	MaxPages int
	// Name labels log lines, e.g. the entity type being listed.
	Name string
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	return o
}

// Progress describes the listing after a page was consumed.
type Progress struct {
	Page    int
	Fetched int
	Total   int
	// Truncated is set on the final batch when a malformed page stopped the listing.
	Truncated bool
	// Incomplete is set on the final batch when MaxPages ran out before the end.
	Incomplete bool
}

type Batch[T any] struct {
	Items    []T
	Progress Progress
}

// Stream lazily yields the pages of fetch in order. A non-nil error is yielded
// at most once and ends the sequence.
func Stream[T any](ctx context.Context, fetch FetchFunc[T], opts Options) iter.Seq2[Batch[T], error] {
	opts = opts.withDefaults()
	log := logger.Named("paginate").With(zap.String("listing", opts.Name))

	return func(yield func(Batch[T], error) bool) {
		total := 0
		for page := 1; page <= opts.MaxPages; page++ {
			if err := ctx.Err(); err != nil {
				yield(Batch[T]{Progress: Progress{Page: page, Total: total}}, err)
				return
			}

			res, err := fetch(ctx, page, opts.PageSize)
			if err != nil {
				if errors.Is(err, syncerr.ErrMalformedPage) {
					log.Warn("Malformed page, listing truncated",
						zap.Int("page", page),
						zap.Int("items_kept", total),
						zap.Error(err),
					)
					yield(Batch[T]{Progress: Progress{Page: page, Total: total, Truncated: true}}, nil)
					return
				}
				yield(Batch[T]{Progress: Progress{Page: page, Total: total}}, err)
				return
			}

			total += len(res.Items)
			done := !res.HasMore || len(res.Items) < opts.PageSize
			prog := Progress{Page: page, Fetched: len(res.Items), Total: total}
			if !done && page == opts.MaxPages {
				prog.Incomplete = true
				log.Warn("Page limit reached, results may be incomplete",
					zap.Int("max_pages", opts.MaxPages),
					zap.Int("total", total),
				)
			}

			if !yield(Batch[T]{Items: res.Items, Progress: prog}, nil) {
				return
			}
			if done {
				return
			}
		}
	}
}

// Result is the outcome of FetchAll.
type Result[T any] struct {
	Items      []T
	Pages      int
	Truncated  bool
	Incomplete bool
}

// FetchAll concatenates every page. On a hard page error the items gathered
// so far are returned together with the error.
func FetchAll[T any](ctx context.Context, fetch FetchFunc[T], opts Options) (Result[T], error) {
	var res Result[T]
	for batch, err := range Stream(ctx, fetch, opts) {
		if err != nil {
			return res, err
		}
		res.Items = append(res.Items, batch.Items...)
		if batch.Progress.Truncated {
			res.Truncated = true
			continue
		}
		res.Pages = batch.Progress.Page
		res.Incomplete = batch.Progress.Incomplete
	}
	return res, nil
}
