package collection

import (
	"context"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kvdexerr"
)

// QueryOptions bounds and filters a traversal of a collection's
// documents by id. The zero value selects every document — the fast
// path deleteMany/count use (spec §4.6).
type QueryOptions[T any] struct {
	Filter  func(T) bool
	Limit   int
	Offset  int
	Take    int
	Reverse bool
	Cursor  string
	StartID keys.Part
	EndID   keys.Part
}

// isAllSelecting reports whether opts selects every document with no
// bound, filter, pagination or cursor — the condition deleteMany and
// count use to take their id-prefix-only fast path.
func (o QueryOptions[T]) isAllSelecting() bool {
	return o.Filter == nil && o.Limit == 0 && o.Offset == 0 && o.Take == 0 &&
		o.Cursor == "" && o.StartID == nil && o.EndID == nil
}

func (o QueryOptions[T]) toHandleManyOptions(c *Collection[T]) handleManyOptions[T] {
	h := handleManyOptions[T]{
		limit:   o.Limit,
		offset:  o.Offset,
		take:    o.Take,
		reverse: o.Reverse,
		cursor:  o.Cursor,
		filter:  o.Filter,
	}
	if o.StartID != nil {
		h.start = c.idKey(o.StartID)
	}
	if o.EndID != nil {
		h.end = c.idKey(o.EndID)
	}
	return h
}

// ListResult is one page of a List/FindBySecondaryIndex-style scan.
type ListResult[T any] struct {
	Result []Document[T]
	Cursor string
}

// List returns every document whose id falls within opts' bounds.
func (c *Collection[T]) List(ctx context.Context, opts QueryOptions[T]) (ListResult[T], error) {
	docs, cursor, err := c.handleMany(ctx, c.idPrefix(), opts.toHandleManyOptions(c), c.resolveByID)
	if err != nil {
		return ListResult[T]{}, err
	}
	return ListResult[T]{Result: docs, Cursor: cursor}, nil
}

// ForEach invokes fn once per selected document, in KV list order,
// sequentially (Go callers that want concurrency can do so inside fn or
// over the returned List). fn runs on every document regardless of
// earlier failures; any non-nil results are batched and returned
// together as a single kvdexerr.AggregateOperationErrors, so one bad
// document never prevents the rest of the traversal from running.
func (c *Collection[T]) ForEach(ctx context.Context, opts QueryOptions[T], fn func(Document[T]) error) error {
	res, err := c.List(ctx, opts)
	if err != nil {
		return err
	}
	errs := make([]error, 0, len(res.Result))
	for _, doc := range res.Result {
		if err := fn(doc); err != nil {
			errs = append(errs, err)
		}
	}
	if agg := kvdexerr.AggregateErrors(errs); agg != nil {
		return agg
	}
	return nil
}

// Count returns the number of documents matching opts, fast-pathing to
// a plain id-prefix list count when opts selects every document.
func (c *Collection[T]) Count(ctx context.Context, opts QueryOptions[T]) (int, error) {
	if opts.isAllSelecting() {
		it, err := c.store.List(ctx, kv.Selector{Prefix: c.idPrefix()}, kv.ListOptions{})
		if err != nil {
			return 0, err
		}
		defer it.Close()
		n := 0
		for {
			_, ok, err := it.Next(ctx)
			if err != nil {
				return 0, err
			}
			if !ok {
				break
			}
			n++
		}
		return n, nil
	}
	res, err := c.List(ctx, opts)
	if err != nil {
		return 0, err
	}
	return len(res.Result), nil
}
