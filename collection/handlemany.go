package collection

import (
	"context"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

// handleManyOptions configures the shared pagination primitive (spec
// §4.6 "handleMany").
type handleManyOptions[T any] struct {
	start   keys.Key
	end     keys.Key
	limit   int
	offset  int
	take    int
	reverse bool
	cursor  string
	filter  func(T) bool
}

// handleMany is the engine's one list-traversal primitive: it lists
// entries under prefix, resolves each into a *Document[T] (a nil
// result with no error means "skip, reconstruction yielded nothing"),
// applies filter, then applies offset/take. filter runs before
// offset/take, matching the ordering rule in spec §4.6.
func (c *Collection[T]) handleMany(
	ctx context.Context,
	prefix keys.Key,
	opts handleManyOptions[T],
	resolve func(ctx context.Context, e kv.Entry) (*Document[T], error),
) ([]Document[T], string, error) {
	sel := kv.Selector{Prefix: prefix}
	if opts.start != nil {
		sel.Start = opts.start
	}
	if opts.end != nil {
		sel.End = opts.end
	}

	it, err := c.store.List(ctx, sel, kv.ListOptions{
		Limit:   opts.limit,
		Cursor:  opts.cursor,
		Reverse: opts.reverse,
	})
	if err != nil {
		return nil, "", err
	}

	var matches []Document[T]
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			_ = it.Close()
			return nil, "", err
		}
		if !ok {
			break
		}
		doc, err := resolve(ctx, e)
		if err != nil {
			_ = it.Close()
			return nil, "", err
		}
		if doc == nil {
			continue
		}
		if opts.filter != nil && !opts.filter(doc.Value) {
			continue
		}
		matches = append(matches, *doc)
	}
	cursor := it.Cursor()
	_ = it.Close()

	if opts.offset > 0 {
		if opts.offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[opts.offset:]
		}
	}
	if opts.take > 0 && len(matches) > opts.take {
		matches = matches[:opts.take]
	}

	return matches, cursor, nil
}

func (c *Collection[T]) resolveByID(ctx context.Context, e kv.Entry) (*Document[T], error) {
	id := e.Key[len(e.Key)-1]
	value, err := c.readValue(ctx, id, e.Value)
	if err != nil {
		return nil, err
	}
	return &Document[T]{ID: id, Versionstamp: e.Versionstamp, Value: value}, nil
}
