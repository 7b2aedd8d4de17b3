package collection

import (
	"context"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

// Find looks up a single document by id. The returned pointer is nil
// (no error) when the id does not exist.
func (c *Collection[T]) Find(ctx context.Context, id keys.Part) (*Document[T], error) {
	e, err := c.store.Get(ctx, c.idKey(id), kv.GetOptions{})
	if err != nil {
		return nil, err
	}
	if !e.Found() {
		return nil, nil
	}
	value, err := c.readValue(ctx, id, e.Value)
	if err != nil {
		return nil, err
	}
	return &Document[T]{ID: id, Versionstamp: e.Versionstamp, Value: value}, nil
}

// FindMany looks up several ids, omitting any that do not exist.
func (c *Collection[T]) FindMany(ctx context.Context, ids []keys.Part) ([]Document[T], error) {
	keysList := make([]keys.Key, len(ids))
	for i, id := range ids {
		keysList[i] = c.idKey(id)
	}

	limit := c.store.Limits().GetManyKeyLimit
	if limit <= 0 {
		limit = len(keysList)
	}
	if limit == 0 {
		limit = 1
	}

	var out []Document[T]
	for start := 0; start < len(keysList); start += limit {
		end := start + limit
		if end > len(keysList) {
			end = len(keysList)
		}
		entries, err := c.store.GetMany(ctx, keysList[start:end], kv.GetOptions{})
		if err != nil {
			return nil, err
		}
		for i, e := range entries {
			if !e.Found() {
				continue
			}
			id := ids[start+i]
			value, err := c.readValue(ctx, id, e.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, Document[T]{ID: id, Versionstamp: e.Versionstamp, Value: value})
		}
	}
	return out, nil
}

// FindByPrimaryIndex resolves the unique document indexed under name
// with the given field value.
func (c *Collection[T]) FindByPrimaryIndex(ctx context.Context, name string, value keys.Part) (*Document[T], error) {
	encVal, err := encodePart(value)
	if err != nil {
		return nil, err
	}
	e, err := c.store.Get(ctx, c.primaryIndexKey(name, encVal), kv.GetOptions{})
	if err != nil {
		return nil, err
	}
	if !e.Found() {
		return nil, nil
	}
	id, err := decodeIndexEntryID(e.Value)
	if err != nil {
		return nil, err
	}
	return c.Find(ctx, id)
}

// SecondaryIndexOptions configures FindBySecondaryIndex and the
// updateBy/deleteBy variants built on it.
type SecondaryIndexOptions struct {
	Filter  func(any) bool
	Limit   int
	Offset  int
	Take    int
	Reverse bool
	Cursor  string
}

// FindBySecondaryIndexResult is a single page of a secondary-index scan.
type FindBySecondaryIndexResult[T any] struct {
	Result []Document[T]
	Cursor string
}

// FindBySecondaryIndex lists every document indexed under name with
// the given field value.
func (c *Collection[T]) FindBySecondaryIndex(ctx context.Context, name string, value keys.Part, opts SecondaryIndexOptions) (FindBySecondaryIndexResult[T], error) {
	encVal, err := encodePart(value)
	if err != nil {
		return FindBySecondaryIndexResult[T]{}, err
	}
	prefix := c.secondaryIndexPrefix(name, encVal)

	var filter func(T) bool
	if opts.Filter != nil {
		filter = func(v T) bool { return opts.Filter(v) }
	}

	docs, cursor, err := c.handleMany(ctx, prefix, handleManyOptions[T]{
		limit:   opts.Limit,
		offset:  opts.Offset,
		take:    opts.Take,
		reverse: opts.Reverse,
		cursor:  opts.Cursor,
		filter:  filter,
	}, func(ctx context.Context, entry kv.Entry) (*Document[T], error) {
		id, err := decodeIndexEntryID(entry.Value)
		if err != nil {
			return nil, err
		}
		return c.Find(ctx, id)
	})
	if err != nil {
		return FindBySecondaryIndexResult[T]{}, err
	}
	return FindBySecondaryIndexResult[T]{Result: docs, Cursor: cursor}, nil
}
