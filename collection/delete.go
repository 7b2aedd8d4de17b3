package collection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kvdexhq/kvdex/atomicwrap"
	"github.com/kvdexhq/kvdex/idgen"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

// Delete removes each of ids, along with its segments, index entries
// and (if history is enabled) appends a delete history entry per id.
func (c *Collection[T]) Delete(ctx context.Context, ids ...keys.Part) error {
	for _, id := range ids {
		if err := c.deleteInternal(ctx, id, c.history); err != nil {
			return err
		}
	}
	return nil
}

// deleteInternal assembles one document's ancillary keys and submits
// them as a single atomic-wrapper commit (spec §4.6's delete
// algorithm). withHistory controls whether a delete history entry is
// appended — update() deletes the old document without history since
// it immediately performs a fresh write-with-history itself.
func (c *Collection[T]) deleteInternal(ctx context.Context, id keys.Part, withHistory bool) error {
	idK := c.idKey(id)
	e, err := c.store.Get(ctx, idK, kv.GetOptions{})
	if err != nil {
		return err
	}
	if !e.Found() {
		return nil
	}

	w := atomicwrap.New(c.store)
	w.Delete(idK)

	if c.encoder != nil {
		var env idEnvelope
		if err := json.Unmarshal(e.Value, &env); err == nil {
			for _, idx := range env.IDs {
				w.Delete(c.segmentKey(id, idx))
			}
		}
	}

	if c.isIndexable() {
		if value, err := c.readValue(ctx, id, e.Value); err == nil {
			if idxKeys, err := c.indexKeysFor(id, value); err == nil {
				for _, k := range idxKeys {
					w.Delete(k)
				}
			}
		}
	}

	if withHistory {
		if timeID, err := idgen.NewTimeID(); err == nil {
			entryBytes, err := json.Marshal(historyEntry{Type: "delete", Timestamp: time.Now().UnixMilli()})
			if err == nil {
				w.Set(c.historyKey(id, timeID), entryBytes, kv.SetOptions{})
			}
		}
	}

	_, err = w.Commit(ctx)
	return err
}

// DeleteMany deletes every document matching opts. When opts selects
// every document it fast-paths to a sweep of the id prefix (spec
// §4.6) that deletes each document's id entry, its segments, its
// index entries and, with history enabled, records a delete entry.
func (c *Collection[T]) DeleteMany(ctx context.Context, opts QueryOptions[T]) error {
	if !opts.isAllSelecting() {
		res, err := c.List(ctx, opts)
		if err != nil {
			return err
		}
		ids := make([]keys.Part, len(res.Result))
		for i, d := range res.Result {
			ids[i] = d.ID
		}
		return c.Delete(ctx, ids...)
	}

	it, err := c.store.List(ctx, kv.Selector{Prefix: c.idPrefix()}, kv.ListOptions{})
	if err != nil {
		return err
	}
	defer it.Close()

	w := atomicwrap.New(c.store)
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		id := e.Key[len(e.Key)-1]
		w.Delete(e.Key)
		if c.encoder != nil {
			var env idEnvelope
			if err := json.Unmarshal(e.Value, &env); err == nil {
				for _, idx := range env.IDs {
					w.Delete(c.segmentKey(id, idx))
				}
			}
		}
		if c.isIndexable() {
			if value, err := c.readValue(ctx, id, e.Value); err == nil {
				if idxKeys, err := c.indexKeysFor(id, value); err == nil {
					for _, k := range idxKeys {
						w.Delete(k)
					}
				}
			}
		}
		if c.history {
			if timeID, err := idgen.NewTimeID(); err == nil {
				entryBytes, err := json.Marshal(historyEntry{Type: "delete", Timestamp: time.Now().UnixMilli()})
				if err == nil {
					w.Set(c.historyKey(id, timeID), entryBytes, kv.SetOptions{})
				}
			}
		}
	}
	_, err = w.Commit(ctx)
	return err
}

// DeleteByPrimaryIndex deletes the single document (if any) indexed
// under name with the given value.
func (c *Collection[T]) DeleteByPrimaryIndex(ctx context.Context, name string, value keys.Part) error {
	doc, err := c.FindByPrimaryIndex(ctx, name, value)
	if err != nil || doc == nil {
		return err
	}
	return c.Delete(ctx, doc.ID)
}

// DeleteBySecondaryIndex deletes every document matching the
// secondary-index lookup.
func (c *Collection[T]) DeleteBySecondaryIndex(ctx context.Context, name string, value keys.Part, opts SecondaryIndexOptions) error {
	res, err := c.FindBySecondaryIndex(ctx, name, value, opts)
	if err != nil {
		return err
	}
	ids := make([]keys.Part, len(res.Result))
	for i, d := range res.Result {
		ids[i] = d.ID
	}
	return c.Delete(ctx, ids...)
}
