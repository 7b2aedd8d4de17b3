package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kvdexhq/kvdex/idgen"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kvdexerr"
)

// The methods in this file are the surface the atomic builder
// (package atomicbuilder) composes against: they stage mutations onto
// a caller-supplied kv.AtomicOp instead of opening and committing
// their own, so several collections can share one underlying commit
// (spec §4.7).

// IsIndexable reports whether this collection declares any index,
// information the builder's collision gate needs.
func (c *Collection[T]) IsIndexable() bool { return c.isIndexable() }

// CountAll and DeleteAllDocs give the database facade a non-generic
// surface (dex.Descendant) for countAll/deleteAll/wipe's schema walk,
// since a facade registry can't hold a slice of *Collection[T] for
// varying T directly.
func (c *Collection[T]) CountAll(ctx context.Context) (int, error) {
	return c.Count(ctx, QueryOptions[T]{})
}

func (c *Collection[T]) DeleteAllDocs(ctx context.Context) error {
	return c.DeleteMany(ctx, QueryOptions[T]{})
}

// BaseKeyString is a stable identifier for this collection, used as
// the map key in the builder's two collision-gate sets.
func (c *Collection[T]) BaseKeyString() string {
	b, _ := json.Marshal(c.baseKey)
	return string(b)
}

// GenerateID mints a fresh id the way Add does, exposed so the
// builder's Add can generate one before staging.
func (c *Collection[T]) GenerateID() (keys.Part, error) {
	rawID, err := c.idGenerator()
	if err != nil {
		return nil, fmt.Errorf("collection: generate id: %w", err)
	}
	id, ok := rawID.(keys.Part)
	if !ok {
		return nil, fmt.Errorf("collection: id generator returned non-key-part %T", rawID)
	}
	return id, nil
}

// StageInsert appends the mutations a Set/Write would perform — id
// key, history entry, index checks/sets — onto op and returns it.
// Segmentation is unavailable here: per spec §4.7, a collection
// declaring a custom encoder cannot participate in a cross-collection
// atomic (its id entry would need a second, unbounded round of
// segment writes that the builder's single-commit contract can't
// accommodate), checked here at first use rather than at a separate
// builder-construction step.
func (c *Collection[T]) StageInsert(op kv.AtomicOp, id keys.Part, value T, checkVacant bool) (kv.AtomicOp, error) {
	if c.encoder != nil {
		return op, kvdexerr.InvalidCollectionf("collection %s has a custom encoder and cannot be used in an atomic builder", c.BaseKeyString())
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return op, fmt.Errorf("collection: marshal value: %w", err)
	}

	idK := c.idKey(id)
	if checkVacant {
		op = op.Check(idK, "")
	}
	op = op.Set(idK, payload, kv.SetOptions{})

	if c.history {
		timeID, err := idgen.NewTimeID()
		if err != nil {
			return op, fmt.Errorf("collection: mint history time id: %w", err)
		}
		entryBytes, err := json.Marshal(historyEntry{
			Type:      "write",
			Timestamp: time.Now().UnixMilli(),
			Value:     historyValue{Raw: json.RawMessage(payload)},
		})
		if err != nil {
			return op, fmt.Errorf("collection: marshal history entry: %w", err)
		}
		op = op.Set(c.historyKey(id, timeID), entryBytes, kv.SetOptions{})
	}

	if c.isIndexable() {
		op, _, err = c.stageIndexWrites(op, id, value)
		if err != nil {
			return op, err
		}
	}
	return op, nil
}

// StageDelete appends the id-key deletion onto op and returns the
// live index keys (if any) for the caller to delete in a later,
// separate commit (spec §4.7 step 5's post-commit index cleanup). A
// missing document is a no-op: op is returned unchanged and indexKeys
// is nil.
func (c *Collection[T]) StageDelete(ctx context.Context, op kv.AtomicOp, id keys.Part) (kv.AtomicOp, []keys.Key, error) {
	if c.encoder != nil {
		return op, nil, kvdexerr.InvalidCollectionf("collection %s has a custom encoder and cannot be used in an atomic builder", c.BaseKeyString())
	}

	idK := c.idKey(id)
	e, err := c.store.Get(ctx, idK, kv.GetOptions{})
	if err != nil {
		return op, nil, err
	}
	if !e.Found() {
		return op, nil, nil
	}
	op = op.Delete(idK)

	if !c.isIndexable() {
		return op, nil, nil
	}
	value, err := c.readValue(ctx, id, e.Value)
	if err != nil {
		return op, nil, err
	}
	indexKeys, err := c.indexKeysFor(id, value)
	if err != nil {
		return op, nil, err
	}
	return op, indexKeys, nil
}
