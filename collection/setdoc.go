package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kvdexhq/kvdex/idgen"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

type historyValue struct {
	IsUint8Array bool            `json:"isUint8Array"`
	IDs          []int64         `json:"ids,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

type historyEntry struct {
	Type      string       `json:"type"`
	Timestamp int64        `json:"timestamp"`
	Value     historyValue `json:"value,omitempty"`
}

// Add inserts value under a freshly generated id.
func (c *Collection[T]) Add(ctx context.Context, value T, opts WriteOptions) (CommitResult, error) {
	rawID, err := c.idGenerator()
	if err != nil {
		return CommitResult{}, fmt.Errorf("collection: generate id: %w", err)
	}
	id, ok := rawID.(keys.Part)
	if !ok {
		return CommitResult{}, fmt.Errorf("collection: id generator returned non-key-part %T", rawID)
	}
	return c.setDoc(ctx, id, value, opts, false)
}

// Set inserts value at id, asserting id does not already exist.
func (c *Collection[T]) Set(ctx context.Context, id keys.Part, value T, opts WriteOptions) (CommitResult, error) {
	return c.setDoc(ctx, id, value, opts, false)
}

// Write inserts or overwrites value at id; an id collision is
// resolved by replacing the existing document, but an index collision
// with a different document is still rejected.
func (c *Collection[T]) Write(ctx context.Context, id keys.Part, value T, opts WriteOptions) (CommitResult, error) {
	return c.setDoc(ctx, id, value, opts, true)
}

// setDoc implements spec §4.6's seven-step internal write path shared
// by add/set/write.
func (c *Collection[T]) setDoc(ctx context.Context, id keys.Part, value T, opts WriteOptions, overwrite bool) (CommitResult, error) {
	attempts := opts.Retry
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		res, conflict, err := c.trySetDoc(ctx, id, value, opts, overwrite)
		if err != nil {
			return CommitResult{}, err
		}
		if res.OK {
			return res, nil
		}
		if !overwrite || !conflict.idCollided || conflict.indexCollided {
			if attempt == attempts-1 {
				return CommitResult{OK: false}, nil
			}
			continue
		}

		// overwrite=true and only the id collided: remove the stale
		// document (best-effort) and retry once more.
		if err := c.deleteInternal(ctx, id, false); err != nil {
			return CommitResult{}, err
		}
		res, _, err = c.trySetDoc(ctx, id, value, opts, overwrite)
		if err != nil {
			return CommitResult{}, err
		}
		if res.OK {
			return res, nil
		}
	}
	return CommitResult{OK: false}, nil
}

type setConflict struct {
	idCollided    bool
	indexCollided bool
}

func (c *Collection[T]) trySetDoc(ctx context.Context, id keys.Part, value T, opts WriteOptions, overwrite bool) (CommitResult, setConflict, error) {
	prepared, err := c.prepareWrite(value)
	if err != nil {
		return CommitResult{}, setConflict{}, err
	}

	op := c.store.Atomic()
	idK := c.idKey(id)
	op = op.Check(idK, "")
	op = op.Set(idK, prepared.idKeyValue, opts.SetOpts)

	for idx, chunk := range prepared.segments {
		op = op.Set(c.segmentKey(id, idx), chunk, kv.SetOptions{})
	}

	now := time.Now().UnixMilli()
	if c.history {
		timeID, err := idgen.NewTimeID()
		if err != nil {
			return CommitResult{}, setConflict{}, fmt.Errorf("collection: mint history time id: %w", err)
		}
		hv := historyValue{}
		if prepared.segments != nil {
			hv.IsUint8Array = true
			hv.IDs = make([]int64, len(prepared.segments))
			for i := range hv.IDs {
				hv.IDs[i] = int64(i)
				op = op.Set(c.historySegmentKey(id, timeID, int64(i)), prepared.segments[int64(i)], kv.SetOptions{})
			}
		} else {
			hv.Raw = json.RawMessage(prepared.idKeyValue)
		}
		entryBytes, err := json.Marshal(historyEntry{Type: "write", Timestamp: now, Value: hv})
		if err != nil {
			return CommitResult{}, setConflict{}, fmt.Errorf("collection: marshal history entry: %w", err)
		}
		op = op.Set(c.historyKey(id, timeID), entryBytes, kv.SetOptions{})
	}

	var indexKeys []keys.Key
	if c.isIndexable() {
		op, indexKeys, err = c.stageIndexWrites(op, id, value)
		if err != nil {
			return CommitResult{}, setConflict{}, err
		}
	}

	res, err := op.Commit(ctx)
	if err != nil {
		return CommitResult{}, setConflict{}, err
	}
	if res.OK {
		return CommitResult{OK: true, ID: id, Versionstamp: res.Versionstamp}, setConflict{}, nil
	}

	// Commit failed: probe which invariant collided so setDoc can
	// decide whether an overwrite retry is legitimate.
	conflict := setConflict{}
	existing, err := c.store.Get(ctx, idK, kv.GetOptions{})
	if err != nil {
		return CommitResult{}, setConflict{}, err
	}
	conflict.idCollided = existing.Found()

	// An id collision is resolved by an overwrite retry (which deletes
	// the old document, including its own index entries), so only
	// probe for an index collision when the id itself was free — index
	// entries found in that branch necessarily belong to some other
	// document.
	if !conflict.idCollided {
		for _, key := range indexKeys {
			e, err := c.store.Get(ctx, key, kv.GetOptions{})
			if err != nil {
				return CommitResult{}, setConflict{}, err
			}
			if e.Found() {
				conflict.indexCollided = true
				break
			}
		}
	}

	return CommitResult{OK: false}, conflict, nil
}
