package collection

import (
	"encoding/json"
	"fmt"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

// indexEntry is the value stored at both primary and secondary index
// keys: a back-reference to the document id. Reconstructing the full
// document means a second read through find(id) (spec §4.6's note
// that a segmented primary index "stores the sentinel and a second
// read assembles the value") — this module applies that same
// back-reference shape uniformly to secondary indices too, trading
// one extra read for never duplicating a (possibly segmented)
// document's bytes into every index entry it has.
type indexEntry struct {
	ID json.RawMessage `json:"id"`
}

func (c *Collection[T]) indexEntryBytes(id keys.Part) ([]byte, error) {
	idj, err := idJSON(id)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(indexEntry{ID: idj})
	if err != nil {
		return nil, fmt.Errorf("collection: marshal index entry: %w", err)
	}
	return b, nil
}

func decodeIndexEntryID(data []byte) (keys.Part, error) {
	var e indexEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("collection: unmarshal index entry: %w", err)
	}
	var w idWire
	if err := json.Unmarshal(e.ID, &w); err != nil {
		return nil, fmt.Errorf("collection: unmarshal index entry id: %w", err)
	}
	return w.Value, nil
}

// indexKeyFor resolves the key an index entry for def on this
// document would live at, or ok=false if the field is undefined on
// value (spec invariant I2: an undefined field simply isn't indexed).
func (c *Collection[T]) indexKeyFor(def IndexDef[T], id keys.Part, value T) (key keys.Key, ok bool, err error) {
	part, defined := def.Value(value)
	if !defined {
		return nil, false, nil
	}
	encVal, err := encodePart(part)
	if err != nil {
		return nil, false, err
	}
	switch def.Kind {
	case IndexPrimary:
		return c.primaryIndexKey(def.Name, encVal), true, nil
	default:
		return c.secondaryIndexKey(def.Name, encVal, id), true, nil
	}
}

// stageIndexWrites appends Check/Set mutations for every defined index
// field of value onto op, returning the keys written so callers can
// probe which one collided on failure.
func (c *Collection[T]) stageIndexWrites(op kv.AtomicOp, id keys.Part, value T) (kv.AtomicOp, []keys.Key, error) {
	entryBytes, err := c.indexEntryBytes(id)
	if err != nil {
		return op, nil, err
	}
	var written []keys.Key
	for _, def := range c.indices {
		key, ok, err := c.indexKeyFor(def, id, value)
		if err != nil {
			return op, nil, err
		}
		if !ok {
			continue
		}
		if def.Kind == IndexPrimary {
			op = op.Check(key, "")
		}
		op = op.Set(key, entryBytes, kv.SetOptions{})
		written = append(written, key)
	}
	return op, written, nil
}

// indexKeysFor returns every live index key for value, used to clean
// up stale index entries on delete/update.
func (c *Collection[T]) indexKeysFor(id keys.Part, value T) ([]keys.Key, error) {
	var out []keys.Key
	for _, def := range c.indices {
		key, ok, err := c.indexKeyFor(def, id, value)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, key)
		}
	}
	return out, nil
}
