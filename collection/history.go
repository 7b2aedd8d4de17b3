package collection

import (
	"context"
	"encoding/json"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kvdexerr"
)

// HistoryEntry is one append-only log entry for a document (spec
// §3's "History entry"). Value is the zero value of T for a "delete"
// entry.
type HistoryEntry[T any] struct {
	Type      string
	Timestamp int64
	Value     T
}

// FindHistory returns every history entry for id in insertion order.
// Requires the collection to have been constructed with History
// enabled.
func (c *Collection[T]) FindHistory(ctx context.Context, id keys.Part) ([]HistoryEntry[T], error) {
	if !c.history {
		return nil, kvdexerr.InvalidCollectionf("collection has no history log enabled")
	}

	it, err := c.store.List(ctx, kv.Selector{Prefix: c.historyPrefix(id)}, kv.ListOptions{})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []HistoryEntry[T]
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var raw historyEntry
		if err := json.Unmarshal(e.Value, &raw); err != nil {
			return nil, kvdexerr.CorruptedDocumentf("unmarshal history entry for %v: %v", id, err)
		}

		entry := HistoryEntry[T]{Type: raw.Type, Timestamp: raw.Timestamp}
		if raw.Type == "write" {
			timeID, _ := e.Key[len(e.Key)-1].(string)
			var payload []byte
			if raw.Value.IsUint8Array {
				payload, err = c.readHistorySegments(ctx, id, timeID, raw.Value.IDs)
				if err != nil {
					return nil, err
				}
			} else {
				payload = raw.Value.Raw
			}
			v, err := c.decodeValue(payload)
			if err != nil {
				return nil, err
			}
			entry.Value = v
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *Collection[T]) readHistorySegments(ctx context.Context, id keys.Part, timeID string, segIDs []int64) ([]byte, error) {
	var out []byte
	for _, idx := range segIDs {
		e, err := c.store.Get(ctx, c.historySegmentKey(id, timeID, idx), kv.GetOptions{})
		if err != nil {
			return nil, err
		}
		if !e.Found() {
			return nil, kvdexerr.CorruptedDocumentf("missing history segment %d for document %v", idx, id)
		}
		chunk, err := decodeSegment(e.Value)
		if err != nil {
			return nil, kvdexerr.CorruptedDocumentf("history segment %d for document %v: %v", idx, id, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}
