package dexutil

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

// Record is one store entry rendered as newline-delimited JSON, the
// export/import/migrate file format. KeyJSON reuses keys.MarshalJSON
// so a dumped record can be replayed against any backend, not just the
// one it was read from. Value is base64 rather than a raw JSON string
// since stored values are opaque encoded bytes, not necessarily valid
// UTF-8.
type Record struct {
	KeyJSON json.RawMessage `json:"key"`
	Value   string          `json:"value"`
}

// DumpStore writes every entry in store as one Record per line.
func DumpStore(ctx context.Context, store kv.Store, w io.Writer) (int, error) {
	it, err := store.List(ctx, kv.Selector{}, kv.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("dexutil: list: %w", err)
	}
	defer it.Close()

	enc := json.NewEncoder(w)
	n := 0
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return n, fmt.Errorf("dexutil: iterate: %w", err)
		}
		if !ok {
			break
		}
		keyJSON, err := keys.MarshalJSON(entry.Key)
		if err != nil {
			return n, fmt.Errorf("dexutil: marshal key: %w", err)
		}
		rec := Record{
			KeyJSON: keyJSON,
			Value:   base64.StdEncoding.EncodeToString(entry.Value),
		}
		if err := enc.Encode(rec); err != nil {
			return n, fmt.Errorf("dexutil: encode record: %w", err)
		}
		n++
	}
	return n, nil
}

// LoadStore reads Records from r, one per line, and Sets each into
// store. Stops and returns an error on the first malformed line or
// failed Set rather than partially loading silently.
func LoadStore(ctx context.Context, store kv.Store, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return n, fmt.Errorf("dexutil: decode record %d: %w", n+1, err)
		}
		key, err := keys.UnmarshalJSON(rec.KeyJSON)
		if err != nil {
			return n, fmt.Errorf("dexutil: unmarshal key %d: %w", n+1, err)
		}
		value, err := base64.StdEncoding.DecodeString(rec.Value)
		if err != nil {
			return n, fmt.Errorf("dexutil: decode value %d: %w", n+1, err)
		}
		if _, err := store.Set(ctx, key, value, kv.SetOptions{}); err != nil {
			return n, fmt.Errorf("dexutil: set record %d: %w", n+1, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("dexutil: scan: %w", err)
	}
	return n, nil
}

// CopyStore streams every entry of src directly into dst without an
// intermediate file, the core of cmd/migrate.
func CopyStore(ctx context.Context, src, dst kv.Store) (int, error) {
	it, err := src.List(ctx, kv.Selector{}, kv.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("dexutil: list source: %w", err)
	}
	defer it.Close()

	n := 0
	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			return n, fmt.Errorf("dexutil: iterate source: %w", err)
		}
		if !ok {
			break
		}
		if _, err := dst.Set(ctx, entry.Key, entry.Value, kv.SetOptions{}); err != nil {
			return n, fmt.Errorf("dexutil: set destination: %w", err)
		}
		n++
	}
	return n, nil
}
