package collection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kvdexerr"
)

// idEnvelope is the shape stored at an __id__ key (spec §4.5): either
// a direct reference to segment keys holding the encoded value, or (for
// collections with no encoder configured) nothing — the raw
// json-marshaled value is stored at the id key directly instead.
// Corruption detection lives per segment (see segmentChecksum below),
// not in this envelope, so a single damaged chunk is localized to its
// own segment rather than only detectable after reassembling the whole
// document.
type idEnvelope struct {
	IsUint8Array bool    `json:"isUint8Array"`
	IDs          []int64 `json:"ids,omitempty"`
}

// segmentChecksumSize is the blake2b-128 digest length prefixed to
// every segment value: 16 bytes, short enough to keep the per-chunk
// overhead negligible while still making accidental collisions
// astronomically unlikely.
const segmentChecksumSize = 16

// segmentChecksum returns the blake2b-128 digest of chunk.
func segmentChecksum(chunk []byte) ([]byte, error) {
	h, err := blake2b.New(segmentChecksumSize, nil)
	if err != nil {
		return nil, fmt.Errorf("collection: build segment checksum: %w", err)
	}
	h.Write(chunk)
	return h.Sum(nil), nil
}

// encodeSegment renders one chunk's stored value: the chunk's
// blake2b-128 checksum followed by the chunk itself.
func encodeSegment(chunk []byte) ([]byte, error) {
	sum, err := segmentChecksum(chunk)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(sum)+len(chunk))
	out = append(out, sum...)
	out = append(out, chunk...)
	return out, nil
}

// decodeSegment splits a stored segment value back into its chunk,
// verifying the leading checksum matches before returning it.
func decodeSegment(stored []byte) ([]byte, error) {
	if len(stored) < segmentChecksumSize {
		return nil, fmt.Errorf("collection: segment value shorter than checksum prefix")
	}
	wantSum, chunk := stored[:segmentChecksumSize], stored[segmentChecksumSize:]
	gotSum, err := segmentChecksum(chunk)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(wantSum, gotSum) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return chunk, nil
}

func (c *Collection[T]) segmentLimit() int64 {
	limit := c.store.Limits().Uint8ArrayLengthLimit
	if limit <= 0 {
		limit = 65536
	}
	return int64(limit)
}

func (c *Collection[T]) chunk(payload []byte) [][]byte {
	limit := c.segmentLimit()
	if int64(len(payload)) <= limit {
		return [][]byte{payload}
	}
	var chunks [][]byte
	for int64(len(payload)) > limit {
		chunks = append(chunks, payload[:limit])
		payload = payload[limit:]
	}
	chunks = append(chunks, payload)
	return chunks
}

// encodeValue serializes (and, if the collection has a compressor,
// compresses) value into its on-wire payload.
func (c *Collection[T]) encodeValue(value T) ([]byte, error) {
	if c.encoder != nil {
		return c.encoder.Encode(value)
	}
	return json.Marshal(value)
}

func (c *Collection[T]) decodeValue(payload []byte) (T, error) {
	var v T
	if c.encoder != nil {
		if err := c.encoder.Decode(payload, &v); err != nil {
			return v, kvdexerr.CorruptedDocumentf("decode value: %v", err)
		}
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, kvdexerr.CorruptedDocumentf("unmarshal value: %v", err)
	}
	return v, nil
}

// preparedWrite is everything setDoc needs to stage as atomic
// mutations for one document write: the id-key bytes, and, when the
// collection is segmented, the parallel segment writes.
type preparedWrite struct {
	idKeyValue []byte
	segments   map[int64][]byte // segIdx -> checksum||chunk, only when encoder != nil
}

func (c *Collection[T]) prepareWrite(value T) (preparedWrite, error) {
	payload, err := c.encodeValue(value)
	if err != nil {
		return preparedWrite{}, fmt.Errorf("collection: encode value: %w", err)
	}
	if c.encoder == nil {
		return preparedWrite{idKeyValue: payload}, nil
	}
	chunks := c.chunk(payload)
	env := idEnvelope{IsUint8Array: true, IDs: make([]int64, len(chunks))}
	segments := make(map[int64][]byte, len(chunks))
	for i, ch := range chunks {
		env.IDs[i] = int64(i)
		stored, err := encodeSegment(ch)
		if err != nil {
			return preparedWrite{}, fmt.Errorf("collection: checksum segment %d: %w", i, err)
		}
		segments[int64(i)] = stored
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return preparedWrite{}, fmt.Errorf("collection: marshal id envelope: %w", err)
	}
	return preparedWrite{idKeyValue: envBytes, segments: segments}, nil
}

// readValue reconstructs T from the bytes stored at an __id__ key,
// following segment references when the collection is encoded (spec
// §4.5's reconstruction invariant).
func (c *Collection[T]) readValue(ctx context.Context, id keys.Part, idKeyBytes []byte) (T, error) {
	var zero T
	if c.encoder == nil {
		return c.decodeValue(idKeyBytes)
	}

	var env idEnvelope
	if err := json.Unmarshal(idKeyBytes, &env); err != nil {
		return zero, kvdexerr.CorruptedDocumentf("unmarshal id envelope for %v: %v", id, err)
	}
	payload, err := c.readSegments(ctx, id, env.IDs)
	if err != nil {
		return zero, err
	}
	return c.decodeValue(payload)
}

func (c *Collection[T]) readSegments(ctx context.Context, id keys.Part, segIDs []int64) ([]byte, error) {
	segKeys := make([]keys.Key, len(segIDs))
	for i, segIdx := range segIDs {
		segKeys[i] = c.segmentKey(id, segIdx)
	}

	limit := c.store.Limits().GetManyKeyLimit
	if limit <= 0 {
		limit = len(segKeys)
	}
	if limit == 0 {
		limit = 1
	}

	var out []byte
	for start := 0; start < len(segKeys); start += limit {
		end := start + limit
		if end > len(segKeys) {
			end = len(segKeys)
		}
		entries, err := c.store.GetMany(ctx, segKeys[start:end], kv.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("collection: read segments for %v: %w", id, err)
		}
		for i, e := range entries {
			if !e.Found() {
				return nil, kvdexerr.CorruptedDocumentf("missing segment %d for document %v", start+i, id)
			}
			chunk, err := decodeSegment(e.Value)
			if err != nil {
				return nil, kvdexerr.CorruptedDocumentf("segment %d for document %v: %v", start+i, id, err)
			}
			out = append(out, chunk...)
		}
	}
	return out, nil
}
