package collection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdexhq/kvdex/encoding"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kv/memory"
)

func TestEncodeSegmentPrefixesChecksum(t *testing.T) {
	chunk := []byte("hello world")
	stored, err := encodeSegment(chunk)
	require.NoError(t, err)
	require.Len(t, stored, segmentChecksumSize+len(chunk))

	got, err := decodeSegment(stored)
	require.NoError(t, err)
	assert.Equal(t, chunk, got)
}

func TestDecodeSegmentRejectsFlippedByteInChunk(t *testing.T) {
	stored, err := encodeSegment([]byte("payload"))
	require.NoError(t, err)

	corrupted := append([]byte(nil), stored...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err = decodeSegment(corrupted)
	assert.Error(t, err)
}

func TestDecodeSegmentRejectsFlippedByteInChecksum(t *testing.T) {
	stored, err := encodeSegment([]byte("payload"))
	require.NoError(t, err)

	corrupted := append([]byte(nil), stored...)
	corrupted[0] ^= 0xFF

	_, err = decodeSegment(corrupted)
	assert.Error(t, err)
}

func TestDecodeSegmentRejectsTooShortValue(t *testing.T) {
	_, err := decodeSegment([]byte("short"))
	assert.Error(t, err)
}

func TestFlippedSegmentByteSurfacesCorruptedDocumentOnFind(t *testing.T) {
	limits := kv.DefaultLimits()
	limits.Uint8ArrayLengthLimit = 64
	store := memory.New(limits, nil)
	defer store.Close()

	c := New[blob](store, keys.Key{"blobs"}, Options[blob]{
		Encoder: &encoding.Encoder{Serializer: encoding.JSONSerializer{}, Compressor: encoding.NewZstdCompressor()},
	})

	big := make([]byte, 500)
	for i := range big {
		big[i] = byte('A' + i%26)
	}
	ctx := context.Background()
	res, err := c.Set(ctx, "k", blob{Data: string(big)}, WriteOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)

	segKey := c.segmentKey(keys.Part("k"), 0)
	entry, err := store.Get(ctx, segKey, kv.GetOptions{})
	require.NoError(t, err)
	require.True(t, entry.Found())

	corrupted := append([]byte(nil), entry.Value...)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, err = store.Set(ctx, segKey, corrupted, kv.SetOptions{})
	require.NoError(t, err)

	_, err = c.Find(ctx, "k")
	require.Error(t, err)
}
