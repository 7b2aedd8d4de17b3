package dexutil

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kv/memory"
)

func seedStore(t *testing.T, s kv.Store, entries map[string][]byte) {
	t.Helper()
	ctx := context.Background()
	for k, v := range entries {
		_, err := s.Set(ctx, keys.Key{"users", k}, v, kv.SetOptions{})
		require.NoError(t, err)
	}
}

func TestDumpStoreWritesOneRecordPerEntry(t *testing.T) {
	ctx := context.Background()
	s := memory.New(kv.DefaultLimits(), nil)
	seedStore(t, s, map[string][]byte{"alice": []byte("a"), "bob": []byte("b")})

	var buf bytes.Buffer
	n, err := DumpStore(ctx, s, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestLoadStoreRoundTripsThroughDumpStore(t *testing.T) {
	ctx := context.Background()
	src := memory.New(kv.DefaultLimits(), nil)
	seedStore(t, src, map[string][]byte{"alice": []byte("a"), "bob": []byte("b")})

	var buf bytes.Buffer
	_, err := DumpStore(ctx, src, &buf)
	require.NoError(t, err)

	dst := memory.New(kv.DefaultLimits(), nil)
	n, err := LoadStore(ctx, dst, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e, err := dst.Get(ctx, keys.Key{"users", "alice"}, kv.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), e.Value)
}

func TestCopyStoreTransfersEveryEntry(t *testing.T) {
	ctx := context.Background()
	src := memory.New(kv.DefaultLimits(), nil)
	seedStore(t, src, map[string][]byte{"alice": []byte("a"), "bob": []byte("b"), "carl": []byte("c")})

	dst := memory.New(kv.DefaultLimits(), nil)
	n, err := CopyStore(ctx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"alice", "bob", "carl"} {
		e, err := dst.Get(ctx, keys.Key{"users", id}, kv.GetOptions{})
		require.NoError(t, err)
		assert.True(t, e.Found())
	}
}

func TestLoadStoreRejectsMalformedLine(t *testing.T) {
	ctx := context.Background()
	dst := memory.New(kv.DefaultLimits(), nil)

	_, err := LoadStore(ctx, dst, bytes.NewReader([]byte("not json\n")))
	assert.Error(t, err)
}
