package atomicwrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kv/memory"
)

func TestCommitSingleBatch(t *testing.T) {
	store := memory.New(kv.DefaultLimits(), nil)
	defer store.Close()

	w := New(store)
	w.Set(keys.Key{"a"}, []byte("1"), kv.SetOptions{}).
		Set(keys.Key{"b"}, []byte("2"), kv.SetOptions{})

	res, err := w.Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)

	e, err := store.Get(context.Background(), keys.Key{"a"}, kv.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), e.Value)
}

func TestCommitSplitsAcrossMutationLimit(t *testing.T) {
	limits := kv.DefaultLimits()
	limits.AtomicOperationMutationLimit = 2
	store := memory.New(limits, nil)
	defer store.Close()

	w := New(store)
	for i := 0; i < 5; i++ {
		w.Set(keys.Key{"items", int64(i)}, []byte("v"), kv.SetOptions{})
	}
	assert.Equal(t, 5, w.Len())

	res, err := w.Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)

	for i := 0; i < 5; i++ {
		e, err := store.Get(context.Background(), keys.Key{"items", int64(i)}, kv.GetOptions{})
		require.NoError(t, err)
		assert.True(t, e.Found())
	}
}

func TestKeyExceedingSizeLimitFailsFast(t *testing.T) {
	limits := kv.DefaultLimits()
	limits.AtomicOperationKeySizeLimit = 4
	store := memory.New(limits, nil)
	defer store.Close()

	w := New(store)
	w.Set(keys.Key{"a-rather-long-key-part"}, []byte("v"), kv.SetOptions{})

	_, err := w.Commit(context.Background())
	assert.Error(t, err)
}
