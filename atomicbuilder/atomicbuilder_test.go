package atomicbuilder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdexhq/kvdex/atomicbuilder"
	"github.com/kvdexhq/kvdex/collection"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kv/memory"
)

type account struct {
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
}

type ledgerEntry struct {
	Note string `json:"note"`
}

func newStore(t *testing.T) kv.Store {
	t.Helper()
	s := memory.New(kv.DefaultLimits(), nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommitWritesAcrossTwoCollections(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	accounts := collection.New[account](store, keys.Key{"accounts"}, collection.Options[account]{
		Indices: []collection.IndexDef[account]{
			{Name: "owner", Kind: collection.IndexPrimary, Value: func(a account) (keys.Part, bool) { return a.Owner, true }},
		},
	})
	ledger := collection.New[ledgerEntry](store, keys.Key{"ledger"}, collection.Options[ledgerEntry]{})

	b := atomicbuilder.New(store)
	b = atomicbuilder.Set(b, accounts, keys.Part("acc-1"), account{Owner: "alice", Balance: 100})
	b = atomicbuilder.Add(b, ledger, ledgerEntry{Note: "open account"})

	res, err := b.Commit(ctx)
	require.NoError(t, err)
	require.True(t, res.OK)

	doc, err := accounts.Find(ctx, keys.Part("acc-1"))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "alice", doc.Value.Owner)

	n, err := ledger.Count(ctx, collection.QueryOptions[ledgerEntry]{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCommitRejectsAddDeleteCollisionOnSameCollection(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	accounts := collection.New[account](store, keys.Key{"accounts"}, collection.Options[account]{
		Indices: []collection.IndexDef[account]{
			{Name: "owner", Kind: collection.IndexPrimary, Value: func(a account) (keys.Part, bool) { return a.Owner, true }},
		},
	})

	res, err := accounts.Set(ctx, keys.Part("acc-1"), account{Owner: "bob", Balance: 5}, collection.WriteOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)

	b := atomicbuilder.New(store)
	b = atomicbuilder.Set(b, accounts, keys.Part("acc-2"), account{Owner: "carol", Balance: 0})
	b = atomicbuilder.Delete(b, accounts, keys.Part("acc-1"))

	res, err = b.Commit(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)

	doc, err := accounts.Find(ctx, keys.Part("acc-1"))
	require.NoError(t, err)
	require.NotNil(t, doc, "rejected commit must not have deleted the document")
}

func TestCommitDeleteCleansUpIndexEntry(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	accounts := collection.New[account](store, keys.Key{"accounts"}, collection.Options[account]{
		Indices: []collection.IndexDef[account]{
			{Name: "owner", Kind: collection.IndexPrimary, Value: func(a account) (keys.Part, bool) { return a.Owner, true }},
		},
	})

	res, err := accounts.Set(ctx, keys.Part("acc-1"), account{Owner: "dave", Balance: 5}, collection.WriteOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)

	b := atomicbuilder.New(store)
	b = atomicbuilder.Delete(b, accounts, keys.Part("acc-1"))
	commitRes, err := b.Commit(ctx)
	require.NoError(t, err)
	require.True(t, commitRes.OK)

	doc, err := accounts.Find(ctx, keys.Part("acc-1"))
	require.NoError(t, err)
	assert.Nil(t, doc)

	byPrimary, err := accounts.FindByPrimaryIndex(ctx, "owner", "dave")
	require.NoError(t, err)
	assert.Nil(t, byPrimary, "deleting via the builder must also clean up the primary index entry")
}
