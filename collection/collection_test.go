package collection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdexhq/kvdex/encoding"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kv/memory"
)

type user struct {
	Username string `json:"username"`
	Age      int64  `json:"age"`
	Tags     []any  `json:"tags,omitempty"`
}

func newUsersCollection(t *testing.T, history bool) *Collection[user] {
	t.Helper()
	store := memory.New(kv.DefaultLimits(), nil)
	t.Cleanup(func() { _ = store.Close() })

	return New[user](store, keys.Key{"users"}, Options[user]{
		History: history,
		Indices: []IndexDef[user]{
			{Name: "username", Kind: IndexPrimary, Value: func(u user) (keys.Part, bool) { return u.Username, true }},
			{Name: "age", Kind: IndexSecondary, Value: func(u user) (keys.Part, bool) { return u.Age, true }},
		},
	})
}

func TestAddFindRoundTrip(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	res, err := c.Add(ctx, user{Username: "a", Age: 20}, WriteOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)

	doc, err := c.Find(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "a", doc.Value.Username)
	assert.Equal(t, int64(20), doc.Value.Age)
}

func TestPrimaryIndexCollisionRejected(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	res1, err := c.Add(ctx, user{Username: "a", Age: 20}, WriteOptions{})
	require.NoError(t, err)
	assert.True(t, res1.OK)

	res2, err := c.Add(ctx, user{Username: "a", Age: 21}, WriteOptions{})
	require.NoError(t, err)
	assert.False(t, res2.OK)

	n, err := c.Count(ctx, QueryOptions[user]{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindByPrimaryAndSecondaryIndex(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	_, err := c.Add(ctx, user{Username: "a", Age: 20}, WriteOptions{})
	require.NoError(t, err)

	byPrimary, err := c.FindByPrimaryIndex(ctx, "username", "a")
	require.NoError(t, err)
	require.NotNil(t, byPrimary)
	assert.Equal(t, int64(20), byPrimary.Value.Age)

	bySecondary, err := c.FindBySecondaryIndex(ctx, "age", int64(20), SecondaryIndexOptions{})
	require.NoError(t, err)
	require.Len(t, bySecondary.Result, 1)
	assert.Equal(t, "a", bySecondary.Result[0].Value.Username)
}

func TestUpdateMergeDefaultPreservesUnmentionedFields(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	res, err := c.Add(ctx, user{Username: "a", Age: 20, Tags: []any{"x"}}, WriteOptions{})
	require.NoError(t, err)

	updRes, err := c.Update(ctx, res.ID, map[string]any{"age": float64(99)}, UpdateOptions{})
	require.NoError(t, err)
	require.True(t, updRes.OK)

	doc, err := c.Find(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", doc.Value.Username)
	assert.Equal(t, int64(99), doc.Value.Age)
	assert.Equal(t, []any{"x"}, doc.Value.Tags)
}

func TestUpdateReplaceDropsUnmentionedFields(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	res, err := c.Add(ctx, user{Username: "a", Age: 20, Tags: []any{"x"}}, WriteOptions{})
	require.NoError(t, err)

	_, err = c.Update(ctx, res.ID, map[string]any{"username": "a", "age": float64(99)}, UpdateOptions{Strategy: Replace})
	require.NoError(t, err)

	doc, err := c.Find(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(99), doc.Value.Age)
	assert.Nil(t, doc.Value.Tags)
}

func TestDeleteRemovesDocumentAndIndices(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	res, err := c.Add(ctx, user{Username: "a", Age: 20}, WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, res.ID))

	doc, err := c.Find(ctx, res.ID)
	require.NoError(t, err)
	assert.Nil(t, doc)

	byPrimary, err := c.FindByPrimaryIndex(ctx, "username", "a")
	require.NoError(t, err)
	assert.Nil(t, byPrimary)
}

func TestDeleteManyAllThenCountZero(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		_, err := c.Add(ctx, user{Username: "u", Age: i}, WriteOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, c.DeleteMany(ctx, QueryOptions[user]{}))

	n, err := c.Count(ctx, QueryOptions[user]{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFindHistoryRecordsWritesAndDeletes(t *testing.T) {
	c := newUsersCollection(t, true)
	ctx := context.Background()

	res, err := c.Set(ctx, "fixed-id", user{Username: "a", Age: 20}, WriteOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)

	_, err = c.Update(ctx, "fixed-id", map[string]any{"age": float64(21)}, UpdateOptions{})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, keys.Part("fixed-id")))

	entries, err := c.FindHistory(ctx, keys.Part("fixed-id"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "write", entries[0].Type)
	assert.Equal(t, "write", entries[1].Type)
	assert.Equal(t, "delete", entries[2].Type)
}

type blob struct {
	Data string `json:"data"`
}

func TestEncodedCollectionSegmentsAndRoundTrips(t *testing.T) {
	limits := kv.DefaultLimits()
	limits.Uint8ArrayLengthLimit = 64
	store := memory.New(limits, nil)
	defer store.Close()

	c := New[blob](store, keys.Key{"blobs"}, Options[blob]{
		Encoder: &encoding.Encoder{Serializer: encoding.JSONSerializer{}, Compressor: encoding.NewZstdCompressor()},
	})

	big := make([]byte, 2000)
	for i := range big {
		big[i] = byte('A' + i%26)
	}
	ctx := context.Background()
	res, err := c.Set(ctx, "k", blob{Data: string(big)}, WriteOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)

	doc, err := c.Find(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, string(big), doc.Value.Data)
}

func TestCorruptedSegmentSurfacesDecodeError(t *testing.T) {
	limits := kv.DefaultLimits()
	limits.Uint8ArrayLengthLimit = 64
	store := memory.New(limits, nil)
	defer store.Close()

	c := New[blob](store, keys.Key{"blobs"}, Options[blob]{
		Encoder: &encoding.Encoder{Serializer: encoding.JSONSerializer{}, Compressor: encoding.NewZstdCompressor()},
	})

	big := make([]byte, 2000)
	for i := range big {
		big[i] = byte('A' + i%26)
	}
	ctx := context.Background()
	res, err := c.Set(ctx, "k", blob{Data: string(big)}, WriteOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)

	_, err = store.Set(ctx, c.segmentKey(keys.Part("k"), 0), []byte("corrupted"), kv.SetOptions{})
	require.NoError(t, err)

	_, err = c.Find(ctx, "k")
	require.Error(t, err)
}

func TestGJSONIndexResolvesSchemalessDocuments(t *testing.T) {
	store := memory.New(kv.DefaultLimits(), nil)
	defer store.Close()

	c := New[json.RawMessage](store, keys.Key{"events"}, Options[json.RawMessage]{
		Indices: []IndexDef[json.RawMessage]{
			GJSONStringIndex("kind", IndexSecondary, "kind"),
		},
	})

	ctx := context.Background()
	raw := json.RawMessage(`{"kind":"click","target":"button"}`)
	_, err := c.Add(ctx, raw, WriteOptions{})
	require.NoError(t, err)

	found, err := c.FindBySecondaryIndex(ctx, "kind", "click", SecondaryIndexOptions{})
	require.NoError(t, err)
	require.Len(t, found.Result, 1)
	assert.JSONEq(t, string(raw), string(found.Result[0].Value))
}

func TestWatchEmitsOnDocumentChange(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := c.Watch(ctx, keys.Part("watched"), WatchOptions{})
	require.NoError(t, err)
	defer stream.Close()

	docs, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Nil(t, docs[0])

	_, err = c.Set(ctx, "watched", user{Username: "w", Age: 1}, WriteOptions{})
	require.NoError(t, err)

	docs, err = stream.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, docs[0])
	assert.Equal(t, "w", docs[0].Value.Username)
}
