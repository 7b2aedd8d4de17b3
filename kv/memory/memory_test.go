package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(kv.DefaultLimits(), nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := keys.Key{"users", int64(1)}

	res, err := s.Set(ctx, k, []byte("alice"), kv.SetOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.Versionstamp)

	e, err := s.Get(ctx, k, kv.GetOptions{})
	require.NoError(t, err)
	assert.True(t, e.Found())
	assert.Equal(t, []byte("alice"), e.Value)
	assert.Equal(t, res.Versionstamp, e.Versionstamp)
}

func TestGetMissingKeyNotFound(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Get(context.Background(), keys.Key{"nope"}, kv.GetOptions{})
	require.NoError(t, err)
	assert.False(t, e.Found())
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := keys.Key{"users", int64(1)}
	_, err := s.Set(ctx, k, []byte("alice"), kv.SetOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, k))

	e, err := s.Get(ctx, k, kv.GetOptions{})
	require.NoError(t, err)
	assert.False(t, e.Found())
}

func TestListByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		_, err := s.Set(ctx, keys.Key{"users", i}, []byte("v"), kv.SetOptions{})
		require.NoError(t, err)
	}
	_, err := s.Set(ctx, keys.Key{"sessions", int64(0)}, []byte("v"), kv.SetOptions{})
	require.NoError(t, err)

	it, err := s.List(ctx, kv.Selector{Prefix: keys.Key{"users"}}, kv.ListOptions{})
	require.NoError(t, err)

	var got []keys.Key
	for {
		e, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, e.Key)
	}
	assert.Len(t, got, 5)
}

func TestListWithLimitAndCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := int64(0); i < 10; i++ {
		_, err := s.Set(ctx, keys.Key{"items", i}, []byte("v"), kv.SetOptions{})
		require.NoError(t, err)
	}

	it, err := s.List(ctx, kv.Selector{Prefix: keys.Key{"items"}}, kv.ListOptions{Limit: 3})
	require.NoError(t, err)
	var first []int64
	for {
		e, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		first = append(first, e.Key[1].(int64))
	}
	require.Len(t, first, 3)
	cursor := it.Cursor()
	require.NotEmpty(t, cursor)

	it2, err := s.List(ctx, kv.Selector{Prefix: keys.Key{"items"}}, kv.ListOptions{Cursor: cursor})
	require.NoError(t, err)
	var rest []int64
	for {
		e, ok, err := it2.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		rest = append(rest, e.Key[1].(int64))
	}
	assert.Len(t, rest, 7)
	assert.Equal(t, []int64{0, 1, 2}, first)
	assert.Equal(t, []int64{3, 4, 5, 6, 7, 8, 9}, rest)
}

func TestAtomicCheckFailsOnVersionstampMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := keys.Key{"counters", "a"}
	set1, err := s.Set(ctx, k, encodeInt64(1), kv.SetOptions{})
	require.NoError(t, err)

	_, err = s.Set(ctx, k, encodeInt64(2), kv.SetOptions{})
	require.NoError(t, err)

	res, err := s.Atomic().
		Check(k, set1.Versionstamp).
		Set(k, encodeInt64(99), kv.SetOptions{}).
		Commit(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)

	e, err := s.Get(ctx, k, kv.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), decodeInt64(e.Value))
}

func TestAtomicSumMinMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := keys.Key{"counters", "b"}

	res, err := s.Atomic().Sum(k, 5).Commit(ctx)
	require.NoError(t, err)
	require.True(t, res.OK)

	_, err = s.Atomic().Sum(k, 3).Commit(ctx)
	require.NoError(t, err)
	e, _ := s.Get(ctx, k, kv.GetOptions{})
	assert.Equal(t, int64(8), decodeInt64(e.Value))

	_, err = s.Atomic().Min(k, 2).Commit(ctx)
	require.NoError(t, err)
	e, _ = s.Get(ctx, k, kv.GetOptions{})
	assert.Equal(t, int64(2), decodeInt64(e.Value))

	_, err = s.Atomic().Max(k, 100).Commit(ctx)
	require.NoError(t, err)
	e, _ = s.Get(ctx, k, kv.GetOptions{})
	assert.Equal(t, int64(100), decodeInt64(e.Value))
}

func TestWatchEmitsOnChange(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	k := keys.Key{"watched", int64(1)}

	stream, err := s.Watch(ctx, []keys.Key{k}, kv.WatchOptions{})
	require.NoError(t, err)
	defer stream.Close()

	entries, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.False(t, entries[0].Found())

	_, err = s.Set(ctx, k, []byte("hello"), kv.SetOptions{})
	require.NoError(t, err)

	entries, err = stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), entries[0].Value)
}

func TestEnqueueDeliversToHandler(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan string, 1)
	go func() {
		_ = s.ListenQueue(ctx, func(ctx context.Context, msg kv.QueueMessage) error {
			received <- string(msg.Value)
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Enqueue(ctx, []byte("job-1"), kv.EnqueueOptions{}))

	select {
	case got := <-received:
		assert.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queue delivery")
	}
}

func TestEnqueueUndeliveredAfterBackoffExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	undeliveredKey := keys.Key{"undelivered", int64(1)}
	attempts := 0
	go func() {
		_ = s.ListenQueue(ctx, func(ctx context.Context, msg kv.QueueMessage) error {
			attempts++
			return assert.AnError
		})
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Enqueue(ctx, []byte("always-fails"), kv.EnqueueOptions{
		BackoffSchedule:   []time.Duration{10 * time.Millisecond, 10 * time.Millisecond},
		KeysIfUndelivered: []keys.Key{undeliveredKey},
	}))

	require.Eventually(t, func() bool {
		e, err := s.Get(ctx, undeliveredKey, kv.GetOptions{})
		return err == nil && e.Found()
	}, 2*time.Second, 10*time.Millisecond)

	e, err := s.Get(ctx, undeliveredKey, kv.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("always-fails"), e.Value)
	assert.GreaterOrEqual(t, attempts, 3)
}
