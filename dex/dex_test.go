package dex_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdexhq/kvdex/collection"
	"github.com/kvdexhq/kvdex/dex"
	"github.com/kvdexhq/kvdex/keys"
	"github.com/kvdexhq/kvdex/kv"
	"github.com/kvdexhq/kvdex/kv/memory"
)

type widget struct {
	Name string `json:"name"`
}

func newDatabase(t *testing.T) *dex.Database {
	t.Helper()
	store := memory.New(kv.DefaultLimits(), nil)
	t.Cleanup(func() { _ = store.Close() })
	return dex.Open(store, nil)
}

func TestNewCollectionRegistersAndDispatches(t *testing.T) {
	db := newDatabase(t)
	ctx := context.Background()

	widgets := dex.NewCollection[widget](db, keys.Key{"widgets"}, collection.Options[widget]{})

	_, err := widgets.Add(ctx, widget{Name: "a"}, collection.WriteOptions{})
	require.NoError(t, err)
	_, err = widgets.Add(ctx, widget{Name: "b"}, collection.WriteOptions{})
	require.NoError(t, err)

	n, err := db.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.DeleteAll(ctx))
	n, err = db.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueueEnqueueReachesRegisteredHandler(t *testing.T) {
	db := newDatabase(t)
	ctx := context.Background()

	widgets := dex.NewCollection[widget](db, keys.Key{"widgets"}, collection.Options[widget]{})

	received := make(chan string, 1)
	require.NoError(t, widgets.ListenQueue(ctx, "", func(ctx context.Context, msg collection.QueueMessage) error {
		received <- string(msg.Data)
		return nil
	}))

	require.NoError(t, widgets.Enqueue(ctx, []byte(`"hello"`), collection.EnqueueOptions{}))

	select {
	case got := <-received:
		assert.Equal(t, `"hello"`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue delivery")
	}
}

func TestWipeRemovesEverything(t *testing.T) {
	db := newDatabase(t)
	ctx := context.Background()

	widgets := dex.NewCollection[widget](db, keys.Key{"widgets"}, collection.Options[widget]{
		Indices: []collection.IndexDef[widget]{
			{Name: "name", Kind: collection.IndexPrimary, Value: func(w widget) (keys.Part, bool) { return w.Name, true }},
		},
	})
	_, err := widgets.Add(ctx, widget{Name: "a"}, collection.WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, db.Wipe(ctx))

	n, err := db.CountAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	byPrimary, err := widgets.FindByPrimaryIndex(ctx, "name", "a")
	require.NoError(t, err)
	assert.Nil(t, byPrimary)
}

func TestSetIntervalStopsAfterThreeTicks(t *testing.T) {
	db := newDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ticks []int
	err := db.SetInterval(ctx, func(msg dex.TickMsg) error {
		ticks = append(ticks, msg.Count)
		return nil
	}, 100*time.Millisecond, dex.SchedulerOptions{
		StartDelay: time.Second,
		ExitOn:     func(msg dex.TickMsg) bool { return msg.Count >= 2 },
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ticks), 3)
}
