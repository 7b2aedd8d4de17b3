package collection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvdexhq/kvdex/kvdexerr"
)

func TestForEachRunsCallbackOnEveryDocumentDespiteFailures(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	for _, u := range []user{{Username: "a", Age: 1}, {Username: "b", Age: 2}, {Username: "c", Age: 3}} {
		res, err := c.Add(ctx, u, WriteOptions{})
		require.NoError(t, err)
		require.True(t, res.OK)
	}

	var seen []string
	failFor := "b"
	err := c.ForEach(ctx, QueryOptions[user]{}, func(doc Document[user]) error {
		seen = append(seen, doc.Value.Username)
		if doc.Value.Username == failFor {
			return errors.New("boom")
		}
		return nil
	})

	require.Error(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen, "every collected document's callback must run")
	assert.True(t, kvdexerr.Is(err, kvdexerr.AggregateOperationErrors))
}

func TestForEachAggregatesAllCallbackFailures(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	for _, u := range []user{{Username: "a", Age: 1}, {Username: "b", Age: 2}} {
		res, err := c.Add(ctx, u, WriteOptions{})
		require.NoError(t, err)
		require.True(t, res.OK)
	}

	err := c.ForEach(ctx, QueryOptions[user]{}, func(doc Document[user]) error {
		return errors.New("bad: " + doc.Value.Username)
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 document callback(s) failed")
}

func TestForEachReturnsNilWhenNoCallbackFails(t *testing.T) {
	c := newUsersCollection(t, false)
	ctx := context.Background()

	res, err := c.Add(ctx, user{Username: "a", Age: 1}, WriteOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)

	count := 0
	err = c.ForEach(ctx, QueryOptions[user]{}, func(Document[user]) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
