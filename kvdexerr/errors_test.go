package kvdexerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateErrorsReturnsNilForNoFailures(t *testing.T) {
	assert.Nil(t, AggregateErrors(nil))
	assert.Nil(t, AggregateErrors([]error{nil, nil}))
}

func TestAggregateErrorsBatchesEveryFailure(t *testing.T) {
	errs := []error{errors.New("one"), nil, errors.New("two")}
	agg := AggregateErrors(errs)
	require.NotNil(t, agg)
	assert.Equal(t, AggregateOperationErrors, agg.Kind)
	assert.Contains(t, agg.Error(), "one")
	assert.Contains(t, agg.Error(), "two")
	assert.True(t, Is(agg, AggregateOperationErrors))
}
