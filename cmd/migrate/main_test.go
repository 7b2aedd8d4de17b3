package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunRequiresFromAndTo(t *testing.T) {
	err := run(context.Background(), []string{"-from=memory"})
	assert.Error(t, err)

	err = run(context.Background(), []string{"-to=memory"})
	assert.Error(t, err)
}

func TestRunCopiesMemoryToMemory(t *testing.T) {
	err := run(context.Background(), []string{"-from=memory", "-to=memory"})
	assert.NoError(t, err)
}

func TestRunRejectsUnknownBackend(t *testing.T) {
	err := run(context.Background(), []string{"-from=bogus", "-to=memory"})
	assert.Error(t, err)
}
