package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRequiresOut(t *testing.T) {
	err := run(context.Background(), []string{"-backend=memory"})
	assert.Error(t, err)
}

func TestRunWritesEmptyMemoryStoreToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "dump.ndjson")
	err := run(context.Background(), []string{"-backend=memory", "-out=" + out})
	require.NoError(t, err)

	_, err = os.Stat(out)
	assert.NoError(t, err)
}

func TestRunWritesCompressedFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "dump.zst")
	err := run(context.Background(), []string{"-backend=memory", "-out=" + out, "-compress"})
	require.NoError(t, err)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.NotNil(t, info)
}
