package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestRunRequiresIn(t *testing.T) {
	err := run(context.Background(), []string{"-backend=memory"})
	assert.Error(t, err)
}

func TestRunLoadsValidRecordFile(t *testing.T) {
	path := writeFile(t, `{"key":[{"t":"s","v":"users"},{"t":"s","v":"alice"}],"value":"YQ=="}`+"\n")
	err := run(context.Background(), []string{"-backend=memory", "-in=" + path})
	assert.NoError(t, err)
}

func TestRunRejectsMalformedFile(t *testing.T) {
	path := writeFile(t, "not json\n")
	err := run(context.Background(), []string{"-backend=memory", "-in=" + path})
	assert.Error(t, err)
}
