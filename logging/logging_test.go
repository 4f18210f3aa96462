package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "punch.log")

	logger, cleanup, err := New(Options{Level: "info", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("punches added")
	logger.Debug("below level")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"punches added"`)
	assert.NotContains(t, string(data), "below level")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}
