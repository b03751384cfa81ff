package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	require.NoError(t, SetupLogger(Options{Path: path, Format: "json", Debug: true}))
	DebugLog("pair %s done", "a-b")
	LogWarning("batch shrunk to %d", 4)
	LogImageProcessed("x.jpg", false, os.ErrNotExist)
	CloseLogger()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `"msg":"pair a-b done"`)
	assert.Contains(t, content, `"msg":"batch shrunk to 4"`)
	assert.Contains(t, content, `"image":"x.jpg"`)
	assert.Contains(t, content, "scenefinder log closed")
}

func TestSetupLogger_Idempotent(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	require.NoError(t, SetupLogger(Options{Path: first}))
	require.NoError(t, SetupLogger(Options{Path: second}))
	LogInfo("hello")
	CloseLogger()

	_, err := os.Stat(second)
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.log")

	require.NoError(t, SetupLogger(Options{Path: path}))
	DebugLog("hidden")
	LogError("shown")
	CloseLogger()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}
