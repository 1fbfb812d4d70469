package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveToConversationDir_UsesGivenFileName(t *testing.T) {
	dir := t.TempDir()
	path, err := saveToConversationDir(dir, []byte("hello"), "image/png", "custom.png")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "custom.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestSaveToConversationDir_SynthesizesNameFromMimeType(t *testing.T) {
	dir := t.TempDir()
	path, err := saveToConversationDir(dir, []byte("world"), "image/webp", "")
	require.NoError(t, err)
	require.Equal(t, ".webp", filepath.Ext(path))
}

func TestSaveToConversationDir_UnknownMimeTypeFallsBackToPNGExtension(t *testing.T) {
	dir := t.TempDir()
	path, err := saveToConversationDir(dir, []byte("data"), "application/octet-stream", "")
	require.NoError(t, err)
	require.Equal(t, ".png", filepath.Ext(path))
}

func TestSaveToConversationDir_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "images")
	_, err := saveToConversationDir(dir, []byte("x"), "image/png", "a.png")
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
