package shard

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadIndexMissingFile(t *testing.T) {
	ix := LoadIndex(filepath.Join(t.TempDir(), "shard_index.json"), zap.NewNop())
	assert.Equal(t, 0, ix.Len())
}

func TestLoadIndexCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard_index.json")
	require.NoError(t, os.WriteFile(path, []byte("not json{"), 0600))

	ix := LoadIndex(path, zap.NewNop())
	assert.Equal(t, 0, ix.Len())

	// A corrupt index degrades to empty but must still be writable.
	require.NoError(t, ix.Put("page-1", filepath.Join(t.TempDir(), "changelog_2026_08.db")))
	assert.Equal(t, 1, ix.Len())
}

func TestIndexPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_index.json")
	shardPath := filepath.Join(dir, "changelog_2026_08.db")

	ix := LoadIndex(path, zap.NewNop())
	require.NoError(t, ix.Put("page-1", shardPath))

	got, ok := ix.Get("page-1")
	require.True(t, ok)
	assert.Equal(t, shardPath, got)

	_, ok = ix.Get("page-unknown")
	assert.False(t, ok)

	// Reload from disk and see the same mapping.
	reloaded := LoadIndex(path, zap.NewNop())
	got, ok = reloaded.Get("page-1")
	require.True(t, ok)
	assert.Equal(t, shardPath, got)
}

func TestIndexPutNormalizesPath(t *testing.T) {
	dir := t.TempDir()
	ix := LoadIndex(filepath.Join(dir, "shard_index.json"), zap.NewNop())

	messy := filepath.Join(dir, "sub", "..", "changelog_2026_08.db")
	clean := filepath.Join(dir, "changelog_2026_08.db")
	require.NoError(t, ix.Put("page-1", messy))

	got, ok := ix.Get("page-1")
	require.True(t, ok)
	assert.Equal(t, clean, got)
}

func TestIndexPutUnchangedSkipsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_index.json")
	shardPath := filepath.Join(dir, "changelog_2026_08.db")

	ix := LoadIndex(path, zap.NewNop())
	require.NoError(t, ix.Put("page-1", shardPath))

	// Deleting the file exposes whether the second Put rewrites it.
	require.NoError(t, os.Remove(path))
	require.NoError(t, ix.Put("page-1", shardPath))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// A rebinding Put does write.
	require.NoError(t, ix.Put("page-1", filepath.Join(dir, "changelog_2026_09.db")))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestIndexRebindLastWriterWins(t *testing.T) {
	dir := t.TempDir()
	ix := LoadIndex(filepath.Join(dir, "shard_index.json"), zap.NewNop())

	first := filepath.Join(dir, "changelog_2026_08.db")
	second := filepath.Join(dir, "changelog_2026_09.db")
	require.NoError(t, ix.Put("page-1", first))
	require.NoError(t, ix.Put("page-1", second))

	got, ok := ix.Get("page-1")
	require.True(t, ok)
	assert.Equal(t, second, got)
	assert.Equal(t, 1, ix.Len())
}

func TestIndexRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_index.json")
	ix := LoadIndex(path, zap.NewNop())

	require.NoError(t, ix.Put("page-1", filepath.Join(dir, "changelog_2026_08.db")))
	require.NoError(t, ix.Remove("page-1"))
	_, ok := ix.Get("page-1")
	assert.False(t, ok)

	// Removing an unknown key is a no-op.
	require.NoError(t, ix.Remove("page-unknown"))

	reloaded := LoadIndex(path, zap.NewNop())
	assert.Equal(t, 0, reloaded.Len())
}

func TestIndexPagesInAndShards(t *testing.T) {
	dir := t.TempDir()
	ix := LoadIndex(filepath.Join(dir, "shard_index.json"), zap.NewNop())

	aug := filepath.Join(dir, "changelog_2026_08.db")
	sep := filepath.Join(dir, "changelog_2026_09.db")
	require.NoError(t, ix.Put("page-1", aug))
	require.NoError(t, ix.Put("page-2", aug))
	require.NoError(t, ix.Put("page-3", sep))

	assert.ElementsMatch(t, []string{"page-1", "page-2"}, ix.PagesIn(aug))
	assert.ElementsMatch(t, []string{"page-3"}, ix.PagesIn(sep))
	assert.Empty(t, ix.PagesIn(filepath.Join(dir, "changelog_2026_10.db")))
	assert.Equal(t, []string{aug, sep}, ix.Shards())
}

func TestIndexStageIsMemoryOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_index.json")
	shardPath := filepath.Join(dir, "changelog_2026_08.db")

	ix := LoadIndex(path, zap.NewNop())
	ix.Stage("page-1", shardPath)
	_, ok := ix.Get("page-1")
	assert.True(t, ok)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, ix.Save())
	reloaded := LoadIndex(path, zap.NewNop())
	assert.Equal(t, 1, reloaded.Len())
}

func TestIndexSaveIsWellFormedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_index.json")
	ix := LoadIndex(path, zap.NewNop())
	require.NoError(t, ix.Put("page-1", filepath.Join(dir, "changelog_2026_08.db")))

	data, err := os.ReadFile(path) //nolint:gosec // G304 - test temp dir
	require.NoError(t, err)
	var m map[string]string
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Len(t, m, 1)

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
