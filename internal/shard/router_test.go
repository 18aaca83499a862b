package shard

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore creates shards as plain files so tests control sizes exactly,
// and serves canned page ID scans for rebuild tests.
type fakeStore struct {
	pages    map[string][]string
	scanErrs map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{pages: make(map[string][]string), scanErrs: make(map[string]error)}
}

func (s *fakeStore) CreateIfAbsent(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, nil, 0600)
}

func (s *fakeStore) ScanPageIDs(path string) ([]string, error) {
	if err := s.scanErrs[path]; err != nil {
		return nil, err
	}
	return s.pages[path], nil
}

func appendBytes(t *testing.T, path string, n int) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600) //nolint:gosec // G304 - test temp dir
	require.NoError(t, err)
	_, err = f.Write(make([]byte, n))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func newTestRouter(t *testing.T, limit int64) (*Router, *fakeStore, string) {
	t.Helper()
	dir := t.TempDir()
	store := newFakeStore()
	ix := LoadIndex(filepath.Join(dir, "shard_index.json"), zap.NewNop())
	return NewRouter(dir, limit, store, ix, zap.NewNop()), store, dir
}

func TestRouterInitializeEmptyDirCreatesShard(t *testing.T) {
	r, _, dir := newTestRouter(t, 100)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Initialize(now))
	assert.Equal(t, filepath.Join(dir, "changelog_2026_08.db"), r.CurrentShard())
	_, err := os.Stat(r.CurrentShard())
	assert.NoError(t, err)
}

func TestRouterInitializeBindsMostRecent(t *testing.T) {
	r, store, dir := newTestRouter(t, 100)

	old := filepath.Join(dir, "changelog_2026_07.db")
	recent := filepath.Join(dir, "changelog_2026_08.db")
	require.NoError(t, store.CreateIfAbsent(old))
	require.NoError(t, store.CreateIfAbsent(recent))
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, base, base))
	require.NoError(t, os.Chtimes(recent, base.Add(time.Minute), base.Add(time.Minute)))

	require.NoError(t, r.Initialize(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, recent, r.CurrentShard())
}

func TestRouterInitializeRotatesWhenRecentShardFull(t *testing.T) {
	r, store, dir := newTestRouter(t, 100)

	full := filepath.Join(dir, "changelog_2026_08.db")
	require.NoError(t, store.CreateIfAbsent(full))
	appendBytes(t, full, 150)

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.Initialize(now))
	assert.Equal(t, filepath.Join(dir, "changelog_2026_08_002.db"), r.CurrentShard())
}

func TestRouterWriteTargetRotation(t *testing.T) {
	r, _, dir := newTestRouter(t, 100)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	// Five 34-byte writes against a 100-byte cap: the first three land in
	// the initial shard (102 bytes, the cap is checked before the write,
	// not after), the last two in the rotated one.
	counts := make(map[string]int)
	for i := 0; i < 5; i++ {
		target, err := r.WriteTarget(now)
		require.NoError(t, err)
		appendBytes(t, target, 34)
		counts[target]++
	}

	first := filepath.Join(dir, "changelog_2026_08.db")
	second := filepath.Join(dir, "changelog_2026_08_002.db")
	assert.Equal(t, map[string]int{first: 3, second: 2}, counts)

	// The old shard is never selected again.
	target, err := r.WriteTarget(now)
	require.NoError(t, err)
	assert.Equal(t, second, target)
}

func TestRouterWriteTargetLazyInitialize(t *testing.T) {
	r, _, dir := newTestRouter(t, 100)
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	target, err := r.WriteTarget(now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "changelog_2026_08.db"), target)
}

func TestRouterRotationCrossesMonths(t *testing.T) {
	r, _, dir := newTestRouter(t, 100)

	aug := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	target, err := r.WriteTarget(aug)
	require.NoError(t, err)
	appendBytes(t, target, 120)

	sep := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	target, err = r.WriteTarget(sep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "changelog_2026_09.db"), target)
}

func TestRouterReadTargets(t *testing.T) {
	r, store, dir := newTestRouter(t, 100)

	aug := filepath.Join(dir, "changelog_2026_08.db")
	sep := filepath.Join(dir, "changelog_2026_09.db")
	require.NoError(t, store.CreateIfAbsent(aug))
	require.NoError(t, store.CreateIfAbsent(sep))
	require.NoError(t, r.Index().Put("page-1", aug))

	// Indexed page resolves to a single shard.
	targets, err := r.ReadTargets("page-1")
	require.NoError(t, err)
	assert.Equal(t, []string{aug}, targets)

	// Unknown page falls back to all shards.
	targets, err = r.ReadTargets("page-unknown")
	require.NoError(t, err)
	assert.Equal(t, []string{aug, sep}, targets)
}

func TestRouterReadTargetsStaleIndexFallsBack(t *testing.T) {
	r, store, dir := newTestRouter(t, 100)

	aug := filepath.Join(dir, "changelog_2026_08.db")
	require.NoError(t, store.CreateIfAbsent(aug))
	require.NoError(t, r.Index().Put("page-1", filepath.Join(dir, "changelog_2020_01.db")))

	targets, err := r.ReadTargets("page-1")
	require.NoError(t, err)
	assert.Equal(t, []string{aug}, targets)
}

func TestRouterRebuildIndex(t *testing.T) {
	r, store, dir := newTestRouter(t, 100)

	aug := filepath.Join(dir, "changelog_2026_08.db")
	sep := filepath.Join(dir, "changelog_2026_09.db")
	require.NoError(t, store.CreateIfAbsent(aug))
	require.NoError(t, store.CreateIfAbsent(sep))
	store.pages[aug] = []string{"page-1", "page-2"}
	store.pages[sep] = []string{"page-3"}

	// Pre-seed a stale mapping that the rebuild must drop.
	require.NoError(t, r.Index().Put("page-gone", aug))

	require.NoError(t, r.RebuildIndex())
	assert.Equal(t, 3, r.Index().Len())
	got, ok := r.Index().Get("page-3")
	require.True(t, ok)
	assert.Equal(t, sep, got)
	_, ok = r.Index().Get("page-gone")
	assert.False(t, ok)

	// Rebuilt state is persisted.
	reloaded := LoadIndex(filepath.Join(dir, "shard_index.json"), zap.NewNop())
	assert.Equal(t, 3, reloaded.Len())
}

func TestRouterRebuildIndexSkipsUnreadableShard(t *testing.T) {
	r, store, dir := newTestRouter(t, 100)

	aug := filepath.Join(dir, "changelog_2026_08.db")
	sep := filepath.Join(dir, "changelog_2026_09.db")
	require.NoError(t, store.CreateIfAbsent(aug))
	require.NoError(t, store.CreateIfAbsent(sep))
	store.pages[sep] = []string{"page-3"}
	store.scanErrs[aug] = errors.New("file is not a database")

	require.NoError(t, r.RebuildIndex())
	assert.Equal(t, 1, r.Index().Len())
	_, ok := r.Index().Get("page-3")
	assert.True(t, ok)
}
