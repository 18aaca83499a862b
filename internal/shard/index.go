// Package shard implements the sharded storage layer: a durable index
// mapping page IDs to shard files, a catalog discovering shards on disk,
// and a router that owns the current write shard and rotates it when the
// size cap is reached.
package shard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Index is the durable page_id → shard path mapping. It is the sole
// source of truth for key→shard resolution; shard contents are only
// re-derived during an explicit rebuild. The on-disk form is a flat JSON
// object, human-inspectable.
type Index struct {
	path  string
	log   *zap.Logger
	pages map[string]string
}

// LoadIndex reads the index file at path. A missing file starts an empty
// index; an unreadable or corrupt file is logged and also starts empty —
// availability over strict durability, the shards remain the durable
// source of truth and RebuildIndex restores coverage.
func LoadIndex(path string, log *zap.Logger) *Index {
	ix := &Index{
		path:  path,
		log:   log,
		pages: make(map[string]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304 - path derived from the data directory
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("failed to read shard index, starting empty", zap.Error(err))
		}
		return ix
	}

	if err := json.Unmarshal(data, &ix.pages); err != nil {
		log.Error("failed to parse shard index, starting empty",
			zap.String("path", path), zap.Error(err))
		ix.pages = make(map[string]string)
		return ix
	}

	log.Debug("loaded shard index", zap.Int("entries", len(ix.pages)))
	return ix
}

// Get returns the shard path recorded for pageID.
func (ix *Index) Get(pageID string) (string, bool) {
	p, ok := ix.pages[pageID]
	return p, ok
}

// Put records pageID as living in shardPath and persists write-through.
// A put matching the current mapping is a no-op and skips the disk write;
// a conflicting put silently rebinds (last writer wins).
func (ix *Index) Put(pageID, shardPath string) error {
	normalized := normalizePath(shardPath)
	if current, ok := ix.pages[pageID]; ok && current == normalized {
		return nil
	}
	ix.pages[pageID] = normalized
	return ix.Save()
}

// Stage records a mapping in memory only. Callers batching many mutations
// (rebuild, migration batches) stage and then Save once.
func (ix *Index) Stage(pageID, shardPath string) {
	ix.pages[pageID] = normalizePath(shardPath)
}

// Remove deletes the mapping for pageID and persists. Removing an unknown
// key is a no-op.
func (ix *Index) Remove(pageID string) error {
	if _, ok := ix.pages[pageID]; !ok {
		return nil
	}
	delete(ix.pages, pageID)
	return ix.Save()
}

// PagesIn returns every page ID mapped to shardPath, in no particular
// order. Linear in the index size.
func (ix *Index) PagesIn(shardPath string) []string {
	normalized := normalizePath(shardPath)
	var ids []string
	for pageID, p := range ix.pages {
		if p == normalized {
			ids = append(ids, pageID)
		}
	}
	return ids
}

// Len returns the number of mappings.
func (ix *Index) Len() int {
	return len(ix.pages)
}

// Clear drops all mappings in memory. The file is untouched until Save.
func (ix *Index) Clear() {
	ix.pages = make(map[string]string)
}

// Shards returns the distinct shard paths referenced by the index, sorted.
func (ix *Index) Shards() []string {
	seen := make(map[string]struct{})
	for _, p := range ix.pages {
		seen[p] = struct{}{}
	}
	shards := make([]string, 0, len(seen))
	for p := range seen {
		shards = append(shards, p)
	}
	sort.Strings(shards)
	return shards
}

// Save writes the full index to disk. The write goes to a temp file which
// is renamed into place, so a crash never leaves a truncated index.
func (ix *Index) Save() error {
	if err := os.MkdirAll(filepath.Dir(ix.path), 0750); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	data, err := json.MarshalIndent(ix.pages, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal shard index: %w", err)
	}

	tmpPath := ix.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write shard index temp file: %w", err)
	}
	if err := os.Rename(tmpPath, ix.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename shard index into place: %w", err)
	}

	ix.log.Debug("saved shard index", zap.Int("entries", len(ix.pages)))
	return nil
}

// normalizePath resolves a shard path to a stable absolute form so the
// same file always compares equal regardless of how callers spelled it.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
