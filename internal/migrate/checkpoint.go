// Package migrate moves records out of a monolithic legacy changelog
// database into the sharded layout, in resumable batches driven by an
// on-disk checkpoint.
package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Checkpoint records how far a migration has progressed. Its presence on
// disk means an incomplete migration; it is deleted only after the source
// is exhausted and the index rebuilt. The processed set is the resume
// backstop: keys in it are skipped without touching storage.
type Checkpoint struct {
	RunID            string    `json:"run_id"`
	LastBatch        int       `json:"last_batch"`
	EntriesProcessed int64     `json:"entries_processed"`
	LastTimestamp    time.Time `json:"last_timestamp"`
	CurrentShard     string    `json:"current_shard"`

	processed map[string]struct{}
}

// NewCheckpoint returns a fresh checkpoint for a new migration run.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		RunID:     ulid.Make().String(),
		processed: make(map[string]struct{}),
	}
}

// checkpointFile is the on-disk shape; the processed set serializes as a
// sorted array so the file diffs cleanly between batches.
type checkpointFile struct {
	RunID            string    `json:"run_id"`
	LastBatch        int       `json:"last_batch"`
	EntriesProcessed int64     `json:"entries_processed"`
	LastTimestamp    time.Time `json:"last_timestamp"`
	ProcessedPageIDs []string  `json:"processed_page_ids"`
	CurrentShard     string    `json:"current_shard"`
}

// LoadCheckpoint reads the checkpoint at path. A missing, unreadable, or
// corrupt file yields a fresh checkpoint rather than an error: the worst
// case is a resume that re-reads the source from the start and skips
// everything through insert-or-skip.
func LoadCheckpoint(path string, log *zap.Logger) *Checkpoint {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path derived from the data directory
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("failed to read migration checkpoint, starting fresh", zap.Error(err))
		}
		return NewCheckpoint()
	}

	var f checkpointFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error("failed to parse migration checkpoint, starting fresh",
			zap.String("path", path), zap.Error(err))
		return NewCheckpoint()
	}

	cp := &Checkpoint{
		RunID:            f.RunID,
		LastBatch:        f.LastBatch,
		EntriesProcessed: f.EntriesProcessed,
		LastTimestamp:    f.LastTimestamp,
		CurrentShard:     f.CurrentShard,
		processed:        make(map[string]struct{}, len(f.ProcessedPageIDs)),
	}
	if cp.RunID == "" {
		cp.RunID = ulid.Make().String()
	}
	for _, id := range f.ProcessedPageIDs {
		cp.processed[id] = struct{}{}
	}
	log.Info("resuming from checkpoint",
		zap.String("run_id", cp.RunID),
		zap.Int("last_batch", cp.LastBatch),
		zap.Int64("entries_processed", cp.EntriesProcessed))
	return cp
}

// MarkProcessed records that the page with the given key has been moved.
func (cp *Checkpoint) MarkProcessed(key string) {
	cp.processed[key] = struct{}{}
}

// IsProcessed reports whether the key was already moved in this or a
// previous run.
func (cp *Checkpoint) IsProcessed(key string) bool {
	_, ok := cp.processed[key]
	return ok
}

// ProcessedCount returns the size of the processed set.
func (cp *Checkpoint) ProcessedCount() int {
	return len(cp.processed)
}

// Save persists the checkpoint to path via temp file and rename, so an
// interrupt mid-save leaves the previous checkpoint intact.
func (cp *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	ids := make([]string, 0, len(cp.processed))
	for id := range cp.processed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	f := checkpointFile{
		RunID:            cp.RunID,
		LastBatch:        cp.LastBatch,
		EntriesProcessed: cp.EntriesProcessed,
		LastTimestamp:    cp.LastTimestamp,
		ProcessedPageIDs: ids,
		CurrentShard:     cp.CurrentShard,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}

// DeleteCheckpoint removes the checkpoint file after a completed run. A
// missing file is fine; a stale checkpoint only causes a no-op resume.
func DeleteCheckpoint(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
