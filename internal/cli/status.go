package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"shardlog/internal/migrate"
	"shardlog/internal/paths"
	"shardlog/internal/schema"
	"shardlog/internal/shard"
)

// ShardStatus describes one shard in the status report.
type ShardStatus struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	Entries      int    `json:"entries"`
	Trained      int    `json:"trained"`
	IndexedPages int    `json:"indexed_pages"`
}

// CheckpointStatus summarizes an in-progress migration.
type CheckpointStatus struct {
	RunID            string    `json:"run_id"`
	LastBatch        int       `json:"last_batch"`
	EntriesProcessed int64     `json:"entries_processed"`
	LastTimestamp    time.Time `json:"last_timestamp"`
	CurrentShard     string    `json:"current_shard"`
}

// StatusResult is the full status report for a data directory.
type StatusResult struct {
	DataDir      string            `json:"data_dir"`
	Shards       []ShardStatus     `json:"shards"`
	TotalEntries int               `json:"total_entries"`
	IndexEntries int               `json:"index_entries"`
	OrphanedKeys int               `json:"orphaned_keys"`
	Checkpoint   *CheckpointStatus `json:"checkpoint,omitempty"`
}

// Status inspects a data directory: per-shard sizes and counts, index
// coverage, index keys pointing at vanished shards, and whether an
// interrupted migration is waiting to be resumed.
func Status(dataDir string, log *zap.Logger) (*StatusResult, error) {
	store := schema.NewStore(log)
	defer store.Close()

	index := shard.LoadIndex(paths.IndexPath(dataDir), log)
	catalog := shard.NewCatalog(dataDir, log)

	shards, err := catalog.List()
	if err != nil {
		return nil, err
	}

	result := &StatusResult{
		DataDir:      dataDir,
		IndexEntries: index.Len(),
	}
	known := make(map[string]bool, len(shards))
	for _, p := range shards {
		known[p] = true
		stats, err := store.Stats(p)
		if err != nil {
			return nil, fmt.Errorf("inspect shard %s: %w", filepath.Base(p), err)
		}
		result.Shards = append(result.Shards, ShardStatus{
			Name:         filepath.Base(p),
			Path:         p,
			SizeBytes:    stats.SizeBytes,
			Entries:      stats.Entries,
			Trained:      stats.Trained,
			IndexedPages: len(index.PagesIn(p)),
		})
		result.TotalEntries += stats.Entries
	}

	for _, p := range index.Shards() {
		if !known[p] {
			result.OrphanedKeys += len(index.PagesIn(p))
		}
	}

	cpPath := paths.CheckpointPath(dataDir)
	if _, err := os.Stat(cpPath); err == nil {
		cp := migrate.LoadCheckpoint(cpPath, log)
		result.Checkpoint = &CheckpointStatus{
			RunID:            cp.RunID,
			LastBatch:        cp.LastBatch,
			EntriesProcessed: cp.EntriesProcessed,
			LastTimestamp:    cp.LastTimestamp,
			CurrentShard:     cp.CurrentShard,
		}
	}

	return result, nil
}

// FormatStatus renders the status report for display.
func FormatStatus(result *StatusResult) string {
	var output strings.Builder

	output.WriteString(fmt.Sprintf("Data dir: %s\n", result.DataDir))
	if len(result.Shards) == 0 {
		output.WriteString("Shards:   none\n")
	} else {
		output.WriteString(fmt.Sprintf("Shards:   %d\n", len(result.Shards)))
		for _, s := range result.Shards {
			//nolint:gosec // G115 - file sizes are non-negative
			output.WriteString(fmt.Sprintf("  %-28s %8s  %6d entries, %d trained, %d indexed\n",
				s.Name, humanize.Bytes(uint64(s.SizeBytes)), s.Entries, s.Trained, s.IndexedPages))
		}
	}
	output.WriteString(fmt.Sprintf("Entries:  %d total, %d in index\n",
		result.TotalEntries, result.IndexEntries))

	if result.OrphanedKeys > 0 {
		output.WriteString(fmt.Sprintf("Warning:  %d index keys point at missing shards (run 'shardlog rebuild-index')\n",
			result.OrphanedKeys))
	}

	if result.Checkpoint != nil {
		output.WriteString(fmt.Sprintf("Migration: in progress (batch %d, %d records moved, last run %s)\n",
			result.Checkpoint.LastBatch,
			result.Checkpoint.EntriesProcessed,
			result.Checkpoint.LastTimestamp.Format(time.RFC3339)))
		output.WriteString("          run 'shardlog migrate' to resume\n")
	}

	return output.String()
}
