// Package paths defines the on-disk layout of a shardlog data directory:
// the shard naming convention, the index file, and the migration
// checkpoint file. All other packages derive paths through here so the
// layout is stated in exactly one place.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

const (
	// shardPrefix and shardExt define the shard naming convention.
	// Names embed a year-month bucket so lexicographic order is
	// chronological order.
	shardPrefix = "changelog_"
	shardExt    = ".db"

	// IndexFileName is the durable page→shard index, kept at the root of
	// the data directory.
	IndexFileName = "shard_index.json"

	// CheckpointFileName marks an in-progress migration. Its absence means
	// "never started" or "completed".
	CheckpointFileName = "migration_checkpoint.json"

	// LegacyDBName is the conventional name of the monolithic pre-shard
	// database a migration reads from.
	LegacyDBName = "changelog.db"
)

// shardNameRe matches both the plain monthly form (changelog_2026_08.db)
// and the rotated form with a sequence suffix (changelog_2026_08_002.db).
// The legacy changelog.db deliberately does not match.
var shardNameRe = regexp.MustCompile(`^changelog_\d{4}_\d{2}(_\d{3})?\.db$`)

// ShardName returns the base shard file name for the given wall-clock time,
// e.g. "changelog_2026_08.db".
func ShardName(t time.Time) string {
	return fmt.Sprintf("%s%04d_%02d%s", shardPrefix, t.Year(), int(t.Month()), shardExt)
}

// NextShardName returns an unused shard file name in dir for the given
// time. The base monthly name is preferred; when it is already taken
// (rotation within one month) a numeric sequence suffix is appended,
// smallest free value first. The suffixed form still sorts after the base
// name and before the next month, so name order stays chronological.
func NextShardName(dir string, t time.Time) (string, error) {
	base := ShardName(t)
	if _, err := os.Stat(filepath.Join(dir, base)); os.IsNotExist(err) {
		return base, nil
	}

	stem := fmt.Sprintf("%s%04d_%02d", shardPrefix, t.Year(), int(t.Month()))
	for seq := 2; seq < 1000; seq++ {
		name := fmt.Sprintf("%s_%03d%s", stem, seq, shardExt)
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no free shard name for %s in %s", stem, dir)
}

// IsShardName reports whether name follows the shard naming convention.
func IsShardName(name string) bool {
	return shardNameRe.MatchString(name)
}

// ListShardFiles returns the absolute paths of all shard files in dir,
// sorted by name. A missing directory yields an empty list, not an error.
func ListShardFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	var shards []string
	for _, e := range entries {
		if e.IsDir() || !IsShardName(e.Name()) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("resolve shard path: %w", err)
		}
		shards = append(shards, abs)
	}
	sort.Strings(shards)
	return shards, nil
}

// IndexPath returns the path of the shard index file for a data directory.
func IndexPath(dir string) string {
	return filepath.Join(dir, IndexFileName)
}

// CheckpointPath returns the path of the migration checkpoint file for a
// data directory.
func CheckpointPath(dir string) string {
	return filepath.Join(dir, CheckpointFileName)
}
