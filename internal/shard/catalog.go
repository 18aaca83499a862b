package shard

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"shardlog/internal/paths"
)

// Catalog enumerates the shard files in a data directory and answers
// size and recency questions about them. It holds no state beyond the
// directory; every call re-reads the filesystem.
type Catalog struct {
	dir string
	log *zap.Logger
}

func NewCatalog(dir string, log *zap.Logger) *Catalog {
	return &Catalog{dir: dir, log: log}
}

// Dir returns the data directory the catalog scans.
func (c *Catalog) Dir() string {
	return c.dir
}

// List returns the absolute paths of all shard files in the directory,
// sorted by name. Non-shard files are ignored; a missing directory
// yields an empty list.
func (c *Catalog) List() ([]string, error) {
	return paths.ListShardFiles(c.dir)
}

// Size returns the on-disk size of the shard at path in bytes. A missing
// file counts as zero so callers can size a shard they are about to create.
func (c *Catalog) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat shard %s: %w", path, err)
	}
	return info.Size(), nil
}

// MostRecent returns the shard with the newest modification time, the
// natural write target on cold start. Ties go to the lexicographically
// greatest name, which for shard names is the most recent month. Returns
// "" when the directory has no shards.
func (c *Catalog) MostRecent() (string, error) {
	shards, err := c.List()
	if err != nil {
		return "", err
	}
	if len(shards) == 0 {
		return "", nil
	}

	best := ""
	var bestMod int64
	for _, p := range shards {
		info, err := os.Stat(p)
		if err != nil {
			c.log.Warn("skipping unreadable shard", zap.String("path", p), zap.Error(err))
			continue
		}
		mod := info.ModTime().UnixNano()
		if best == "" || mod > bestMod || (mod == bestMod && p > best) {
			best = p
			bestMod = mod
		}
	}
	return best, nil
}
