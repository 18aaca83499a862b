package cli

import (
	"fmt"

	"go.uber.org/zap"

	"shardlog/internal/config"
	"shardlog/internal/paths"
	"shardlog/internal/schema"
	"shardlog/internal/shard"
)

// RebuildResult reports what a rebuild-index run found.
type RebuildResult struct {
	Shards int `json:"shards"`
	Pages  int `json:"pages"`
}

// RebuildIndex reconstructs the page index by scanning every shard in the
// data directory. The existing index file is replaced wholesale; corrupt
// or missing index state is recovered without touching the shards.
func RebuildIndex(dataDir string, log *zap.Logger) (*RebuildResult, error) {
	store := schema.NewStore(log)
	defer store.Close()

	cfg := config.Default()
	index := shard.LoadIndex(paths.IndexPath(dataDir), log)
	router := shard.NewRouter(dataDir, cfg.ShardSizeLimitBytes(), store, index, log)

	if err := router.RebuildIndex(); err != nil {
		return nil, err
	}

	shards, err := router.Catalog().List()
	if err != nil {
		return nil, err
	}
	return &RebuildResult{Shards: len(shards), Pages: index.Len()}, nil
}

// FormatRebuild renders the rebuild result for display.
func FormatRebuild(result *RebuildResult) string {
	return fmt.Sprintf("Rebuilt index: %d pages across %d shards\n", result.Pages, result.Shards)
}
