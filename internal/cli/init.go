package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"shardlog/internal/config"
	"shardlog/internal/paths"
	"shardlog/internal/schema"
	"shardlog/internal/shard"
)

// InitResult reports what Init created.
type InitResult struct {
	DataDir string `json:"data_dir"`
	Shard   string `json:"shard"`
}

// Init prepares a data directory for use: creates it, opens the first
// shard (or binds to an existing one), and writes an index file. Running
// it on an already-initialized directory is harmless.
func Init(dataDir string, cfg config.Config, log *zap.Logger) (*InitResult, error) {
	store := schema.NewStore(log)
	defer store.Close()

	index := shard.LoadIndex(paths.IndexPath(dataDir), log)
	router := shard.NewRouter(dataDir, cfg.ShardSizeLimitBytes(), store, index, log)

	if err := router.Initialize(time.Now()); err != nil {
		return nil, err
	}
	if err := store.CreateIfAbsent(router.CurrentShard()); err != nil {
		return nil, err
	}
	if err := index.Save(); err != nil {
		return nil, err
	}

	return &InitResult{
		DataDir: dataDir,
		Shard:   filepath.Base(router.CurrentShard()),
	}, nil
}

// FormatInit renders the init result for display.
func FormatInit(result *InitResult) string {
	return fmt.Sprintf("Initialized %s (write shard: %s)\n", result.DataDir, result.Shard)
}
