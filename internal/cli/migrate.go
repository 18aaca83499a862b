// Package cli implements the operations behind the shardlog commands.
// Each command is a plain function taking an options struct, so the cobra
// layer in cmd/shardlog stays thin and the behavior stays testable.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"shardlog/internal/config"
	"shardlog/internal/migrate"
	"shardlog/internal/paths"
	"shardlog/internal/schema"
	"shardlog/internal/shard"
)

// MigrateOptions configures a migration run from a legacy monolithic
// database into the sharded layout.
type MigrateOptions struct {
	DataDir    string
	SourcePath string
	Config     *config.Config

	// ForceRestart discards any checkpoint and starts from record zero.
	ForceRestart bool

	// Progress receives per-batch progress lines; nil discards them.
	Progress io.Writer
}

// Migrate moves every record from the legacy database into shard files,
// resuming from a checkpoint when one exists. Interrupting via ctx leaves
// a checkpoint behind; the returned error then wraps context.Canceled and
// the caller should tell the operator how to resume.
func Migrate(ctx context.Context, opts MigrateOptions, log *zap.Logger) error {
	if _, err := os.Stat(opts.SourcePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("legacy database %s does not exist", opts.SourcePath)
		}
		return fmt.Errorf("stat legacy database: %w", err)
	}

	cfg := opts.Config
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}

	store := schema.NewStore(log)
	defer store.Close()

	index := shard.LoadIndex(paths.IndexPath(opts.DataDir), log)
	router := shard.NewRouter(opts.DataDir, cfg.ShardSizeLimitBytes(), store, index, log)

	runner := migrate.NewRunner(
		migrate.NewSQLiteSource(store, opts.SourcePath),
		store,
		router,
		migrate.Options{
			BatchSize:      int64(cfg.Migration.BatchSize),
			MaxRetries:     cfg.Migration.MaxRetries,
			RetryDelay:     cfg.Migration.RetryDelay(),
			BatchPause:     cfg.Migration.Pause(),
			LongPause:      cfg.Migration.LongPause(),
			LongPauseEvery: cfg.Migration.LongPauseEvery,
			ForceRestart:   opts.ForceRestart,
			CheckpointPath: paths.CheckpointPath(opts.DataDir),
			Progress:       opts.Progress,
		},
		log,
	)

	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("migration interrupted: %w", err)
		}
		return err
	}
	return nil
}
