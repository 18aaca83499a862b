package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"shardlog/internal/cli"
	"shardlog/internal/config"
	"shardlog/internal/paths"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagDataDir string
	flagConfig  string
	flagJSON    bool
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shardlog",
		Short: "Sharded changelog storage",
		Long: `Shardlog stores page change records across bounded-size SQLite shards.

It maintains a durable page index alongside the shards, rotates to a new
shard file when the active one reaches its size cap, and migrates legacy
monolithic databases in resumable checkpointed batches.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "data", "Data directory (or SHARDLOG_DATA_DIR env var)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default <data-dir>/"+config.FileName+")")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("shardlog v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(rebuildIndexCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers the config file and environment over defaults, then
// applies the --data-dir flag when the user set it explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := flagConfig
	if path == "" {
		candidate := filepath.Join(flagDataDir, config.FileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("data-dir") || cfg.DataDir == "" {
		cfg.DataDir = flagDataDir
	}
	return cfg, nil
}

func buildLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "console"
	zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if flagVerbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zcfg.Build()
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a data directory",
		Long: `Initialize a data directory for sharded storage.

Creates the directory, the first shard file with the schema applied, and
an empty page index. Running it on an existing data directory is safe.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := buildLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			result, err := cli.Init(cfg.DataDir, cfg, log)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(result)
			}
			fmt.Print(cli.FormatInit(result))
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var (
		flagSource       string
		flagBatchSize    int
		flagSizeLimitMB  int64
		flagPause        int
		flagLongPause    int
		flagForceRestart bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a legacy monolithic database into shards",
		Long: `Migrate every record from a legacy monolithic changelog database into
bounded-size shard files.

The migration runs in batches and writes a checkpoint after each one, so
an interrupted run resumes where it left off. Records already moved are
skipped, making repeated runs safe.

Examples:
  shardlog migrate                               # migrate data/changelog.db
  shardlog migrate --source /old/changelog.db    # explicit source
  shardlog migrate --force-restart               # ignore the checkpoint`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.Migration.BatchSize = flagBatchSize
			}
			if cmd.Flags().Changed("shard-size-limit") {
				cfg.Storage.ShardSizeLimitMB = flagSizeLimitMB
			}
			if cmd.Flags().Changed("pause") {
				cfg.Migration.PauseSeconds = flagPause
			}
			if cmd.Flags().Changed("long-pause") {
				cfg.Migration.LongPauseSeconds = flagLongPause
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			source := flagSource
			if source == "" {
				source = filepath.Join(cfg.DataDir, paths.LegacyDBName)
			}

			log, err := buildLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var progress io.Writer = io.Discard
			if isInteractive() && !flagJSON {
				progress = os.Stdout
			}

			err = cli.Migrate(ctx, cli.MigrateOptions{
				DataDir:      cfg.DataDir,
				SourcePath:   source,
				Config:       &cfg,
				ForceRestart: flagForceRestart,
				Progress:     progress,
			}, log)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					fmt.Fprintln(os.Stderr, "Migration interrupted. Run 'shardlog migrate' again to resume from the checkpoint.")
				}
				return err
			}
			if !flagJSON {
				fmt.Println("Migration complete.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagSource, "source", "", "Legacy database path (default <data-dir>/"+paths.LegacyDBName+")")
	cmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "Records per batch")
	cmd.Flags().Int64Var(&flagSizeLimitMB, "shard-size-limit", 0, "Shard size cap in MB")
	cmd.Flags().IntVar(&flagPause, "pause", 0, "Seconds to pause between batches")
	cmd.Flags().IntVar(&flagLongPause, "long-pause", 0, "Seconds to pause every tenth batch")
	cmd.Flags().BoolVar(&flagForceRestart, "force-restart", false, "Discard the checkpoint and migrate from the beginning")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report shard sizes, record counts, and index coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := buildLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			result, err := cli.Status(cfg.DataDir, log)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(result)
			}
			fmt.Print(cli.FormatStatus(result))
			return nil
		},
	}
}

func rebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the page index by scanning every shard",
		Long: `Rebuild the page index from shard contents.

Use this after index corruption or loss: the shards are the durable
source of truth, and the rebuilt index maps every page to the shard that
actually holds it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := buildLogger()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			result, err := cli.RebuildIndex(cfg.DataDir, log)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(result)
			}
			fmt.Print(cli.FormatRebuild(result))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if flagJSON {
				_ = printJSON(map[string]string{
					"version": Version,
					"build":   Build,
					"go":      goruntime.Version(),
				})
				return
			}
			fmt.Printf("shardlog v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
		},
	}
}

// isInteractive returns true if stdout is a terminal (not piped/redirected).
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
