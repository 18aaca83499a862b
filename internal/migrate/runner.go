package migrate

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"shardlog/internal/schema"
	"shardlog/internal/shard"
)

// Source is the legacy store a migration drains: a total record count and
// stable-ordered batch reads by offset.
type Source interface {
	Count() (int64, error)
	FetchBatch(offset, limit int64) ([]schema.PageRecord, error)
}

// Inserter writes one record into a shard, skipping silently when the
// page is already present. *schema.Store satisfies this.
type Inserter interface {
	InsertOrSkip(path string, rec schema.PageRecord) (bool, error)
}

// sqliteSource binds a schema store to one legacy database path.
type sqliteSource struct {
	store *schema.Store
	path  string
}

// NewSQLiteSource adapts a schema store reading the legacy monolithic
// database at path into a migration Source.
func NewSQLiteSource(store *schema.Store, path string) Source {
	return &sqliteSource{store: store, path: path}
}

func (s *sqliteSource) Count() (int64, error) {
	n, err := s.store.Count(s.path)
	return int64(n), err
}

func (s *sqliteSource) FetchBatch(offset, limit int64) ([]schema.PageRecord, error) {
	return s.store.FetchBatch(s.path, int(offset), int(limit))
}

// Options tune a migration run. Zero values are filled from defaults that
// match the configuration package.
type Options struct {
	BatchSize      int64
	MaxRetries     int
	RetryDelay     time.Duration
	BatchPause     time.Duration
	LongPause      time.Duration
	LongPauseEvery int

	// ForceRestart discards any existing checkpoint and migrates from
	// offset zero. Safe because insertion is skip-on-duplicate.
	ForceRestart bool

	CheckpointPath string

	// IsRetryable classifies errors from the inserter; retryable ones get
	// bounded retries with linear backoff, the rest skip the record.
	// Defaults to the storage layer's transient-error check.
	IsRetryable func(error) bool

	// Progress receives human-readable per-batch progress lines.
	Progress io.Writer
}

// Runner drives a migration from a legacy source into the sharded layout.
// A single blocking worker processes batches sequentially; cancellation
// is honored between batches, never mid-batch, so the checkpoint on disk
// always reflects the last fully completed batch.
type Runner struct {
	source   Source
	inserter Inserter
	router   *shard.Router
	opts     Options
	log      *zap.Logger
}

func NewRunner(source Source, inserter Inserter, router *shard.Router, opts Options, log *zap.Logger) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.LongPauseEvery <= 0 {
		opts.LongPauseEvery = 10
	}
	if opts.IsRetryable == nil {
		opts.IsRetryable = schema.IsTransient
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	return &Runner{
		source:   source,
		inserter: inserter,
		router:   router,
		opts:     opts,
		log:      log,
	}
}

// Run migrates the full source, resuming from the checkpoint when one
// exists. It returns ctx.Err() when cancelled between batches; the
// checkpoint left on disk then resumes the run on the next invocation.
func (r *Runner) Run(ctx context.Context) error {
	total, err := r.source.Count()
	if err != nil {
		return fmt.Errorf("count legacy records: %w", err)
	}

	cp := NewCheckpoint()
	if r.opts.ForceRestart {
		if err := DeleteCheckpoint(r.opts.CheckpointPath); err != nil {
			r.log.Warn("failed to remove old checkpoint", zap.Error(err))
		}
	} else {
		cp = LoadCheckpoint(r.opts.CheckpointPath, r.log)
	}

	offset := cp.EntriesProcessed
	batchNum := cp.LastBatch + 1
	started := time.Now()
	startOffset := offset

	r.log.Info("starting migration",
		zap.String("run_id", cp.RunID),
		zap.Int64("total", total),
		zap.Int64("offset", offset),
		zap.Int64("batch_size", r.opts.BatchSize))

	for offset < total {
		select {
		case <-ctx.Done():
			r.log.Warn("migration interrupted, checkpoint saved",
				zap.Int64("entries_processed", cp.EntriesProcessed))
			return ctx.Err()
		default:
		}

		records, err := r.source.FetchBatch(offset, r.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch batch %d: %w", batchNum, err)
		}
		if len(records) == 0 {
			break
		}

		successes, err := r.processBatch(ctx, cp, records)
		if err != nil {
			return err
		}

		cp.LastBatch = batchNum
		cp.EntriesProcessed += int64(successes)
		cp.LastTimestamp = time.Now().UTC()
		cp.CurrentShard = r.router.CurrentShard()
		if err := cp.Save(r.opts.CheckpointPath); err != nil {
			r.log.Error("failed to save checkpoint, continuing", zap.Error(err))
		}
		if err := r.router.Index().Save(); err != nil {
			r.log.Error("failed to save shard index, continuing", zap.Error(err))
		}

		offset += r.opts.BatchSize
		r.reportProgress(batchNum, offset, startOffset, total, started)

		if offset < total {
			pause := r.opts.BatchPause
			if r.opts.LongPause > 0 && batchNum%r.opts.LongPauseEvery == 0 {
				pause = r.opts.LongPause
				r.log.Info("taking extended pause", zap.Int("batch", batchNum))
			}
			if err := sleepCtx(ctx, pause); err != nil {
				r.log.Warn("migration interrupted during pause, checkpoint saved",
					zap.Int64("entries_processed", cp.EntriesProcessed))
				return err
			}
		}
		batchNum++
	}

	if err := r.router.RebuildIndex(); err != nil {
		return fmt.Errorf("rebuild index after migration: %w", err)
	}
	if err := DeleteCheckpoint(r.opts.CheckpointPath); err != nil {
		r.log.Warn("failed to delete checkpoint after completion", zap.Error(err))
	}

	r.log.Info("migration complete",
		zap.String("run_id", cp.RunID),
		zap.Int64("entries_processed", cp.EntriesProcessed),
		zap.Duration("elapsed", time.Since(started).Round(time.Second)))
	return nil
}

// processBatch moves one batch of records, returning how many were fully
// accounted for: inserted, already present in the shard, or already in
// the processed set. Records that exhaust retries or hit a permanent
// error are not counted and not marked, so a later run revisits them.
func (r *Runner) processBatch(ctx context.Context, cp *Checkpoint, records []schema.PageRecord) (int, error) {
	successes := 0
	for _, rec := range records {
		key := rec.Key()
		if key == "" {
			r.log.Warn("skipping record without page id", zap.Int64("entry_id", rec.Entry.ID))
			continue
		}
		if cp.IsProcessed(key) {
			successes++
			continue
		}

		target, err := r.router.WriteTarget(time.Now())
		if err != nil {
			return 0, fmt.Errorf("select write shard: %w", err)
		}

		inserted, err := r.insertWithRetry(ctx, target, rec)
		if err != nil {
			r.log.Error("giving up on record",
				zap.String("page_id", key), zap.Error(err))
			continue
		}

		cp.MarkProcessed(key)
		if inserted {
			r.router.Index().Stage(key, target)
		}
		successes++
	}
	return successes, nil
}

// insertWithRetry attempts one insert with bounded linear backoff on
// transient errors. Permanent errors return immediately.
func (r *Runner) insertWithRetry(ctx context.Context, target string, rec schema.PageRecord) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		inserted, err := r.inserter.InsertOrSkip(target, rec)
		if err == nil {
			return inserted, nil
		}
		if !r.opts.IsRetryable(err) {
			return false, err
		}
		lastErr = err
		if attempt < r.opts.MaxRetries {
			delay := r.opts.RetryDelay * time.Duration(attempt)
			r.log.Warn("transient insert error, retrying",
				zap.String("page_id", rec.Key()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			if err := sleepCtx(ctx, delay); err != nil {
				return false, lastErr
			}
		}
	}
	return false, fmt.Errorf("after %d attempts: %w", r.opts.MaxRetries, lastErr)
}

func (r *Runner) reportProgress(batch int, offset, startOffset, total int64, started time.Time) {
	done := offset
	if done > total {
		done = total
	}
	pct := float64(done) / float64(total) * 100
	fmt.Fprintf(r.opts.Progress, "batch %d: %d/%d records (%.1f%%)%s\n",
		batch, done, total, pct, fmtETA(done-startOffset, total-done, started))
}

// fmtETA estimates remaining time from this run's own throughput. Empty
// until at least one record has moved.
func fmtETA(doneThisRun, remaining int64, started time.Time) string {
	if doneThisRun <= 0 || remaining <= 0 {
		return ""
	}
	perRecord := time.Since(started) / time.Duration(doneThisRun)
	eta := (perRecord * time.Duration(remaining)).Round(time.Second)
	return fmt.Sprintf(", eta %s", eta)
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
