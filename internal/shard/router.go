package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"shardlog/internal/paths"
)

// SchemaStore is the slice of the storage layer the router needs: it
// creates shard files with the schema applied and enumerates the page
// IDs a shard holds.
type SchemaStore interface {
	CreateIfAbsent(path string) error
	ScanPageIDs(path string) ([]string, error)
}

// Router decides which shard receives writes and which shards a read
// should consult. It owns the current write shard, rotating to a fresh
// file once the active one reaches the size cap. The cap is soft: it is
// checked when a write target is requested, so a shard may finish a
// little over the limit but never starts a new record beyond it.
type Router struct {
	catalog   *Catalog
	store     SchemaStore
	index     *Index
	sizeLimit int64
	log       *zap.Logger

	current string
}

func NewRouter(dir string, sizeLimit int64, store SchemaStore, index *Index, log *zap.Logger) *Router {
	return &Router{
		catalog:   NewCatalog(dir, log),
		store:     store,
		index:     index,
		sizeLimit: sizeLimit,
		log:       log,
	}
}

// Initialize binds the router to a write shard: the most recently
// modified shard on disk, or a fresh one named for now when the
// directory is empty. Safe to skip; WriteTarget initializes lazily.
func (r *Router) Initialize(now time.Time) error {
	recent, err := r.catalog.MostRecent()
	if err != nil {
		return fmt.Errorf("scan shard directory: %w", err)
	}
	if recent == "" {
		return r.rotate(now)
	}

	size, err := r.catalog.Size(recent)
	if err != nil {
		return err
	}
	if size >= r.sizeLimit {
		r.log.Info("most recent shard already at size limit",
			zap.String("shard", recent))
		return r.rotate(now)
	}

	r.current = recent
	r.log.Debug("bound to existing shard", zap.String("shard", recent))
	return nil
}

// WriteTarget returns the shard that should receive the next write,
// rotating first if the current shard has reached the size cap. The
// returned shard always exists with the schema applied.
func (r *Router) WriteTarget(now time.Time) (string, error) {
	if r.current == "" {
		if err := r.Initialize(now); err != nil {
			return "", err
		}
	}

	size, err := r.catalog.Size(r.current)
	if err != nil {
		return "", err
	}
	if size >= r.sizeLimit {
		//nolint:gosec // G115 - file sizes are non-negative
		r.log.Info("shard reached size limit, rotating",
			zap.String("shard", r.current),
			zap.String("size", humanize.Bytes(uint64(size))),
			zap.String("limit", humanize.Bytes(uint64(r.sizeLimit))))
		if err := r.rotate(now); err != nil {
			return "", err
		}
	}
	return r.current, nil
}

// ReadTargets returns the shards a lookup for pageID should consult: the
// single indexed shard when the index has a live binding, otherwise every
// shard in the directory. An index entry pointing at a vanished file is
// treated as a miss rather than an error.
func (r *Router) ReadTargets(pageID string) ([]string, error) {
	if p, ok := r.index.Get(pageID); ok {
		if _, err := os.Stat(p); err == nil {
			return []string{p}, nil
		}
		r.log.Warn("index points at missing shard, falling back to full scan",
			zap.String("page_id", pageID), zap.String("shard", p))
	}
	return r.catalog.List()
}

// CurrentShard returns the active write shard, or "" before first use.
func (r *Router) CurrentShard() string {
	return r.current
}

// Index returns the router's page index.
func (r *Router) Index() *Index {
	return r.index
}

// Catalog returns the router's shard catalog.
func (r *Router) Catalog() *Catalog {
	return r.catalog
}

// RebuildIndex reconstructs the index from shard contents: it drops all
// mappings, scans every shard for page IDs, and persists the result in
// one write. Unreadable shards are logged and skipped so one corrupt
// file cannot block recovery of the rest.
func (r *Router) RebuildIndex() error {
	shards, err := r.catalog.List()
	if err != nil {
		return fmt.Errorf("scan shard directory: %w", err)
	}

	r.index.Clear()
	for _, p := range shards {
		pageIDs, err := r.store.ScanPageIDs(p)
		if err != nil {
			r.log.Warn("skipping shard during index rebuild",
				zap.String("shard", p), zap.Error(err))
			continue
		}
		for _, id := range pageIDs {
			r.index.Stage(id, p)
		}
	}

	if err := r.index.Save(); err != nil {
		return err
	}
	r.log.Info("rebuilt shard index",
		zap.Int("shards", len(shards)), zap.Int("pages", r.index.Len()))
	return nil
}

// rotate points the router at a fresh shard named for now and creates it.
func (r *Router) rotate(now time.Time) error {
	name, err := paths.NextShardName(r.catalog.Dir(), now)
	if err != nil {
		return err
	}
	path := filepath.Join(r.catalog.Dir(), name)
	if err := r.store.CreateIfAbsent(path); err != nil {
		return fmt.Errorf("create shard %s: %w", name, err)
	}
	r.current = path
	r.log.Info("opened new shard", zap.String("shard", name))
	return nil
}
