package schema

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Store gives routing and migration code access to any number of
// changelog databases, keyed by file path. Connections are opened lazily
// and cached until Close; each file gets a single connection (see OpenDB).
type Store struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[string]*sql.DB
}

// NewStore returns a Store. The logger may not be nil; use zap.NewNop()
// to silence it.
func NewStore(log *zap.Logger) *Store {
	return &Store{
		log:   log,
		conns: make(map[string]*sql.DB),
	}
}

// Close closes every cached connection. The Store is unusable afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, db := range s.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", filepath.Base(path), err)
		}
		delete(s.conns, path)
	}
	return firstErr
}

// db returns the cached connection for path, opening one if needed.
func (s *Store) db(path string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.conns[path]; ok {
		return db, nil
	}
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	s.conns[path] = db
	return db, nil
}

// reading returns the connection for an existing database. Read paths must
// never create files as a side effect, so a missing path is an error.
func (s *Store) reading(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}
	return s.db(path)
}

// CreateIfAbsent opens or creates the database at path and applies the
// fixed schema. Idempotent: an already-initialized database is untouched.
func (s *Store) CreateIfAbsent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := s.db(path)
	if err != nil {
		return err
	}
	if err := InitDB(db); err != nil {
		return fmt.Errorf("initialize schema for %s: %w", filepath.Base(path), err)
	}
	return nil
}

// InsertOrSkip writes rec into the database at path unless an entry with
// the same page_id already exists there. Returns whether an insert
// happened; an existing key is a skip, not an error. The whole record
// (entry, metadata, token impact) lands in one transaction.
func (s *Store) InsertOrSkip(path string, rec PageRecord) (bool, error) {
	db, err := s.db(path)
	if err != nil {
		return false, err
	}

	key := rec.Key()

	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRow(`SELECT id FROM entries WHERE page_id = ?`, key).Scan(&existing)
	if err == nil {
		s.log.Debug("skipping duplicate entry",
			zap.String("page_id", key),
			zap.String("shard", filepath.Base(path)))
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("check existing entry: %w", err)
	}

	if err := insertRecord(tx, key, rec); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit insert: %w", err)
	}
	return true, nil
}

// insertRecord writes the entry row and its dependents inside tx.
// Source row IDs are preserved when present so parent links and
// entry↔metadata joins survive the move.
func insertRecord(tx *sql.Tx, key string, rec PageRecord) error {
	e := rec.Entry
	res, err := tx.Exec(`
		INSERT INTO entries (
			id, title, page_id, revision_id, timestamp, content_hash,
			action, is_revision, parent_id, revision_number
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableID(e.ID), e.Title, key, e.RevisionID, e.Timestamp,
		e.ContentHash, e.Action, e.IsRevision, e.ParentID, e.RevisionNumber)
	if err != nil {
		return fmt.Errorf("insert entry %s: %w", key, err)
	}

	if rec.Metadata == nil {
		return nil
	}
	entryID := e.ID
	if entryID == 0 {
		entryID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("resolve entry id: %w", err)
		}
	}

	m := rec.Metadata
	res, err = tx.Exec(`
		INSERT INTO training_metadata (
			id, entry_id, used_in_training, training_timestamp,
			model_checkpoint, average_loss, relative_loss
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullableID(m.ID), entryID, m.UsedInTraining, m.TrainingTimestamp,
		m.ModelCheckpoint, m.AverageLoss, m.RelativeLoss)
	if err != nil {
		return fmt.Errorf("insert training metadata for %s: %w", key, err)
	}

	if rec.Impact == nil {
		return nil
	}
	metadataID := m.ID
	if metadataID == 0 {
		metadataID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("resolve metadata id: %w", err)
		}
	}

	res, err = tx.Exec(`INSERT INTO token_impacts (metadata_id, total_tokens) VALUES (?, ?)`,
		metadataID, rec.Impact.TotalTokens)
	if err != nil {
		return fmt.Errorf("insert token impact for %s: %w", key, err)
	}
	impactID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("resolve token impact id: %w", err)
	}

	for _, tok := range rec.Impact.TopTokens {
		_, err := tx.Exec(`
			INSERT INTO top_tokens (
				token_impact_id, token_id, position, impact,
				context_start, context_end
			) VALUES (?, ?, ?, ?, ?, ?)`,
			impactID, tok.TokenID, tok.Position, tok.Impact,
			tok.ContextStart, tok.ContextEnd)
		if err != nil {
			return fmt.Errorf("insert top token for %s: %w", key, err)
		}
	}
	return nil
}

// nullableID maps a zero ID to NULL so SQLite assigns the next rowid,
// and preserves any explicit source ID.
func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// ScanPageIDs returns every page_id stored in the database at path.
func (s *Store) ScanPageIDs(path string) ([]string, error) {
	db, err := s.reading(path)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT page_id FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("scan page ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan page id row: %w", err)
		}
		ids = append(ids, NormalizeKey(id))
	}
	return ids, rows.Err()
}

// Count returns the number of entries in the database at path.
func (s *Store) Count(path string) (int, error) {
	db, err := s.reading(path)
	if err != nil {
		return 0, err
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// FetchBatch reads limit records starting at offset, ordered by entry id
// (insertion order, the stable cursor the migration walks). Training
// metadata and token impact data ride along when present.
func (s *Store) FetchBatch(path string, offset, limit int) ([]PageRecord, error) {
	db, err := s.reading(path)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT e.id, e.title, e.page_id, e.revision_id, e.timestamp,
		       e.content_hash, e.action, e.is_revision, e.parent_id, e.revision_number,
		       tm.id, tm.used_in_training, tm.training_timestamp,
		       tm.model_checkpoint, tm.average_loss, tm.relative_loss
		FROM entries e
		LEFT JOIN training_metadata tm ON tm.entry_id = e.id
		ORDER BY e.id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch batch at offset %d: %w", offset, err)
	}
	defer func() { _ = rows.Close() }()

	var records []PageRecord
	for rows.Next() {
		var (
			rec       PageRecord
			mdID      sql.NullInt64
			mdUsed    sql.NullBool
			mdStamp   sql.NullString
			mdModel   sql.NullString
			mdAvgLoss sql.NullFloat64
			mdRelLoss sql.NullFloat64
		)
		err := rows.Scan(
			&rec.Entry.ID, &rec.Entry.Title, &rec.Entry.PageID,
			&rec.Entry.RevisionID, &rec.Entry.Timestamp, &rec.Entry.ContentHash,
			&rec.Entry.Action, &rec.Entry.IsRevision, &rec.Entry.ParentID,
			&rec.Entry.RevisionNumber,
			&mdID, &mdUsed, &mdStamp, &mdModel, &mdAvgLoss, &mdRelLoss)
		if err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}

		if mdID.Valid {
			md := &TrainingMetadata{
				ID:             mdID.Int64,
				UsedInTraining: mdUsed.Valid && mdUsed.Bool,
			}
			if mdStamp.Valid {
				md.TrainingTimestamp = &mdStamp.String
			}
			if mdModel.Valid {
				md.ModelCheckpoint = &mdModel.String
			}
			if mdAvgLoss.Valid {
				md.AverageLoss = &mdAvgLoss.Float64
			}
			if mdRelLoss.Valid {
				md.RelativeLoss = &mdRelLoss.Float64
			}
			rec.Metadata = md
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", err)
	}

	// Token impact data per record, for entries that have metadata.
	for i := range records {
		if records[i].Metadata == nil {
			continue
		}
		impact, err := s.fetchImpact(db, records[i].Metadata.ID)
		if err != nil {
			return nil, err
		}
		records[i].Impact = impact
	}
	return records, nil
}

// fetchImpact loads the token impact summary for one metadata row, or nil
// when there is none.
func (s *Store) fetchImpact(db *sql.DB, metadataID int64) (*TokenImpact, error) {
	var (
		impactID int64
		impact   TokenImpact
	)
	err := db.QueryRow(`SELECT id, total_tokens FROM token_impacts WHERE metadata_id = ?`,
		metadataID).Scan(&impactID, &impact.TotalTokens)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch token impact: %w", err)
	}

	rows, err := db.Query(`
		SELECT token_id, position, impact, context_start, context_end
		FROM top_tokens
		WHERE token_impact_id = ?
		ORDER BY position`, impactID)
	if err != nil {
		return nil, fmt.Errorf("fetch top tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tok TopToken
		err := rows.Scan(&tok.TokenID, &tok.Position, &tok.Impact,
			&tok.ContextStart, &tok.ContextEnd)
		if err != nil {
			return nil, fmt.Errorf("scan top token: %w", err)
		}
		impact.TopTokens = append(impact.TopTokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &impact, nil
}

// ShardStats summarizes one shard for the status report.
type ShardStats struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Entries   int    `json:"entries"`
	Trained   int    `json:"trained"`
}

// Stats gathers entry counts and the on-disk size for the database at path.
func (s *Store) Stats(path string) (ShardStats, error) {
	stats := ShardStats{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		return stats, fmt.Errorf("stat shard: %w", err)
	}
	stats.SizeBytes = info.Size()

	db, err := s.db(path)
	if err != nil {
		return stats, err
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&stats.Entries); err != nil {
		return stats, fmt.Errorf("count entries: %w", err)
	}
	err = db.QueryRow(`SELECT COUNT(*) FROM training_metadata WHERE used_in_training = 1`).
		Scan(&stats.Trained)
	if err != nil {
		return stats, fmt.Errorf("count trained entries: %w", err)
	}
	return stats, nil
}
