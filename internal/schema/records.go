package schema

import "strings"

// Entry is one page change record. IDs are preserved verbatim when records
// move between stores so that parent links keep resolving.
type Entry struct {
	ID             int64
	Title          string
	PageID         string
	RevisionID     string
	Timestamp      string
	ContentHash    string
	Action         string
	IsRevision     bool
	ParentID       *string
	RevisionNumber *int64
}

// TrainingMetadata is the per-entry training state. Optional fields stay
// nil until a training pass fills them in.
type TrainingMetadata struct {
	ID                int64
	UsedInTraining    bool
	TrainingTimestamp *string
	ModelCheckpoint   *string
	AverageLoss       *float64
	RelativeLoss      *float64
}

// TokenImpact is the derived per-token impact summary for a trained entry.
type TokenImpact struct {
	TotalTokens int64
	TopTokens   []TopToken
}

// TopToken is one high-impact token with its context window.
type TopToken struct {
	TokenID      int64
	Position     int64
	Impact       float64
	ContextStart int64
	ContextEnd   int64
}

// PageRecord bundles an entry with its derived data, the unit moved by the
// migration runner. Metadata and Impact are nil when the source has none.
type PageRecord struct {
	Entry    Entry
	Metadata *TrainingMetadata
	Impact   *TokenImpact
}

// Key returns the record's natural key: the normalized page ID.
func (r PageRecord) Key() string {
	return NormalizeKey(r.Entry.PageID)
}

// NormalizeKey normalizes a page ID for index and checkpoint lookups.
func NormalizeKey(pageID string) string {
	return strings.TrimSpace(pageID)
}
