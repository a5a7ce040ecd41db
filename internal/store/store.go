// Package store provides the durable record store on SQLite.
package store

import (
	"context"
	"time"

	"github.com/subcog/subcog/internal/model"
)

// PutParams holds parameters for capturing a new record.
type PutParams struct {
	Namespace string
	Content   string
	Tags      []string
	Source    string
	Priority  int
}

// UpdateParams holds parameters for appending a new version. Zero-valued
// optional fields keep the existing value.
type UpdateParams struct {
	ID       string
	Content  string
	Tags     []string
	Source   string
	Priority int
}

// ListParams holds parameters for listing current records.
type ListParams struct {
	Namespace string
	Limit     int
	PageToken string
}

// Page is one page of list results.
type Page struct {
	Records       []model.Record `json:"records"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

// ExportedRecord is a record with its full version history, used by the
// GDPR export path. Tombstoned records are included.
type ExportedRecord struct {
	Record   model.Record          `json:"record"`
	Versions []model.RecordVersion `json:"versions"`
}

// Store is the durable record storage contract.
type Store interface {
	// Put transactionally persists a new record and returns it.
	Put(ctx context.Context, p PutParams) (*model.Record, error)

	// Get returns the current, non-tombstoned version of a record.
	Get(ctx context.Context, id string) (*model.Record, error)

	// GetVersion returns one explicit version, tombstoned or not (audit use).
	GetVersion(ctx context.Context, id string, version int) (*model.RecordVersion, error)

	// Update appends a new version and repoints current atomically. A raced
	// concurrent update returns model.ErrVersionConflict. Changed content
	// resets the embedding status to pending; a metadata-only version with
	// identical content keeps it.
	Update(ctx context.Context, p UpdateParams) (*model.Record, error)

	// Tombstone soft-deletes a record. It stays stored until reclaimed.
	Tombstone(ctx context.Context, id string) error

	// HardDelete physically removes a record and all its versions. GC only.
	HardDelete(ctx context.Context, id string) error

	// List returns a page of current, non-tombstoned records.
	List(ctx context.Context, p ListParams) (*Page, error)

	// AllCurrent returns every current, non-tombstoned record. Used by
	// index rebuilds and the consolidation scan.
	AllCurrent(ctx context.Context) ([]model.Record, error)

	// ListTombstoned returns records tombstoned before the given time.
	ListTombstoned(ctx context.Context, before time.Time) ([]model.Record, error)

	// SetEmbeddingStatus records the embedding lifecycle state.
	SetEmbeddingStatus(ctx context.Context, id string, status model.EmbeddingStatus) error

	// ExportAll returns all records with version history, tombstoned included.
	ExportAll(ctx context.Context, namespace string) ([]ExportedRecord, error)

	// Close closes the store.
	Close() error
}
