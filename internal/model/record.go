// Package model defines the core memory data types and error taxonomy.
package model

import "time"

// EmbeddingStatus tracks the lifecycle of a record's embedding vector.
type EmbeddingStatus string

const (
	// EmbeddingPending means the vector has not been computed yet.
	EmbeddingPending EmbeddingStatus = "pending"
	// EmbeddingReady means the vector is computed and indexed.
	EmbeddingReady EmbeddingStatus = "ready"
	// EmbeddingFailed means the last attempt failed; retried by the engine.
	EmbeddingFailed EmbeddingStatus = "failed"
)

// Record is the atomic unit of memory. Content is immutable per version;
// Update appends a new version rather than rewriting bytes in place.
type Record struct {
	ID              string          `json:"id"`
	Namespace       string          `json:"ns"`
	Content         string          `json:"content"`
	Tags            []string        `json:"tags,omitempty"`
	Source          string          `json:"source,omitempty"`
	Priority        int             `json:"priority"`
	Version         int             `json:"version"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	TombstonedAt    *time.Time      `json:"tombstoned_at,omitempty"`
}

// Tombstoned reports whether the record is soft-deleted.
func (r *Record) Tombstoned() bool { return r.TombstonedAt != nil }

// RecordVersion is one historical version of a record, used by audit export.
type RecordVersion struct {
	RecordID  string    `json:"record_id"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	// MinPriority and MaxPriority bound the record priority scale.
	MinPriority = 1
	MaxPriority = 5
	// DefaultPriority is used when a capture omits priority.
	DefaultPriority = 3
)

// ValidNamespaces is the closed set of record namespaces. Extending the set
// is a deliberate code change here, keeping structured index cardinality
// bounded.
var ValidNamespaces = map[string]bool{
	"decisions":   true,
	"patterns":    true,
	"learnings":   true,
	"context":     true,
	"tech-debt":   true,
	"apis":        true,
	"config":      true,
	"security":    true,
	"performance": true,
	"testing":     true,
}
