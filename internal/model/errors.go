package model

import "github.com/m-mizutani/goerr/v2"

// Error tags classify failures for callers and for log routing. Wrapped
// errors keep their tag, so errors.Is / goerr.HasTag work across layers.
var (
	TagValidation   = goerr.NewTag("validation")
	TagNotFound     = goerr.NewTag("not_found")
	TagConflict     = goerr.NewTag("conflict")
	TagEmbedding    = goerr.NewTag("embedding")
	TagInconsistent = goerr.NewTag("index_inconsistency")
	TagCorruption   = goerr.NewTag("corruption")
	TagExhausted    = goerr.NewTag("storage_exhausted")
)

var (
	// ErrNotFound is returned for unknown or tombstoned record IDs.
	ErrNotFound = goerr.New("record not found", goerr.T(TagNotFound))

	// ErrVersionConflict is returned when a concurrent update won the race.
	// The caller re-reads and retries.
	ErrVersionConflict = goerr.New("version conflict", goerr.T(TagConflict))

	// ErrCorruption is returned when a stored checksum does not match the
	// content read back. Fatal for that record, never silently skipped.
	ErrCorruption = goerr.New("content checksum mismatch", goerr.T(TagCorruption))

	// ErrEmbeddingUnavailable is non-fatal: the record persists with a
	// pending embedding and is retried asynchronously.
	ErrEmbeddingUnavailable = goerr.New("embedding unavailable", goerr.T(TagEmbedding))

	// ErrInvalidFilter is returned for unparseable filter expressions.
	ErrInvalidFilter = goerr.New("invalid filter expression", goerr.T(TagValidation))
)

// Validation reports whether err is a pre-write validation rejection.
func Validation(err error) bool { return goerr.HasTag(err, TagValidation) }
