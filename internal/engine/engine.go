// Package engine orchestrates the record store, structured index, vector
// index and knowledge graph into the capture/recall/update/delete surface.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/subcog/subcog/internal/embedding"
	"github.com/subcog/subcog/internal/graph"
	"github.com/subcog/subcog/internal/index"
	"github.com/subcog/subcog/internal/keylock"
	"github.com/subcog/subcog/internal/logging"
	"github.com/subcog/subcog/internal/model"
	"github.com/subcog/subcog/internal/store"
	"github.com/subcog/subcog/internal/vector"
)

// Config tunes the engine.
type Config struct {
	// Dim is the fixed embedding dimension. Required when an embedder is
	// configured.
	Dim int

	// EmbedTimeout bounds one embedding gateway call.
	EmbedTimeout time.Duration

	// RetryInterval is the base interval of the pending-embedding retry
	// loop; it backs off exponentially while the gateway keeps failing.
	RetryInterval time.Duration

	// RetryMaxInterval caps the backoff.
	RetryMaxInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = embedding.DefaultTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 15 * time.Second
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 10 * time.Minute
	}
	return c
}

// Engine wires the storage layers together. All shared handles are passed
// in explicitly; there are no package-level singletons.
type Engine struct {
	store    *store.SQLiteStore
	index    *index.Index
	vector   *vector.Store
	graph    *graph.Graph
	embedder embedding.Embedder // nil when embeddings are disabled
	locks    *keylock.Striped
	cfg      Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Open builds an engine over a SQLite file, creating every layer's tables.
// embedder may be nil; captures then stay embedding-pending and recall is
// structured-only.
func Open(dbPath string, embedder embedding.Embedder, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if embedder != nil && cfg.Dim == 0 {
		cfg.Dim = embedder.Dims()
	}
	if cfg.Dim == 0 {
		cfg.Dim = 768 // persisted blobs still need a fixed dimension
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	ix, err := index.New(s.DB())
	if err != nil {
		s.Close()
		return nil, err
	}
	vs, err := vector.New(s.DB(), cfg.Dim)
	if err != nil {
		s.Close()
		return nil, err
	}
	g, err := graph.New(s.DB())
	if err != nil {
		s.Close()
		return nil, err
	}

	return &Engine{
		store:    s,
		index:    ix,
		vector:   vs,
		graph:    g,
		embedder: embedder,
		locks:    keylock.New(),
		cfg:      cfg,
	}, nil
}

// Store exposes the record store (consolidation wiring and stats).
func (e *Engine) Store() *store.SQLiteStore { return e.store }

// Index exposes the structured index.
func (e *Engine) Index() *index.Index { return e.index }

// Vector exposes the vector index.
func (e *Engine) Vector() *vector.Store { return e.vector }

// Graph exposes the knowledge graph layer.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Locks exposes the per-record locks so the GC task serializes against
// request handlers.
func (e *Engine) Locks() *keylock.Striped { return e.locks }

// Close waits for in-flight background work and closes the store.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.store.Close()
}

// opCtx stamps a context with the correlation values every operation
// emits: component, operation and a fresh correlation id.
func (e *Engine) opCtx(ctx context.Context, operation string) (context.Context, *slog.Logger) {
	logger := logging.From(ctx).With(
		"component", "engine",
		"operation", operation,
		"correlation_id", uuid.NewString(),
	)
	return logging.With(ctx, logger), logger
}

func finish(logger *slog.Logger, err error) {
	if err != nil {
		logger.Error("operation failed", "status", "error", "error", err.Error())
		return
	}
	logger.Debug("operation complete", "status", "ok")
}

// CaptureParams holds a capture request.
type CaptureParams struct {
	Namespace string
	Content   string
	Tags      []string
	Source    string
	Priority  int
}

// CaptureResult is the public capture response.
type CaptureResult struct {
	ID              string                `json:"id"`
	Version         int                   `json:"version"`
	EmbeddingStatus model.EmbeddingStatus `json:"embedding_status"`
}

// Capture validates and persists a record, then indexes it. The record is
// durable as soon as the store commit returns; embedding runs
// asynchronously and its failure never fails the capture.
func (e *Engine) Capture(ctx context.Context, p CaptureParams) (res *CaptureResult, err error) {
	ctx, logger := e.opCtx(ctx, "capture")
	defer func() { finish(logger, err) }()

	if err := validateCapture(p); err != nil {
		return nil, err
	}

	rec, err := e.store.Put(ctx, store.PutParams{
		Namespace: p.Namespace,
		Content:   strings.TrimSpace(p.Content),
		Tags:      p.Tags,
		Source:    p.Source,
		Priority:  p.Priority,
	})
	if err != nil {
		return nil, err
	}

	// Past this point the capture has succeeded; index trouble is repaired
	// later, not surfaced as a capture failure.
	if ixErr := e.index.Put(ctx, rec); ixErr != nil {
		logger.Error("structured index update failed, record retrievable by id only",
			"id", rec.ID, "error", ixErr.Error())
	}
	e.embedAsync(ctx, rec.ID, rec.Content)

	return &CaptureResult{ID: rec.ID, Version: rec.Version, EmbeddingStatus: rec.EmbeddingStatus}, nil
}

func validateCapture(p CaptureParams) error {
	if !model.ValidNamespaces[p.Namespace] {
		return goerr.New("invalid namespace", goerr.T(model.TagValidation),
			goerr.V("ns", p.Namespace))
	}
	if strings.TrimSpace(p.Content) == "" {
		return goerr.New("content must not be empty", goerr.T(model.TagValidation))
	}
	if p.Priority != 0 && (p.Priority < model.MinPriority || p.Priority > model.MaxPriority) {
		return goerr.New("priority out of range", goerr.T(model.TagValidation),
			goerr.V("priority", p.Priority))
	}
	return nil
}

// Get returns the current version of a record.
func (e *Engine) Get(ctx context.Context, id string) (rec *model.Record, err error) {
	ctx, logger := e.opCtx(ctx, "get")
	defer func() { finish(logger, err) }()
	return e.store.Get(ctx, id)
}

// GetVersion returns one explicit historical version of a record.
func (e *Engine) GetVersion(ctx context.Context, id string, version int) (v *model.RecordVersion, err error) {
	ctx, logger := e.opCtx(ctx, "get_version")
	defer func() { finish(logger, err) }()
	return e.store.GetVersion(ctx, id, version)
}

// UpdateResult is the public update response.
type UpdateResult struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Update appends a new version and synchronously refreshes both indexes.
// The stale vector is dropped immediately; the new one is computed
// asynchronously like on capture.
func (e *Engine) Update(ctx context.Context, id, content string) (res *UpdateResult, err error) {
	ctx, logger := e.opCtx(ctx, "update")
	defer func() { finish(logger, err) }()

	if strings.TrimSpace(content) == "" {
		return nil, goerr.New("content must not be empty", goerr.T(model.TagValidation))
	}

	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	rec, err := e.store.Update(ctx, store.UpdateParams{ID: id, Content: strings.TrimSpace(content)})
	if err != nil {
		return nil, err
	}

	if ixErr := e.index.Put(ctx, rec); ixErr != nil {
		logger.Error("structured index update failed", "id", id, "error", ixErr.Error())
	}
	if vErr := e.vector.Remove(ctx, id); vErr != nil {
		logger.Error("stale vector removal failed", "id", id, "error", vErr.Error())
	}
	e.embedAsync(ctx, rec.ID, rec.Content)

	return &UpdateResult{ID: rec.ID, Version: rec.Version}, nil
}

// Delete tombstones a record and synchronously removes its index entries.
// The record stays in the store until GC reclaims it.
func (e *Engine) Delete(ctx context.Context, id string) (err error) {
	ctx, logger := e.opCtx(ctx, "delete")
	defer func() { finish(logger, err) }()

	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	if err := e.store.Tombstone(ctx, id); err != nil {
		return err
	}
	if ixErr := e.index.Remove(ctx, id); ixErr != nil {
		logger.Error("index removal failed", "id", id, "error", ixErr.Error())
	}
	if vErr := e.vector.Remove(ctx, id); vErr != nil {
		logger.Error("vector removal failed", "id", id, "error", vErr.Error())
	}
	return nil
}

// Export returns the full record set including tombstoned records and
// version history (GDPR export).
func (e *Engine) Export(ctx context.Context, namespace string) (out []store.ExportedRecord, err error) {
	ctx, logger := e.opCtx(ctx, "gdpr_export")
	defer func() { finish(logger, err) }()
	return e.store.ExportAll(ctx, namespace)
}

// embedAsync computes a record's embedding off the request path. No
// per-record lock is held across the gateway call, so embedding latency
// never blocks other operations.
func (e *Engine) embedAsync(ctx context.Context, id, content string) {
	if e.embedder == nil {
		return
	}
	logger := logging.From(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in embedding task", "id", id, "panic", r)
			}
		}()
		bg := logging.With(context.Background(), logger)
		if err := e.embedRecord(bg, id, content); err != nil {
			logger.Warn("embedding deferred, will retry", "id", id, "error", err.Error())
		}
	}()
}

func (e *Engine) embedRecord(ctx context.Context, id, content string) error {
	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	vec, err := e.embedder.Embed(embedCtx, content)
	cancel()
	if err != nil {
		if stErr := e.store.SetEmbeddingStatus(ctx, id, model.EmbeddingFailed); stErr != nil {
			return stErr
		}
		return goerr.Wrap(model.ErrEmbeddingUnavailable, "embed record",
			goerr.V("id", id), goerr.V("cause", err.Error()))
	}

	if err := e.vector.Upsert(ctx, id, vec); err != nil {
		return err
	}
	// The record may have been tombstoned while we were embedding; losing
	// this status write is fine, the retry loop reconciles.
	if err := e.store.SetEmbeddingStatus(ctx, id, model.EmbeddingReady); err != nil {
		if goerr.HasTag(err, model.TagNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Wait blocks until all in-flight background embedding work finishes.
// Test and shutdown hook.
func (e *Engine) Wait() { e.wg.Wait() }

// RunPendingEmbeddings retries every record whose embedding is pending or
// failed. Returns how many were embedded.
func (e *Engine) RunPendingEmbeddings(ctx context.Context) (n int, err error) {
	ctx, logger := e.opCtx(ctx, "retry_embeddings")
	defer func() { finish(logger, err) }()

	if e.embedder == nil {
		return 0, nil
	}
	ids, err := e.store.PendingEmbeddings(ctx, 100)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			logger.Warn("pending record unavailable", "id", id, "error", err.Error())
			continue
		}
		if err := e.embedRecord(ctx, id, rec.Content); err != nil {
			logger.Warn("embedding retry failed", "id", id, "error", err.Error())
			continue
		}
		n++
	}
	return n, nil
}

// Start launches the background embedding retry loop. It backs off
// exponentially while the gateway keeps failing and resets once a pass
// makes progress. Stop via Close or by cancelling ctx.
func (e *Engine) Start(ctx context.Context) {
	if e.embedder == nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	interval := e.cfg.RetryInterval

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			n, err := e.RunPendingEmbeddings(ctx)
			if err != nil || n == 0 {
				interval *= 2
				if interval > e.cfg.RetryMaxInterval {
					interval = e.cfg.RetryMaxInterval
				}
			} else {
				interval = e.cfg.RetryInterval
			}
		}
	}()
}
