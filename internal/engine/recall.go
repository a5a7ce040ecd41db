package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/m-mizutani/goerr/v2"

	"github.com/subcog/subcog/internal/index"
	"github.com/subcog/subcog/internal/logging"
	"github.com/subcog/subcog/internal/model"
)

// RecallParams holds a recall request. Query and Filter may each be empty,
// but not both.
type RecallParams struct {
	Query  string
	Filter string
	Limit  int
}

// DefaultRecallLimit bounds result sets when the caller does not.
const DefaultRecallLimit = 20

// Hit is one recall result. Score is only meaningful for semantic and
// hybrid recall; structured recall leaves it zero.
type Hit struct {
	Record model.Record `json:"record"`
	Score  float32      `json:"score,omitempty"`
}

// Recall answers the three retrieval modes:
//
//   - filter only: structured index order (created_at DESC, id ASC)
//   - query only: similarity order over the whole vector index
//   - both: structured candidate set intersected with the vector index,
//     ranked by similarity, ties broken by priority then recency
//
// When the embedding gateway is down and a filter is present, recall
// degrades to structured results instead of failing.
func (e *Engine) Recall(ctx context.Context, p RecallParams) (hits []Hit, err error) {
	ctx, logger := e.opCtx(ctx, "recall")
	defer func() { finish(logger, err) }()

	if p.Query == "" && p.Filter == "" {
		return nil, goerr.New("recall needs a query or a filter", goerr.T(model.TagValidation))
	}
	if p.Limit <= 0 {
		p.Limit = DefaultRecallLimit
	}

	var filter *index.Filter
	if p.Filter != "" {
		filter, err = index.ParseFilter(p.Filter)
		if err != nil {
			return nil, err
		}
	}

	if p.Query == "" {
		return e.recallStructured(ctx, filter, p.Limit)
	}

	queryVec, embedErr := e.embedQuery(ctx, p.Query)
	if embedErr != nil {
		if filter == nil {
			return nil, embedErr
		}
		logger.Warn("embedding unavailable, degrading to structured recall",
			"error", embedErr.Error())
		return e.recallStructured(ctx, filter, p.Limit)
	}

	var allow map[string]bool
	if filter != nil {
		ids, err := e.index.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		allow = make(map[string]bool, len(ids))
		for _, id := range ids {
			allow[id] = true
		}
		if len(allow) == 0 {
			return []Hit{}, nil
		}
	}

	// Overfetch so index drift and tie-break reordering inside the cut
	// still surface the right records.
	results, err := e.vector.Search(queryVec, p.Limit*2, allow)
	if err != nil {
		return nil, err
	}

	hits = make([]Hit, 0, len(results))
	for _, r := range results {
		rec, err := e.loadHit(ctx, r.ID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue // repaired by loadHit, skip per contract
			}
			return nil, err
		}
		hits = append(hits, Hit{Record: *rec, Score: r.Score})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Record.Priority != hits[j].Record.Priority {
			return hits[i].Record.Priority > hits[j].Record.Priority
		}
		return hits[i].Record.CreatedAt.After(hits[j].Record.CreatedAt)
	})
	if len(hits) > p.Limit {
		hits = hits[:p.Limit]
	}
	return hits, nil
}

func (e *Engine) recallStructured(ctx context.Context, filter *index.Filter, limit int) ([]Hit, error) {
	ids, err := e.index.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, limit)
	for _, id := range ids {
		if len(hits) == limit {
			break
		}
		rec, err := e.loadHit(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		hits = append(hits, Hit{Record: *rec})
	}
	return hits, nil
}

// loadHit fetches a record an index pointed at. A dangling pointer means
// the indexes drifted from the store; the stale entries are scrubbed and
// NotFound is returned so the caller skips the hit.
func (e *Engine) loadHit(ctx context.Context, id string) (*model.Record, error) {
	rec, err := e.store.Get(ctx, id)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, model.ErrNotFound) {
		inc := goerr.Wrap(err, "index entry without live record",
			goerr.T(model.TagInconsistent), goerr.V("id", id))
		logging.From(ctx).Warn("repairing index inconsistency", "error", inc.Error())
		e.repairRecord(ctx, id)
	}
	return nil, err
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.embedder == nil {
		return nil, goerr.Wrap(model.ErrEmbeddingUnavailable, "no embedding provider configured")
	}
	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	defer cancel()
	vec, err := e.embedder.Embed(embedCtx, query)
	if err != nil {
		return nil, goerr.Wrap(model.ErrEmbeddingUnavailable, "embed query",
			goerr.V("cause", err.Error()))
	}
	return vec, nil
}

// repairRecord drops every index trace of a record that no longer has a
// live store row. Errors are logged, not returned; repair is best effort.
func (e *Engine) repairRecord(ctx context.Context, id string) {
	logger := logging.From(ctx)
	if err := e.index.Remove(ctx, id); err != nil {
		logger.Error("repair: index removal failed", "id", id, "error", err.Error())
	}
	if err := e.vector.Remove(ctx, id); err != nil {
		logger.Error("repair: vector removal failed", "id", id, "error", err.Error())
	}
}

// Reindex rebuilds both the structured and vector indexes from the record
// store, the store being the source of truth. Vectors are reloaded from
// their persisted blobs; records marked ready whose vector is gone are
// flipped back to pending so the retry loop re-embeds them.
func (e *Engine) Reindex(ctx context.Context) (err error) {
	ctx, logger := e.opCtx(ctx, "reindex")
	defer func() { finish(logger, err) }()

	records, err := e.store.AllCurrent(ctx)
	if err != nil {
		return err
	}
	if err := e.index.Rebuild(ctx, records); err != nil {
		return err
	}
	if err := e.vector.Rebuild(ctx); err != nil {
		return err
	}

	keep := make(map[string]bool, len(records))
	for _, rec := range records {
		keep[rec.ID] = true
	}
	if err := e.vector.RemoveExcept(ctx, keep); err != nil {
		return err
	}

	flipped := 0
	for _, rec := range records {
		if rec.EmbeddingStatus == model.EmbeddingReady && !e.vector.Has(rec.ID) {
			if err := e.store.SetEmbeddingStatus(ctx, rec.ID, model.EmbeddingPending); err != nil {
				return err
			}
			flipped++
		}
	}
	logger.Info("reindex complete", "records", len(records), "re_pending", flipped)
	return nil
}
