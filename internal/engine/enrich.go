package engine

import (
	"context"

	"github.com/subcog/subcog/internal/model"
)

// EnrichStats reports what one enrichment pass produced. Entities counts
// creations only, so a rerun over unchanged records reports zero.
type EnrichStats struct {
	Records       int `json:"records"`
	Entities      int `json:"entities"`
	Links         int `json:"links"`
	Relationships int `json:"relationships"`
}

// Enrich derives knowledge-graph structure from the live records: each
// record's source becomes a file entity, each tag a tag entity, and tags
// that co-occur on a record are connected with relates_to edges. The pass
// is idempotent; re-running it over unchanged records changes nothing.
func (e *Engine) Enrich(ctx context.Context) (stats *EnrichStats, err error) {
	ctx, logger := e.opCtx(ctx, "enrich")
	defer func() { finish(logger, err) }()

	records, corrupt, err := e.store.AllCurrentSkipCorrupt(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range corrupt {
		logger.Error("corrupt record excluded from enrichment", "id", id)
	}

	stats = &EnrichStats{}
	for i := range records {
		rec := &records[i]
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := e.enrichRecord(ctx, rec, stats); err != nil {
			logger.Warn("enrichment skipped record", "id", rec.ID, "error", err.Error())
			continue
		}
		stats.Records++
	}

	logger.Info("enrichment complete",
		"records", stats.Records,
		"entities", stats.Entities,
		"links", stats.Links,
		"relationships", stats.Relationships)
	return stats, nil
}

func (e *Engine) enrichRecord(ctx context.Context, rec *model.Record, stats *EnrichStats) error {
	if rec.Source != "" {
		ent, created, err := e.graph.UpsertEntity(ctx, model.EntityTypeFile, rec.Source)
		if err != nil {
			return err
		}
		if created {
			stats.Entities++
		}
		if err := e.graph.LinkRecord(ctx, ent.ID, rec.ID); err != nil {
			return err
		}
		stats.Links++
	}

	tagIDs := make([]string, 0, len(rec.Tags))
	for _, tag := range rec.Tags {
		ent, created, err := e.graph.UpsertEntity(ctx, model.EntityTypeTag, tag)
		if err != nil {
			return err
		}
		if created {
			stats.Entities++
		}
		if err := e.graph.LinkRecord(ctx, ent.ID, rec.ID); err != nil {
			return err
		}
		stats.Links++
		tagIDs = append(tagIDs, ent.ID)
	}

	// Co-occurrence: ordered pairs collapse to one edge via the graph's
	// uniqueness constraint on (from, to, kind).
	for i := 0; i < len(tagIDs); i++ {
		for j := i + 1; j < len(tagIDs); j++ {
			from, to := tagIDs[i], tagIDs[j]
			if from > to {
				from, to = to, from
			}
			if _, err := e.graph.Relate(ctx, from, to, model.RelatesTo, 1.0); err != nil {
				return err
			}
			stats.Relationships++
		}
	}
	return nil
}
