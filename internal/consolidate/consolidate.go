// Package consolidate runs the background maintenance passes: near-duplicate
// merging and reclamation of expired tombstones.
package consolidate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/subcog/subcog/internal/graph"
	"github.com/subcog/subcog/internal/index"
	"github.com/subcog/subcog/internal/keylock"
	"github.com/subcog/subcog/internal/logging"
	"github.com/subcog/subcog/internal/model"
	"github.com/subcog/subcog/internal/store"
	"github.com/subcog/subcog/internal/vector"
)

// Config tunes consolidation. Threshold and Retention carry no defaults;
// both must be set explicitly because wrong values destroy data.
type Config struct {
	// Threshold is the cosine similarity at or above which two records in
	// the same namespace count as near-duplicates. Must be in (0, 1].
	Threshold float32

	// Retention is how long a tombstoned record is kept before physical
	// removal. Must be positive.
	Retention time.Duration

	// Interval is the background cadence. Zero means Run-on-demand only.
	Interval time.Duration
}

func (c Config) validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return goerr.New("consolidation threshold must be in (0, 1]",
			goerr.T(model.TagValidation), goerr.V("threshold", c.Threshold))
	}
	if c.Retention <= 0 {
		return goerr.New("tombstone retention must be positive",
			goerr.T(model.TagValidation), goerr.V("retention", c.Retention.String()))
	}
	return nil
}

// Consolidator holds the layers a maintenance pass touches. The locks must
// be the same instance the request engine uses, otherwise reclamation can
// race an in-flight read.
type Consolidator struct {
	store  *store.SQLiteStore
	index  *index.Index
	vector *vector.Store
	graph  *graph.Graph
	locks  *keylock.Striped
	cfg    Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New validates the config and builds a consolidator.
func New(s *store.SQLiteStore, ix *index.Index, vs *vector.Store, g *graph.Graph,
	locks *keylock.Striped, cfg Config) (*Consolidator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Consolidator{store: s, index: ix, vector: vs, graph: g, locks: locks, cfg: cfg}, nil
}

// Stats reports what one pass did.
type Stats struct {
	Scanned   int `json:"scanned"`
	Merged    int `json:"merged"`
	Reclaimed int `json:"reclaimed"`
	Skipped   int `json:"skipped"`
}

// Run executes one full maintenance pass: a merge sweep followed by
// tombstone reclamation. Individual record failures are logged and
// skipped; the pass keeps going. Safe to re-run at any time.
func (c *Consolidator) Run(ctx context.Context) (*Stats, error) {
	logger := logging.From(ctx).With(
		"component", "consolidate",
		"correlation_id", uuid.NewString(),
	)
	ctx = logging.With(ctx, logger)

	stats := &Stats{}
	if err := c.mergePass(ctx, stats); err != nil {
		return stats, err
	}
	if err := c.reclaimPass(ctx, stats); err != nil {
		return stats, err
	}
	logger.Info("consolidation pass complete",
		"scanned", stats.Scanned,
		"merged", stats.Merged,
		"reclaimed", stats.Reclaimed,
		"skipped", stats.Skipped)
	return stats, nil
}

// mergePass finds near-duplicate pairs within each namespace and merges
// each loser into its winner. Only records with a live vector participate;
// pending ones are picked up on a later pass.
func (c *Consolidator) mergePass(ctx context.Context, stats *Stats) error {
	logger := logging.From(ctx)

	records, corrupt, err := c.store.AllCurrentSkipCorrupt(ctx)
	if err != nil {
		return err
	}
	stats.Scanned = len(records)
	for _, id := range corrupt {
		logger.Error("corrupt record excluded from consolidation", "id", id)
		stats.Skipped++
	}

	byNS := map[string][]model.Record{}
	for _, rec := range records {
		if rec.EmbeddingStatus != model.EmbeddingReady || !c.vector.Has(rec.ID) {
			continue
		}
		byNS[rec.Namespace] = append(byNS[rec.Namespace], rec)
	}

	merged := map[string]bool{} // losers already absorbed this pass
	for _, group := range byNS {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a, b := &group[i], &group[j]
				if merged[a.ID] || merged[b.ID] {
					continue
				}
				sim, ok := c.vector.Similarity(a.ID, b.ID)
				if !ok || sim < c.cfg.Threshold {
					continue
				}
				winner, loser := pickWinner(a, b)
				if err := c.merge(ctx, winner, loser); err != nil {
					logger.Warn("merge skipped",
						"winner", winner.ID, "loser", loser.ID, "error", err.Error())
					stats.Skipped++
					continue
				}
				merged[loser.ID] = true
				stats.Merged++
				logger.Info("merged near-duplicates",
					"winner", winner.ID, "loser", loser.ID, "similarity", sim)
			}
		}
	}
	return nil
}

// pickWinner prefers the higher-priority record, then the newer one.
func pickWinner(a, b *model.Record) (winner, loser *model.Record) {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return a, b
		}
		return b, a
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return a, b
	}
	return b, a
}

// merge folds the loser's tags (and source, when the winner has none) into
// the winner as a new winner version, then tombstones the loser. Both
// records stay locked for the whole operation so readers never observe a
// half-merged pair.
func (c *Consolidator) merge(ctx context.Context, winner, loser *model.Record) error {
	unlock := c.locks.LockPair(winner.ID, loser.ID)
	defer unlock()

	tags := unionTags(winner.Tags, loser.Tags)
	source := winner.Source
	if source == "" {
		source = loser.Source
	}
	updated, err := c.store.Update(ctx, store.UpdateParams{
		ID:      winner.ID,
		Content: winner.Content,
		Tags:    tags,
		Source:  source,
	})
	if err != nil {
		// On a version conflict a request raced us; leave both records
		// alone, the next pass re-evaluates them.
		return err
	}
	if err := c.index.Put(ctx, updated); err != nil {
		return err
	}

	if err := c.store.Tombstone(ctx, loser.ID); err != nil {
		return err
	}
	if err := c.index.Remove(ctx, loser.ID); err != nil {
		return err
	}
	return c.vector.Remove(ctx, loser.ID)
}

func unionTags(a, b []string) []string {
	set := map[string]bool{}
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		set[t] = true
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// reclaimPass physically removes records whose tombstone has outlived the
// retention window, scrubbing graph references and index remnants first so
// nothing dangles afterwards.
func (c *Consolidator) reclaimPass(ctx context.Context, stats *Stats) error {
	logger := logging.From(ctx)

	cutoff := time.Now().UTC().Add(-c.cfg.Retention)
	expired, err := c.store.ListTombstoned(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, rec := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.reclaim(ctx, rec.ID); err != nil {
			logger.Warn("reclamation skipped record", "id", rec.ID, "error", err.Error())
			stats.Skipped++
			continue
		}
		stats.Reclaimed++
	}
	return nil
}

func (c *Consolidator) reclaim(ctx context.Context, id string) error {
	c.locks.Lock(id)
	defer c.locks.Unlock(id)

	// Re-check under the lock: the expired list was computed outside it.
	// Corruption cannot resurrect a tombstone (nothing un-tombstones a
	// record), so a corrupt row listed as expired is still reclaimed.
	rec, err := c.store.GetAny(ctx, id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return nil // already gone
	case errors.Is(err, model.ErrCorruption):
	case err != nil:
		return err
	default:
		if !rec.Tombstoned() {
			return nil
		}
	}

	if err := c.graph.PruneRecordRefs(ctx, id); err != nil {
		return err
	}
	if err := c.index.Remove(ctx, id); err != nil {
		return err
	}
	if err := c.vector.Remove(ctx, id); err != nil {
		return err
	}
	return c.store.HardDelete(ctx, id)
}

// Start launches the periodic background loop. No-op when Interval is
// zero. Stop with Stop or by cancelling ctx.
func (c *Consolidator) Start(ctx context.Context) {
	if c.cfg.Interval <= 0 {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	logger := logging.From(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("consolidation pass failed", "error", err.Error())
			}
		}
	}()
}

// Stop cancels the background loop and waits for an in-flight pass.
func (c *Consolidator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}
