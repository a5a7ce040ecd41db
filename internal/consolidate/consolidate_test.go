package consolidate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/subcog/subcog/internal/embedding"
	"github.com/subcog/subcog/internal/engine"
	"github.com/subcog/subcog/internal/graph"
	"github.com/subcog/subcog/internal/model"
)

func newTestRig(t *testing.T, cfg Config) (*engine.Engine, *Consolidator) {
	t.Helper()
	emb := embedding.NewMock(16)
	e, err := engine.Open(filepath.Join(t.TempDir(), "test.db"), emb, engine.Config{Dim: emb.Dims()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	c, err := New(e.Store(), e.Index(), e.Vector(), e.Graph(), e.Locks(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, c
}

func capture(t *testing.T, e *engine.Engine, p engine.CaptureParams) string {
	t.Helper()
	res, err := e.Capture(context.Background(), p)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	return res.ID
}

func TestConfigValidation(t *testing.T) {
	cases := []Config{
		{Threshold: 0, Retention: time.Hour},
		{Threshold: 1.2, Retention: time.Hour},
		{Threshold: 0.9, Retention: 0},
	}
	for _, cfg := range cases {
		if err := cfg.validate(); err == nil || !model.Validation(err) {
			t.Errorf("cfg %+v: err = %v, want validation error", cfg, err)
		}
	}
}

func TestMergeNearDuplicates(t *testing.T) {
	e, c := newTestRig(t, Config{Threshold: 0.95, Retention: 24 * time.Hour})
	ctx := context.Background()

	// Identical content embeds identically under the mock, similarity 1.
	winner := capture(t, e, engine.CaptureParams{
		Namespace: "decisions", Content: "retry with exponential backoff",
		Tags: []string{"retries"}, Priority: 5,
	})
	loser := capture(t, e, engine.CaptureParams{
		Namespace: "decisions", Content: "retry with exponential backoff",
		Tags: []string{"resilience"}, Priority: 2,
	})
	unrelated := capture(t, e, engine.CaptureParams{
		Namespace: "decisions", Content: "cobra owns flag parsing",
	})
	e.Wait()

	stats, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Merged != 1 {
		t.Fatalf("merged = %d, want 1", stats.Merged)
	}

	rec, err := e.Get(ctx, winner)
	if err != nil {
		t.Fatalf("Get winner: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("winner version = %d, want 2 after merge", rec.Version)
	}
	// The merge is metadata-only: content bytes are unchanged, so the
	// winner's vector and embedding status survive.
	if rec.EmbeddingStatus != model.EmbeddingReady {
		t.Errorf("winner status = %q, want ready after metadata-only merge", rec.EmbeddingStatus)
	}
	if !e.Vector().Has(winner) {
		t.Error("winner vector lost in merge")
	}
	wantTags := []string{"resilience", "retries"}
	if len(rec.Tags) != len(wantTags) {
		t.Fatalf("tags = %v, want %v", rec.Tags, wantTags)
	}
	for i := range wantTags {
		if rec.Tags[i] != wantTags[i] {
			t.Errorf("tags = %v, want %v", rec.Tags, wantTags)
		}
	}

	if _, err := e.Get(ctx, loser); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("loser still live: %v", err)
	}
	if _, err := e.Get(ctx, unrelated); err != nil {
		t.Errorf("unrelated record harmed: %v", err)
	}
}

func TestMergeRespectsNamespaces(t *testing.T) {
	e, c := newTestRig(t, Config{Threshold: 0.95, Retention: 24 * time.Hour})
	ctx := context.Background()

	a := capture(t, e, engine.CaptureParams{Namespace: "decisions", Content: "cache invalidation rules"})
	b := capture(t, e, engine.CaptureParams{Namespace: "patterns", Content: "cache invalidation rules"})
	e.Wait()

	stats, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Merged != 0 {
		t.Errorf("merged = %d across namespaces, want 0", stats.Merged)
	}
	for _, id := range []string{a, b} {
		if _, err := e.Get(ctx, id); err != nil {
			t.Errorf("record %s harmed: %v", id, err)
		}
	}
}

func TestMergeIdempotent(t *testing.T) {
	e, c := newTestRig(t, Config{Threshold: 0.95, Retention: 24 * time.Hour})
	ctx := context.Background()

	capture(t, e, engine.CaptureParams{Namespace: "learnings", Content: "same insight twice"})
	capture(t, e, engine.CaptureParams{Namespace: "learnings", Content: "same insight twice"})
	e.Wait()

	first, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Merged != 1 {
		t.Fatalf("first merged = %d, want 1", first.Merged)
	}

	second, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Merged != 0 {
		t.Errorf("second merged = %d, want 0", second.Merged)
	}
}

func TestReclaimExpiredTombstones(t *testing.T) {
	e, c := newTestRig(t, Config{Threshold: 0.99, Retention: time.Millisecond})
	ctx := context.Background()

	id := capture(t, e, engine.CaptureParams{
		Namespace: "context", Content: "short-lived note",
		Tags: []string{"scratch"}, Source: "notes/scratch.md",
	})
	e.Wait()
	if _, err := e.Enrich(ctx); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if err := e.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // let retention elapse

	stats, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Reclaimed != 1 {
		t.Fatalf("reclaimed = %d, want 1", stats.Reclaimed)
	}

	if _, err := e.Store().GetAny(ctx, id); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("record not physically removed: %v", err)
	}
	// Entities outlive the records that referenced them; only the
	// reference is pruned.
	ents, err := e.Graph().Entities(ctx, graph.EntityFilter{Type: model.EntityTypeTag, Name: "scratch"})
	if err != nil {
		t.Fatalf("Entities: %v", err)
	}
	if len(ents) != 1 {
		t.Fatalf("entities = %d, want tag entity to survive reclamation", len(ents))
	}
	if len(ents[0].RecordIDs) != 0 {
		t.Errorf("record refs = %v, want pruned", ents[0].RecordIDs)
	}
}

func TestCorruptRecordDoesNotAbortPass(t *testing.T) {
	e, c := newTestRig(t, Config{Threshold: 0.95, Retention: time.Millisecond})
	ctx := context.Background()

	bad := capture(t, e, engine.CaptureParams{Namespace: "learnings", Content: "soon to be tampered"})
	a := capture(t, e, engine.CaptureParams{Namespace: "decisions", Content: "duplicated insight"})
	capture(t, e, engine.CaptureParams{Namespace: "decisions", Content: "duplicated insight"})
	expired := capture(t, e, engine.CaptureParams{Namespace: "context", Content: "expired tombstone"})
	e.Wait()

	if err := e.Delete(ctx, expired); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Tamper one record's stored content out-of-band.
	if _, err := e.Store().DB().Exec(
		`UPDATE record_versions SET content = 'tampered' WHERE record_id = ?`, bad); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	stats, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run must not abort on one corrupt record: %v", err)
	}
	if stats.Merged != 1 {
		t.Errorf("merged = %d, want 1 despite the corrupt record", stats.Merged)
	}
	if stats.Reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1 despite the corrupt record", stats.Reclaimed)
	}
	if stats.Skipped == 0 {
		t.Error("corrupt record should be counted as skipped")
	}
	// The corrupt record is untouched, still surfacing Corruption on read.
	if _, err := e.Get(ctx, bad); !errors.Is(err, model.ErrCorruption) {
		t.Errorf("corrupt record read: %v, want ErrCorruption", err)
	}
	if _, err := e.Get(ctx, a); err != nil {
		t.Errorf("merge winner harmed: %v", err)
	}
}

func TestReclaimCorruptTombstone(t *testing.T) {
	e, c := newTestRig(t, Config{Threshold: 0.99, Retention: time.Millisecond})
	ctx := context.Background()

	id := capture(t, e, engine.CaptureParams{Namespace: "context", Content: "corrupt and tombstoned"})
	e.Wait()
	if err := e.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Store().DB().Exec(
		`UPDATE record_versions SET content = 'tampered' WHERE record_id = ?`, id); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	stats, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Reclaimed != 1 {
		t.Errorf("reclaimed = %d, want corrupt tombstone reclaimed", stats.Reclaimed)
	}
	if _, err := e.Store().GetAny(ctx, id); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("corrupt tombstone not removed: %v", err)
	}
}

func TestReclaimWaitsOutRetention(t *testing.T) {
	e, c := newTestRig(t, Config{Threshold: 0.99, Retention: time.Hour})
	ctx := context.Background()

	id := capture(t, e, engine.CaptureParams{Namespace: "context", Content: "fresh tombstone"})
	e.Wait()
	if err := e.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	stats, err := c.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Reclaimed != 0 {
		t.Errorf("reclaimed = %d inside retention window, want 0", stats.Reclaimed)
	}
	if _, err := e.Store().GetAny(ctx, id); err != nil {
		t.Errorf("tombstoned record should still be stored: %v", err)
	}
}
