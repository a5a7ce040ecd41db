package vector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/subcog/subcog/internal/model"
	"github.com/subcog/subcog/internal/store"
)

func newTestVectors(t *testing.T, dim int) (*Store, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	vs, err := New(s.DB(), dim)
	if err != nil {
		t.Fatalf("create vector store: %v", err)
	}
	return vs, s
}

func TestUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestVectors(t, 3)

	vs.Upsert(ctx, "x", []float32{1, 0, 0})
	vs.Upsert(ctx, "y", []float32{0, 1, 0})
	vs.Upsert(ctx, "xy", []float32{1, 1, 0})

	results, err := vs.Search([]float32{2, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "x" {
		t.Errorf("expected x first, got %s", results[0].ID)
	}
	if results[0].Score < 0.99 {
		t.Errorf("expected ~1.0 score for parallel vectors, got %f", results[0].Score)
	}
	if results[1].ID != "xy" {
		t.Errorf("expected xy second, got %s", results[1].ID)
	}
	if results[1].Score >= results[0].Score {
		t.Errorf("scores not descending: %v", results)
	}
}

func TestSearchAllowSet(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestVectors(t, 3)

	vs.Upsert(ctx, "a", []float32{1, 0, 0})
	vs.Upsert(ctx, "b", []float32{1, 0.1, 0})

	results, _ := vs.Search([]float32{1, 0, 0}, 10, map[string]bool{"b": true})
	if len(results) != 1 || results[0].ID != "b" {
		t.Errorf("expected only b, got %v", results)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestVectors(t, 3)

	err := vs.Upsert(ctx, "bad", []float32{1, 0})
	if err == nil || !model.Validation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if vs.Has("bad") {
		t.Error("mismatched vector must not be indexed")
	}

	if _, err := vs.Search([]float32{1}, 5, nil); !model.Validation(err) {
		t.Errorf("expected validation error on query mismatch, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestVectors(t, 2)

	vs.Upsert(ctx, "gone", []float32{1, 0})
	if err := vs.Remove(ctx, "gone"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if vs.Has("gone") {
		t.Error("expected vector removed")
	}
	results, _ := vs.Search([]float32{1, 0}, 5, nil)
	if len(results) != 0 {
		t.Errorf("expected no results, got %v", results)
	}
}

func TestRebuildFromPersistedBlobs(t *testing.T) {
	ctx := context.Background()
	vs, s := newTestVectors(t, 2)

	vs.Upsert(ctx, "a", []float32{1, 0})
	vs.Upsert(ctx, "b", []float32{0, 1})

	// A second index over the same database sees the same vectors.
	reloaded, err := New(s.DB(), 2)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Size() != 2 {
		t.Fatalf("expected 2 vectors after rebuild, got %d", reloaded.Size())
	}

	before, _ := vs.Search([]float32{1, 0.2}, 10, nil)
	after, _ := reloaded.Search([]float32{1, 0.2}, 10, nil)
	if len(before) != len(after) {
		t.Fatalf("result count changed after rebuild")
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("order changed after rebuild: %v vs %v", before, after)
		}
	}
}

func TestSimilarity(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestVectors(t, 2)

	vs.Upsert(ctx, "a", []float32{1, 0})
	vs.Upsert(ctx, "b", []float32{1, 0})

	sim, ok := vs.Similarity("a", "b")
	if !ok || sim < 0.99 {
		t.Errorf("expected ~1.0 similarity, got %f ok=%v", sim, ok)
	}
	if _, ok := vs.Similarity("a", "missing"); ok {
		t.Error("expected false for missing id")
	}
}

func TestRemoveExcept(t *testing.T) {
	ctx := context.Background()
	vs, _ := newTestVectors(t, 2)

	vs.Upsert(ctx, "keep", []float32{1, 0})
	vs.Upsert(ctx, "drop", []float32{0, 1})

	if err := vs.RemoveExcept(ctx, map[string]bool{"keep": true}); err != nil {
		t.Fatalf("remove except: %v", err)
	}
	if !vs.Has("keep") || vs.Has("drop") {
		t.Errorf("expected keep retained and drop removed")
	}
}
