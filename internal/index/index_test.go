package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/subcog/subcog/internal/model"
	"github.com/subcog/subcog/internal/store"
)

func newTestIndex(t *testing.T) (*Index, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ix, err := New(s.DB())
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	return ix, s
}

func seedRecord(t *testing.T, ix *Index, s *store.SQLiteStore, p store.PutParams) *model.Record {
	t.Helper()
	rec, err := s.Put(context.Background(), p)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ix.Put(context.Background(), rec); err != nil {
		t.Fatalf("index: %v", err)
	}
	return rec
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	ix, s := newTestIndex(t)

	dec := seedRecord(t, ix, s, store.PutParams{
		Namespace: "decisions", Content: "sqlite", Tags: []string{"storage"}, Priority: 4,
	})
	pat := seedRecord(t, ix, s, store.PutParams{
		Namespace: "patterns", Content: "worker pool", Tags: []string{"concurrency"},
	})
	seedRecord(t, ix, s, store.PutParams{
		Namespace: "learnings", Content: "low prio", Priority: 1,
	})

	cases := []struct {
		expr string
		want []string
	}{
		{"ns:decisions", []string{dec.ID}},
		{"tag:storage", []string{dec.ID}},
		{"ns:decisions tag:storage", []string{dec.ID}},
		{"ns:decisions tag:concurrency", nil},
		{"priority>=3", []string{pat.ID, dec.ID}}, // default 3 and explicit 4
		{"ns:decisions OR ns:patterns", []string{pat.ID, dec.ID}},
	}
	for _, tc := range cases {
		f, err := ParseFilter(tc.expr)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.expr, err)
		}
		got, err := ix.Query(ctx, f)
		if err != nil {
			t.Fatalf("query %q: %v", tc.expr, err)
		}
		if len(got) != len(tc.want) {
			t.Errorf("query %q: expected %d ids, got %v", tc.expr, len(tc.want), got)
			continue
		}
		gotSet := map[string]bool{}
		for _, id := range got {
			gotSet[id] = true
		}
		for _, id := range tc.want {
			if !gotSet[id] {
				t.Errorf("query %q: missing %s in %v", tc.expr, id, got)
			}
		}
	}
}

func TestQueryOrderDeterministic(t *testing.T) {
	ctx := context.Background()
	ix, s := newTestIndex(t)

	var ids []string
	for i := 0; i < 4; i++ {
		rec := seedRecord(t, ix, s, store.PutParams{Namespace: "context", Content: "c"})
		ids = append(ids, rec.ID)
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}

	first, err := ix.Query(ctx, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// Newest first.
	if first[0] != ids[3] || first[len(first)-1] != ids[0] {
		t.Errorf("expected newest-first order, got %v (seeded %v)", first, ids)
	}
	again, _ := ix.Query(ctx, nil)
	for i := range first {
		if first[i] != again[i] {
			t.Fatalf("order not stable: %v vs %v", first, again)
		}
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	ix, s := newTestIndex(t)

	rec := seedRecord(t, ix, s, store.PutParams{Namespace: "apis", Content: "x", Tags: []string{"t"}})
	if err := ix.Remove(ctx, rec.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	has, _ := ix.Has(ctx, rec.ID)
	if has {
		t.Error("expected id gone from index")
	}
	f, _ := ParseFilter("tag:t")
	got, _ := ix.Query(ctx, f)
	if len(got) != 0 {
		t.Errorf("expected no tag matches, got %v", got)
	}
}

func TestRebuildReproducesQueryResults(t *testing.T) {
	ctx := context.Background()
	ix, s := newTestIndex(t)

	seedRecord(t, ix, s, store.PutParams{Namespace: "decisions", Content: "a", Tags: []string{"x"}, Priority: 5})
	seedRecord(t, ix, s, store.PutParams{Namespace: "patterns", Content: "b", Tags: []string{"x", "y"}})
	seedRecord(t, ix, s, store.PutParams{Namespace: "security", Content: "c"})

	exprs := []string{"", "ns:decisions", "tag:x", "priority>=4 OR tag:y"}
	before := map[string][]string{}
	for _, expr := range exprs {
		f, _ := ParseFilter(expr)
		ids, err := ix.Query(ctx, f)
		if err != nil {
			t.Fatalf("query %q: %v", expr, err)
		}
		before[expr] = ids
	}

	all, err := s.AllCurrent(ctx)
	if err != nil {
		t.Fatalf("all current: %v", err)
	}
	if err := ix.Rebuild(ctx, all); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	for _, expr := range exprs {
		f, _ := ParseFilter(expr)
		after, _ := ix.Query(ctx, f)
		if len(after) != len(before[expr]) {
			t.Fatalf("query %q changed after rebuild: %v vs %v", expr, before[expr], after)
		}
		for i := range after {
			if after[i] != before[expr][i] {
				t.Errorf("query %q order changed after rebuild: %v vs %v", expr, before[expr], after)
				break
			}
		}
	}
}
