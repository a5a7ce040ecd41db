package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/subcog/subcog/internal/embedding"
	"github.com/subcog/subcog/internal/model"
)

func newTestEngine(t *testing.T, emb embedding.Embedder) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	dim := 8
	if emb != nil {
		dim = emb.Dims()
	}
	e, err := Open(dbPath, emb, Config{Dim: dim, EmbedTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func mustCapture(t *testing.T, e *Engine, p CaptureParams) *CaptureResult {
	t.Helper()
	res, err := e.Capture(context.Background(), p)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	return res
}

func TestCaptureAndGet(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res := mustCapture(t, e, CaptureParams{
		Namespace: "decisions",
		Content:   "use keyset pagination for the list endpoint",
		Tags:      []string{"pagination", "api"},
		Source:    "internal/api/list.go",
		Priority:  4,
	})
	if res.Version != 1 {
		t.Errorf("version = %d, want 1", res.Version)
	}
	if res.EmbeddingStatus != model.EmbeddingPending {
		t.Errorf("status = %q, want pending", res.EmbeddingStatus)
	}

	rec, err := e.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Content != "use keyset pagination for the list endpoint" {
		t.Errorf("content = %q", rec.Content)
	}
	if rec.Priority != 4 {
		t.Errorf("priority = %d, want 4", rec.Priority)
	}
}

func TestCaptureValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		p    CaptureParams
	}{
		{"bad namespace", CaptureParams{Namespace: "nope", Content: "x"}},
		{"empty content", CaptureParams{Namespace: "decisions", Content: "   "}},
		{"priority too high", CaptureParams{Namespace: "decisions", Content: "x", Priority: 9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Capture(ctx, tc.p); err == nil || !model.Validation(err) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestCaptureSurvivesEmbeddingFailure(t *testing.T) {
	emb := embedding.NewMock(8)
	emb.Fail(errors.New("gateway down"))
	e := newTestEngine(t, emb)
	ctx := context.Background()

	res := mustCapture(t, e, CaptureParams{Namespace: "learnings", Content: "embedding outage test"})
	e.Wait()

	rec, err := e.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.EmbeddingStatus != model.EmbeddingFailed {
		t.Errorf("status = %q, want failed", rec.EmbeddingStatus)
	}
	if e.Vector().Has(res.ID) {
		t.Error("failed embedding should not leave a vector")
	}
}

func TestRetryEmbeddingsRecovers(t *testing.T) {
	emb := embedding.NewMock(8)
	emb.Fail(errors.New("gateway down"))
	e := newTestEngine(t, emb)
	ctx := context.Background()

	res := mustCapture(t, e, CaptureParams{Namespace: "learnings", Content: "retry after outage"})
	e.Wait()

	emb.Fail(nil)
	n, err := e.RunPendingEmbeddings(ctx)
	if err != nil {
		t.Fatalf("RunPendingEmbeddings: %v", err)
	}
	if n != 1 {
		t.Errorf("embedded %d, want 1", n)
	}
	rec, _ := e.Get(ctx, res.ID)
	if rec.EmbeddingStatus != model.EmbeddingReady {
		t.Errorf("status = %q, want ready", rec.EmbeddingStatus)
	}
	if !e.Vector().Has(res.ID) {
		t.Error("vector missing after successful retry")
	}
}

func TestUpdateRefreshesIndexes(t *testing.T) {
	emb := embedding.NewMock(8)
	e := newTestEngine(t, emb)
	ctx := context.Background()

	res := mustCapture(t, e, CaptureParams{Namespace: "patterns", Content: "first draft"})
	e.Wait()
	if !e.Vector().Has(res.ID) {
		t.Fatal("vector missing after capture")
	}

	up, err := e.Update(ctx, res.ID, "second draft")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if up.Version != 2 {
		t.Errorf("version = %d, want 2", up.Version)
	}
	e.Wait()

	rec, _ := e.Get(ctx, res.ID)
	if rec.Content != "second draft" {
		t.Errorf("content = %q", rec.Content)
	}
	if rec.EmbeddingStatus != model.EmbeddingReady {
		t.Errorf("status = %q, want ready after re-embed", rec.EmbeddingStatus)
	}
}

func TestDeleteTombstonesAndScrubs(t *testing.T) {
	emb := embedding.NewMock(8)
	e := newTestEngine(t, emb)
	ctx := context.Background()

	res := mustCapture(t, e, CaptureParams{Namespace: "context", Content: "to be deleted", Tags: []string{"temp"}})
	e.Wait()

	if err := e.Delete(ctx, res.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Get(ctx, res.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Get after delete: %v, want ErrNotFound", err)
	}
	if e.Vector().Has(res.ID) {
		t.Error("vector survived delete")
	}
	has, err := e.Index().Has(ctx, res.ID)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Error("index entry survived delete")
	}
	// Tombstoned history stays exportable.
	out, err := e.Export(ctx, "")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("export len = %d, want 1", len(out))
	}
	if out[0].Record.TombstonedAt == nil {
		t.Error("export lost the tombstone marker")
	}
}
