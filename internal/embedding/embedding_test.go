package embedding

import (
	"context"
	"errors"
	"testing"
)

func TestNewFromEnv_Disabled(t *testing.T) {
	// With no env vars set, should return nil
	e := NewFromEnv()
	if e != nil {
		t.Error("expected nil embedder when no provider configured")
	}
}

func TestMockDeterministic(t *testing.T) {
	ctx := context.Background()
	m := NewMock(16)

	a1, err := m.Embed(ctx, "sqlite persistence layer")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	a2, _ := m.Embed(ctx, "sqlite persistence layer")
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatal("mock embedding not deterministic")
		}
	}
	if len(a1) != 16 {
		t.Errorf("expected 16 dims, got %d", len(a1))
	}
}

func TestMockFail(t *testing.T) {
	ctx := context.Background()
	m := NewMock(8)
	boom := errors.New("gateway down")

	m.Fail(boom)
	if _, err := m.Embed(ctx, "x"); !errors.Is(err, boom) {
		t.Errorf("expected injected failure, got %v", err)
	}

	m.Fail(nil)
	if _, err := m.Embed(ctx, "x"); err != nil {
		t.Errorf("expected recovery, got %v", err)
	}
	if m.Calls() != 2 {
		t.Errorf("expected 2 calls counted, got %d", m.Calls())
	}
}

func TestCachedAvoidsRepeatCalls(t *testing.T) {
	ctx := context.Background()
	m := NewMock(8)
	c, err := NewCached(m, 4)
	if err != nil {
		t.Fatalf("new cached: %v", err)
	}

	c.Embed(ctx, "same text")
	c.Embed(ctx, "same text")
	if m.Calls() != 1 {
		t.Errorf("expected 1 inner call, got %d", m.Calls())
	}

	c.Embed(ctx, "other text")
	if m.Calls() != 2 {
		t.Errorf("expected 2 inner calls, got %d", m.Calls())
	}
	if c.Dims() != 8 {
		t.Errorf("expected dims passthrough, got %d", c.Dims())
	}
}

func TestCachedDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMock(8)
	c, _ := NewCached(m, 4)

	boom := errors.New("down")
	m.Fail(boom)
	if _, err := c.Embed(ctx, "text"); !errors.Is(err, boom) {
		t.Fatalf("expected failure, got %v", err)
	}

	m.Fail(nil)
	if _, err := c.Embed(ctx, "text"); err != nil {
		t.Errorf("expected success after recovery, got %v", err)
	}
}
