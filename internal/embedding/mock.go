package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
)

// Mock is a deterministic embedder for tests. Each word hashes into a
// bucket of the vector, so texts sharing words produce similar vectors and
// cosine ranking behaves sensibly without a model.
type Mock struct {
	dims  int
	calls atomic.Int64

	mu   sync.Mutex
	fail error
}

// NewMock creates a mock embedder with the given dimension.
func NewMock(dims int) *Mock {
	return &Mock{dims: dims}
}

// Fail makes subsequent Embed calls return err; pass nil to recover.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Calls returns how many Embed calls were made.
func (m *Mock) Calls() int64 { return m.calls.Load() }

func (m *Mock) Embed(ctx context.Context, text string) (Vector, error) {
	m.calls.Add(1)
	m.mu.Lock()
	fail := m.fail
	m.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make(Vector, m.dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[int(h.Sum32())%m.dims] += 1
	}
	return vec, nil
}

func (m *Mock) Dims() int { return m.dims }
