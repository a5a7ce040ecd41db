// Package vector provides the approximate-nearest-neighbor index over
// record embeddings. Vectors are unit-normalized on upsert so cosine
// similarity reduces to a dot product. The in-memory index is rebuilt from
// blobs persisted alongside the record store.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/viterin/vek/vek32"

	"github.com/subcog/subcog/internal/model"
)

// Result is one similarity search hit. Score is cosine similarity,
// higher is better.
type Result struct {
	ID    string
	Score float32
}

// Store is the vector index. Records with no computed embedding are simply
// absent and never appear in search results.
type Store struct {
	db  *sql.DB
	dim int

	mu   sync.RWMutex
	vecs map[string][]float32
}

// New creates the embeddings table if needed and loads persisted vectors.
// dim is the fixed system-wide embedding dimension.
func New(db *sql.DB, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, goerr.New("embedding dimension must be positive",
			goerr.T(model.TagValidation), goerr.V("dim", dim))
	}
	schema := `
	CREATE TABLE IF NOT EXISTS embeddings (
		id  TEXT PRIMARY KEY,
		vec BLOB NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, goerr.Wrap(err, "create embeddings table")
	}

	s := &Store{db: db, dim: dim, vecs: make(map[string][]float32)}
	if err := s.Rebuild(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Dim returns the fixed embedding dimension.
func (s *Store) Dim() int { return s.dim }

// Upsert normalizes and indexes a vector, persisting it for rebuilds.
// Mismatched dimensions are rejected, never silently indexed.
func (s *Store) Upsert(ctx context.Context, id string, vec []float32) error {
	if len(vec) != s.dim {
		return goerr.New("embedding dimension mismatch", goerr.T(model.TagValidation),
			goerr.V("id", id), goerr.V("want", s.dim), goerr.V("got", len(vec)))
	}
	unit := normalize(vec)

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (id, vec) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET vec = excluded.vec`,
		id, encode(unit)); err != nil {
		return goerr.Wrap(err, "persist embedding", goerr.V("id", id))
	}

	s.mu.Lock()
	s.vecs[id] = unit
	s.mu.Unlock()
	return nil
}

// Remove drops a vector from the index and its persisted blob.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id); err != nil {
		return goerr.Wrap(err, "delete embedding", goerr.V("id", id))
	}
	s.mu.Lock()
	delete(s.vecs, id)
	s.mu.Unlock()
	return nil
}

// Has reports whether an id has an indexed vector. Used by repair.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vecs[id]
	return ok
}

// Get returns the stored unit vector for an id, or nil. Consolidation uses
// it to compare candidate pairs without re-embedding.
func (s *Store) Get(id string) []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vecs[id]
}

// Search returns up to k ids ranked by cosine similarity to the query,
// highest first, ties broken by id for determinism. When allow is non-nil,
// only ids in the set are considered (the hybrid-query intersection).
func (s *Store) Search(query []float32, k int, allow map[string]bool) ([]Result, error) {
	if len(query) != s.dim {
		return nil, goerr.New("query dimension mismatch", goerr.T(model.TagValidation),
			goerr.V("want", s.dim), goerr.V("got", len(query)))
	}
	if k <= 0 {
		k = 10
	}
	unit := normalize(query)

	s.mu.RLock()
	results := make([]Result, 0, len(s.vecs))
	for id, vec := range s.vecs {
		if allow != nil && !allow[id] {
			continue
		}
		results = append(results, Result{ID: id, Score: vek32.Dot(unit, vec)})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Similarity returns the cosine similarity of two indexed ids, or false if
// either has no vector.
func (s *Store) Similarity(a, b string) (float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	va, okA := s.vecs[a]
	vb, okB := s.vecs[b]
	if !okA || !okB {
		return 0, false
	}
	return vek32.Dot(va, vb), true
}

// Rebuild reloads the in-memory index from persisted blobs. Blobs whose
// dimension no longer matches are deleted; their records fall back to
// embedding-pending and are recomputed by the retry loop.
func (s *Store) Rebuild(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, vec FROM embeddings`)
	if err != nil {
		return goerr.Wrap(err, "load embeddings")
	}
	defer rows.Close()

	vecs := make(map[string][]float32)
	var stale []string
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return goerr.Wrap(err, "scan embedding")
		}
		vec, err := decode(blob)
		if err != nil || len(vec) != s.dim {
			stale = append(stale, id)
			continue
		}
		vecs[id] = vec
	}
	if err := rows.Err(); err != nil {
		return goerr.Wrap(err, "embedding rows")
	}

	for _, id := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id); err != nil {
			return goerr.Wrap(err, "drop stale embedding", goerr.V("id", id))
		}
	}

	s.mu.Lock()
	s.vecs = vecs
	s.mu.Unlock()
	return nil
}

// RemoveExcept drops every indexed id not in keep. Reindex uses it to
// reconcile the vector index against the record store.
func (s *Store) RemoveExcept(ctx context.Context, keep map[string]bool) error {
	s.mu.RLock()
	var drop []string
	for id := range s.vecs {
		if !keep[id] {
			drop = append(drop, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range drop {
		if err := s.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the number of indexed vectors.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vecs)
}

func normalize(vec []float32) []float32 {
	norm := float32(math.Sqrt(float64(vek32.Dot(vec, vec))))
	unit := make([]float32, len(vec))
	if norm == 0 {
		return unit
	}
	for i, v := range vec {
		unit[i] = v / norm
	}
	return unit
}

func encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decode(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, goerr.New("malformed embedding blob", goerr.V("len", len(blob)))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
