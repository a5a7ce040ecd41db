// Package keylock provides striped per-key mutexes. Mutations on the same
// record id serialize through the same stripe; unrelated records almost
// never contend, and there is no global lock.
package keylock

import (
	"hash/fnv"
	"sync"
)

const stripes = 128

// Striped is a fixed set of mutexes addressed by key hash.
type Striped struct {
	mus [stripes]sync.Mutex
}

// New returns a striped lock set.
func New() *Striped {
	return &Striped{}
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % stripes
}

// Lock locks the stripe for key.
func (s *Striped) Lock(key string) {
	s.mus[stripe(key)].Lock()
}

// Unlock unlocks the stripe for key.
func (s *Striped) Unlock(key string) {
	s.mus[stripe(key)].Unlock()
}

// LockPair locks the stripes for two keys in ascending stripe order so two
// lockers of the same pair cannot deadlock. Returns the unlock function.
func (s *Striped) LockPair(a, b string) func() {
	ia, ib := stripe(a), stripe(b)
	if ia == ib {
		s.mus[ia].Lock()
		return s.mus[ia].Unlock
	}
	if ib < ia {
		ia, ib = ib, ia
	}
	s.mus[ia].Lock()
	s.mus[ib].Lock()
	return func() {
		s.mus[ib].Unlock()
		s.mus[ia].Unlock()
	}
}
