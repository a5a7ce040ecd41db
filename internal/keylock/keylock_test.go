package keylock

import (
	"sync"
	"testing"
)

func TestSerializesSameKey(t *testing.T) {
	s := New()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Lock("same")
			counter++
			s.Unlock("same")
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("expected 50, got %d", counter)
	}
}

func TestLockPairNoDeadlock(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	// Opposite orderings of the same pair must not deadlock.
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := s.LockPair("a", "b")
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := s.LockPair("b", "a")
			unlock()
		}()
	}
	wg.Wait()
}

func TestLockPairSameStripe(t *testing.T) {
	s := New()
	unlock := s.LockPair("x", "x")
	unlock()
	// Re-lockable afterwards.
	s.Lock("x")
	s.Unlock("x")
}
