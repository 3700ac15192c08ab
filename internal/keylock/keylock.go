// Package keylock serializes writers per key without serializing unrelated
// keys. Keys hash onto a fixed set of mutex stripes; two keys that share a
// stripe contend, which is acceptable for short in-memory critical sections.
package keylock

import (
	"hash/maphash"
	"sync"
)

const defaultStripes = 64

// Striped is a set of mutexes addressed by string key.
type Striped struct {
	seed    maphash.Seed
	stripes []sync.Mutex
}

// New returns a Striped lock with n stripes (64 when n <= 0).
func New(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	return &Striped{
		seed:    maphash.MakeSeed(),
		stripes: make([]sync.Mutex, n),
	}
}

func (s *Striped) stripe(key string) *sync.Mutex {
	h := maphash.String(s.seed, key)
	return &s.stripes[h%uint64(len(s.stripes))]
}

// Lock acquires the stripe for key and returns its unlock func.
func (s *Striped) Lock(key string) (unlock func()) {
	m := s.stripe(key)
	m.Lock()
	return m.Unlock
}

// LockPair acquires the stripes for two keys in a fixed order so callers
// moving a row between keys cannot deadlock against each other.
func (s *Striped) LockPair(a, b string) (unlock func()) {
	ma, mb := s.stripe(a), s.stripe(b)
	if ma == mb {
		ma.Lock()
		return ma.Unlock
	}
	ia, ib := s.indexOf(ma), s.indexOf(mb)
	if ia > ib {
		ma, mb = mb, ma
	}
	ma.Lock()
	mb.Lock()
	return func() {
		mb.Unlock()
		ma.Unlock()
	}
}

func (s *Striped) indexOf(m *sync.Mutex) int {
	for i := range s.stripes {
		if &s.stripes[i] == m {
			return i
		}
	}
	return -1
}
