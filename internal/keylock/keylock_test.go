package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStriped_SerializesSameKey(t *testing.T) {
	l := New(8)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("uid:42")
			v := counter
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestStriped_LockPairSameStripe(t *testing.T) {
	l := New(1)
	unlock := l.LockPair("a", "b")
	unlock()

	// Must be reusable after release.
	unlock = l.Lock("a")
	unlock()
}

func TestStriped_LockPairOrdering(t *testing.T) {
	l := New(16)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.LockPair("x", "y")()
		}()
		go func() {
			defer wg.Done()
			l.LockPair("y", "x")()
		}()
	}
	wg.Wait()
}
