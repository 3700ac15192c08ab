// Package ledger tracks how many rules route through each proxy country code
// and enforces a fixed per-code capacity.
//
// The ledger is its own lock domain. Rule resolvers call it from inside their
// per-key write section, so a reservation and the row that owns it change
// together; a failed row write must Release what it Reserved.
package ledger

import (
	"sort"
	"sync"
)

// Ledger counts proxy country-code references.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	counts   map[string]int

	onChange func(cc string, count int)
}

// New creates a ledger allowing capacity references per country code.
// A capacity <= 0 disallows every reservation.
func New(capacity int) *Ledger {
	return &Ledger{
		capacity: capacity,
		counts:   make(map[string]int),
	}
}

// OnChange registers a callback invoked (under the ledger lock) whenever a
// code's count changes. Used to export reservation gauges.
func (l *Ledger) OnChange(fn func(cc string, count int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Capacity returns the configured per-code limit.
func (l *Ledger) Capacity() int {
	return l.capacity
}

// Reserve takes one reference on cc if it is under capacity.
func (l *Ledger) Reserve(cc string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserveLocked(cc)
}

// Release drops one reference on cc. The count never goes below zero.
func (l *Ledger) Release(cc string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(cc)
}

// CanReserve reports whether one more reference on cc would fit.
func (l *Ledger) CanReserve(cc string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[cc] < l.capacity
}

// Swap moves one reference from old to new atomically. If new is at
// capacity nothing changes and Swap returns false. Either side may be empty.
func (l *Ledger) Swap(old, new string) bool {
	if old == new {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if new != "" && !l.reserveLocked(new) {
		return false
	}
	if old != "" {
		l.releaseLocked(old)
	}
	return true
}

// Force records a reference without a capacity check. It is used when
// rehydrating rows that were persisted under an older, larger capacity;
// it reports whether the code was already at or over capacity.
func (l *Ledger) Force(cc string) (over bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	over = l.counts[cc] >= l.capacity
	l.counts[cc]++
	l.notify(cc)
	return over
}

// Count returns the current references on cc.
func (l *Ledger) Count(cc string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[cc]
}

// Counts returns a snapshot of all non-zero counts.
func (l *Ledger) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for cc, n := range l.counts {
		out[cc] = n
	}
	return out
}

// Codes returns every code with at least one reference, sorted.
func (l *Ledger) Codes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.counts))
	for cc := range l.counts {
		out = append(out, cc)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) reserveLocked(cc string) bool {
	if l.counts[cc] >= l.capacity {
		return false
	}
	l.counts[cc]++
	l.notify(cc)
	return true
}

func (l *Ledger) releaseLocked(cc string) {
	n := l.counts[cc]
	if n <= 1 {
		delete(l.counts, cc)
	} else {
		l.counts[cc] = n - 1
	}
	if n > 0 {
		l.notify(cc)
	}
}

func (l *Ledger) notify(cc string) {
	if l.onChange != nil {
		l.onChange(cc, l.counts[cc])
	}
}
