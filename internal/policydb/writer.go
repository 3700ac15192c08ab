package policydb

import (
	"context"
	"errors"
	"hash/maphash"
	"sync"
	"sync/atomic"

	"grimm.is/appwall/internal/logging"
)

// ErrWriterClosed is returned for tasks submitted after Close.
var ErrWriterClosed = errors.New("policydb: writer closed")

type task struct {
	key  string
	fn   func() error
	done chan error
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	Workers   int // default 4
	QueueSize int // per worker, default 1024
	Logger    *logging.Logger
}

// Writer applies write tasks asynchronously. Tasks are sharded by key onto
// a fixed set of workers, so tasks for one key run in submission order while
// different keys proceed in parallel.
type Writer struct {
	mu     sync.RWMutex
	closed bool
	shards []chan task
	seed   maphash.Seed
	wg     sync.WaitGroup
	logger *logging.Logger

	pending atomic.Int64
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter starts the worker goroutines.
func NewWriter(cfg WriterConfig) *Writer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	w := &Writer{
		shards: make([]chan task, cfg.Workers),
		seed:   maphash.MakeSeed(),
		logger: cfg.Logger.WithComponent("policydb"),
	}
	for i := range w.shards {
		w.shards[i] = make(chan task, cfg.QueueSize)
		w.wg.Add(1)
		go w.worker(w.shards[i])
	}
	return w
}

func (w *Writer) worker(ch <-chan task) {
	defer w.wg.Done()
	for t := range ch {
		var err error
		if t.fn != nil {
			err = t.fn()
		}
		if err != nil {
			w.failed.Add(1)
			w.logger.Error("write failed", "key", t.key, "error", err)
		} else if t.fn != nil {
			w.written.Add(1)
		}
		w.pending.Add(-1)
		t.done <- err
	}
}

// Submit queues fn under key and returns a channel that receives its result.
// The channel is buffered; callers may ignore it.
func (w *Writer) Submit(key string, fn func() error) <-chan error {
	done := make(chan error, 1)
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		done <- ErrWriterClosed
		return done
	}
	w.pending.Add(1)
	w.shards[maphash.String(w.seed, key)%uint64(len(w.shards))] <- task{key: key, fn: fn, done: done}
	return done
}

// Flush waits until every task submitted before the call has run.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	barriers := make([]chan error, len(w.shards))
	for i, ch := range w.shards {
		barriers[i] = make(chan error, 1)
		w.pending.Add(1)
		ch <- task{key: "flush", done: barriers[i]}
	}
	w.mu.RUnlock()

	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close drains every queue and stops the workers.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, ch := range w.shards {
		close(ch)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Pending returns the number of queued tasks.
func (w *Writer) Pending() int64 { return w.pending.Load() }

// Written returns the number of tasks that succeeded.
func (w *Writer) Written() uint64 { return w.written.Load() }

// Failed returns the number of tasks that returned an error.
func (w *Writer) Failed() uint64 { return w.failed.Load() }
