package engine

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	ErrQueueFull   = errors.New("owner key queue full")
	ErrQueueClosed = errors.New("owner key queue closed")
)

// KeyQueue runs jobs in submission order per key and concurrently across
// keys. Each key gets a goroutine while it has pending work; the goroutine
// exits once its queue is empty.
type KeyQueue struct {
	mu     sync.Mutex
	queues map[string][]func()
	depth  int
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewKeyQueue bounds each key to depth pending jobs. depth <= 0 means
// unbounded.
func NewKeyQueue(depth int, logger *slog.Logger) *KeyQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyQueue{
		queues: make(map[string][]func()),
		depth:  depth,
		logger: logger.With("component", "keyqueue"),
	}
}

// Submit enqueues fn under key.
func (q *KeyQueue) Submit(key string, fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	pending, running := q.queues[key]
	if q.depth > 0 && len(pending) >= q.depth {
		q.logger.Warn("owner key queue full", "owner_key", key, "depth", q.depth)
		return ErrQueueFull
	}
	q.queues[key] = append(pending, fn)
	if !running {
		q.wg.Add(1)
		go q.drain(key)
	}
	return nil
}

func (q *KeyQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		pending := q.queues[key]
		if len(pending) == 0 {
			delete(q.queues, key)
			q.mu.Unlock()
			return
		}
		fn := pending[0]
		q.queues[key] = pending[1:]
		q.mu.Unlock()

		q.run(key, fn)
	}
}

func (q *KeyQueue) run(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("owner key job panicked", "owner_key", key, "panic", r)
		}
	}()
	fn()
}

// Pending returns the number of jobs waiting under key, excluding one that
// is running.
func (q *KeyQueue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key])
}

// Close rejects further submissions and waits for queued jobs to finish.
func (q *KeyQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

// Wait blocks until every queue is empty.
func (q *KeyQueue) Wait() {
	q.wg.Wait()
}
