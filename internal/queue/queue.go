package queue

import (
	"log/slog"
	"sync"
)

// Queue is a single process-wide bounded MPSC queue of Envelopes. Enqueue is
// O(1); overflow drops the oldest entry to favor liveness over completeness
// (spec §4.5, testable property §8.2). Dequeue is intended to run only on
// the dispatch loop goroutine, but the queue itself is safe for concurrent
// enqueue from any number of worker goroutines.
type Queue struct {
	mu       sync.Mutex
	entries  []Envelope
	capacity int

	wake chan struct{}

	onDrop func()
}

// New constructs a Queue with the given fixed capacity (typical: 128).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 128
	}
	return &Queue{
		entries:  make([]Envelope, 0, capacity),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Wake returns the channel the dispatch loop selects on to be poked after an
// enqueue, in addition to its own ~50ms poll tick (§4.1).
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// OnDrop registers a callback invoked whenever Enqueue drops the oldest
// entry to make room, so a caller can surface it as a metric without the
// queue package depending on a metrics library itself.
func (q *Queue) OnDrop(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Enqueue appends env, dropping the oldest entry if the queue is already at
// capacity. Always pokes the dispatch loop afterward.
func (q *Queue) Enqueue(env Envelope) {
	q.mu.Lock()
	dropped := false
	if len(q.entries) >= q.capacity {
		// Drop oldest: shift the window forward by one.
		q.entries = q.entries[1:]
		dropped = true
	}
	q.entries = append(q.entries, env)
	hook := q.onDrop
	q.mu.Unlock()

	if dropped {
		slog.Warn("response queue overflow, dropped oldest envelope",
			"capacity", q.capacity,
		)
		if hook != nil {
			hook()
		}
	}

	q.poke()
}

// poke wakes the dispatch loop without blocking if it's already awake.
func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue pops and returns the oldest envelope, or ok=false if empty. Only
// the dispatch loop should call this (single-consumer contract).
func (q *Queue) Dequeue() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Envelope{}, false
	}
	env := q.entries[0]
	q.entries = q.entries[1:]
	return env, true
}

// Len reports the current depth (test/introspection/metrics only).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
