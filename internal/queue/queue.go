// Package queue implements the in-process priority queue that sits between
// job producers (scheduler, API) and the worker pool.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue
// has been drained.
var ErrClosed = errors.New("queue: closed")

// Entry is one queued job run. Lower Priority values are served first.
type Entry struct {
	Priority int
	RunID    string
	PushedAt time.Time

	seq uint64
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is an unbounded, blocking, multi-producer multi-consumer priority
// queue. Entries with equal priority come out in push order, and every
// entry is handed to exactly one Pop caller.
type Queue struct {
	mu     sync.Mutex
	h      entryHeap
	seq    uint64
	closed bool
	// wake is closed (and replaced) whenever waiters should re-check state.
	wake chan struct{}

	pushed uint64
	popped uint64
}

func New() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Push adds a run. It never blocks.
func (q *Queue) Push(priority int, runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.seq++
	heap.Push(&q.h, Entry{Priority: priority, RunID: runID, PushedAt: time.Now(), seq: q.seq})
	q.pushed++
	q.broadcastLocked()
	return nil
}

// Pop blocks until an entry is available, ctx is done, or the queue is
// closed and empty.
func (q *Queue) Pop(ctx context.Context) (Entry, error) {
	for {
		q.mu.Lock()
		if q.h.Len() > 0 {
			e := heap.Pop(&q.h).(Entry)
			q.popped++
			q.mu.Unlock()
			return e, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Entry{}, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-wake:
		}
	}
}

// TryPop returns the head entry without blocking.
func (q *Queue) TryPop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return Entry{}, false
	}
	q.popped++
	return heap.Pop(&q.h).(Entry), true
}

// Close rejects further pushes. Entries already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Drain removes and returns everything still queued.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, q.h.Len())
	for q.h.Len() > 0 {
		out = append(out, heap.Pop(&q.h).(Entry))
	}
	q.popped += uint64(len(out))
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

type Stats struct {
	Len    int    `json:"len"`
	Pushed uint64 `json:"pushed"`
	Popped uint64 `json:"popped"`
	Closed bool   `json:"closed"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Len: q.h.Len(), Pushed: q.pushed, Popped: q.popped, Closed: q.closed}
}

func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
