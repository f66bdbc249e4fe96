// Package memory provides the in-process queue of manual run triggers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Queue errors.
var (
	ErrClosed        = crawler.ErrQueueClosed
	ErrFull          = errors.New("queue full")
	ErrAlreadyQueued = errors.New("run already queued")
)

// Queue is a bounded trigger queue. At most one trigger per slug waits at a
// time; a slug becomes eligible again once its trigger is dequeued.
type Queue struct {
	ch      chan crawler.RunTrigger
	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan crawler.RunTrigger, capacity),
		pending: make(map[string]struct{}),
	}
}

// Offer enqueues without blocking. It fails with ErrFull when the buffer is
// exhausted and ErrAlreadyQueued when the slug is still waiting.
func (q *Queue) Offer(t crawler.RunTrigger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if _, ok := q.pending[t.Slug]; ok {
		return fmt.Errorf("%q: %w", t.Slug, ErrAlreadyQueued)
	}
	select {
	case q.ch <- t:
		q.pending[t.Slug] = struct{}{}
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next trigger, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.RunTrigger, error) {
	select {
	case <-ctx.Done():
		return crawler.RunTrigger{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case t, ok := <-q.ch:
		if !ok {
			return crawler.RunTrigger{}, ErrClosed
		}
		q.mu.Lock()
		delete(q.pending, t.Slug)
		q.mu.Unlock()
		return t, nil
	}
}

// Len reports how many triggers are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting triggers. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
