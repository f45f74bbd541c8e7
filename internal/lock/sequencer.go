// Package lock serializes concurrent batches per record type. The Sequencer
// orders batches inside one process by submission; a Locker extends the
// exclusion across processes.
package lock

import (
	"context"
	"sync"
)

type queue struct {
	next    uint64 // next ticket to hand out
	serving uint64 // ticket currently allowed to run
	done    map[uint64]bool
	wake    chan struct{}
}

// Sequencer hands out per-key tickets and admits ticket holders strictly in
// ticket order.
type Sequencer struct {
	mu     sync.Mutex
	queues map[string]*queue
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{queues: make(map[string]*queue)}
}

// Reservation holds one ticket per reserved key.
type Reservation struct {
	s       *Sequencer
	tickets map[string]uint64
	closed  map[string]bool
}

// Reserve takes a ticket for every key in one step, so two batches reserving
// overlapping keys are ordered the same way on all of them.
func (s *Sequencer) Reserve(keys ...string) *Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Reservation{s: s, tickets: make(map[string]uint64, len(keys)), closed: make(map[string]bool, len(keys))}
	for _, k := range keys {
		if _, dup := r.tickets[k]; dup {
			continue
		}
		q, ok := s.queues[k]
		if !ok {
			q = &queue{done: make(map[uint64]bool), wake: make(chan struct{})}
			s.queues[k] = q
		}
		r.tickets[k] = q.next
		q.next++
	}
	return r
}

// Acquire blocks until every earlier ticket for key has been released or
// forfeited. If ctx ends first the ticket is forfeited and ctx.Err returned.
func (r *Reservation) Acquire(ctx context.Context, key string) error {
	ticket, ok := r.tickets[key]
	if !ok {
		return nil
	}
	for {
		r.s.mu.Lock()
		q := r.s.queues[key]
		if q == nil || r.closed[key] {
			r.s.mu.Unlock()
			return nil
		}
		if q.serving == ticket {
			r.s.mu.Unlock()
			return nil
		}
		wake := q.wake
		r.s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			r.Release(key)
			return ctx.Err()
		}
	}
}

// Release gives up the ticket for key, whether or not it was acquired.
// Releasing twice is a no-op.
func (r *Reservation) Release(key string) {
	ticket, ok := r.tickets[key]
	if !ok {
		return
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.closed[key] {
		return
	}
	r.closed[key] = true

	q := r.s.queues[key]
	q.done[ticket] = true
	advanced := false
	for q.done[q.serving] {
		delete(q.done, q.serving)
		q.serving++
		advanced = true
	}
	if advanced {
		close(q.wake)
		q.wake = make(chan struct{})
	}
	if q.serving == q.next {
		delete(r.s.queues, key)
	}
}

// ReleaseAll releases every ticket of the reservation.
func (r *Reservation) ReleaseAll() {
	for k := range r.tickets {
		r.Release(k)
	}
}
