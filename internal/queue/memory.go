package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	env      Envelope
	attempts int
	lease    string
	deadline time.Time // lease deadline while in flight
	due      time.Time // visibility time while delayed
	inflight bool
	delayed  bool
}

// MemoryQueue is an in-process Queue with the same lease semantics as
// RedisQueue. It does not survive a restart.
type MemoryQueue struct {
	mu            sync.Mutex
	visibilityTTL time.Duration
	now           func() time.Time

	ready   []string
	entries map[string]*memEntry
	keys    map[string]string
	dead    []DeadLetter
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &MemoryQueue{
		visibilityTTL: visibility,
		now:           time.Now,
		entries:       make(map[string]*memEntry),
		keys:          make(map[string]string),
	}
}

// Enqueue appends env to the ready list unless its idempotency key is live.
func (q *MemoryQueue) Enqueue(_ context.Context, env Envelope) (string, error) {
	if err := validate(env); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.keys[env.key()]; ok {
		return id, nil
	}
	id := uuid.NewString()
	q.entries[id] = &memEntry{env: env}
	q.keys[env.key()] = id
	q.ready = append(q.ready, id)
	return id, nil
}

// Dequeue leases the oldest ready envelope under a fresh lease token.
func (q *MemoryQueue) Dequeue(_ context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		e.inflight = true
		e.delayed = false
		e.deadline = q.now().Add(q.visibilityTTL)
		e.attempts++
		e.lease = uuid.NewString()
		return &Delivery{QueueID: id, Envelope: e.env, Attempt: e.attempts, Lease: e.lease}, nil
	}
	return nil, nil
}

// Ack drops the envelope and frees its idempotency key.
func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leased(d); !ok {
		return ErrLeaseLost
	}
	q.remove(d.QueueID)
	return nil
}

// Nack releases the lease, parking the envelope until delay has passed.
func (q *MemoryQueue) Nack(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.leased(d)
	if !ok {
		return ErrLeaseLost
	}
	e.inflight = false
	e.lease = ""
	if delay > 0 {
		e.delayed = true
		e.due = q.now().Add(delay)
		return nil
	}
	q.ready = append(q.ready, d.QueueID)
	return nil
}

// Extend moves the lease deadline to now+extension.
func (q *MemoryQueue) Extend(_ context.Context, d *Delivery, extension time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.leased(d)
	if !ok {
		return ErrLeaseLost
	}
	e.deadline = q.now().Add(extension)
	return nil
}

// DeadLetter removes the envelope and records it on the dead-letter list.
func (q *MemoryQueue) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leased(d); !ok {
		return ErrLeaseLost
	}
	q.remove(d.QueueID)
	q.dead = append(q.dead, DeadLetter{
		QueueID:  d.QueueID,
		Envelope: d.Envelope,
		Attempts: d.Attempt,
		Reason:   reason,
		FailedAt: q.now().UTC(),
	})
	return nil
}

// DeadLetters returns up to count parked envelopes, oldest first. A count
// of zero or less returns all of them.
func (q *MemoryQueue) DeadLetters(_ context.Context, count int64) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dead := q.dead
	if count > 0 && int64(len(dead)) > count {
		dead = dead[:count]
	}
	return append([]DeadLetter{}, dead...), nil
}

// Requeue readies expired leases and delayed envelopes that are due.
func (q *MemoryQueue) Requeue(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	for id, e := range q.entries {
		switch {
		case e.inflight && !e.deadline.After(now):
			e.inflight = false
		case e.delayed && !e.due.After(now):
			e.delayed = false
		default:
			continue
		}
		q.ready = append(q.ready, id)
		moved++
	}
	return moved, nil
}

// Depth counts ready, in-flight, delayed and dead envelopes.
func (q *MemoryQueue) Depth(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Ready: int64(len(q.ready)), Dead: int64(len(q.dead))}
	for _, e := range q.entries {
		switch {
		case e.inflight:
			s.InFlight++
		case e.delayed:
			s.Delayed++
		}
	}
	return s, nil
}

// leased returns d's entry while d still holds its lease. Callers hold q.mu.
func (q *MemoryQueue) leased(d *Delivery) (*memEntry, bool) {
	e, ok := q.entries[d.QueueID]
	if !ok || !e.inflight || e.lease != d.Lease {
		return nil, false
	}
	return e, true
}

// remove drops an entry and its idempotency key. Callers hold q.mu.
func (q *MemoryQueue) remove(id string) {
	e, ok := q.entries[id]
	if !ok {
		return
	}
	delete(q.entries, id)
	delete(q.keys, e.env.key())
	for i, r := range q.ready {
		if r == id {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			break
		}
	}
}
