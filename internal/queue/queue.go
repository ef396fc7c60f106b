// Package queue implements the durable, at-least-once job queue that feeds
// the worker pool. Leased envelopes stay invisible for the visibility
// timeout and reappear when a worker neither acks nor extends them.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLeaseLost is returned when a delivery is no longer leased by the
	// caller, usually because its visibility timeout expired.
	ErrLeaseLost = errors.New("queue: lease lost")

	// ErrInvalidEnvelope is returned by Enqueue for envelopes missing a job ID.
	ErrInvalidEnvelope = errors.New("queue: invalid envelope")
)

// Envelope is the enqueue payload for one job.
type Envelope struct {
	JobID          uuid.UUID `json:"jobId"`
	SourceRef      string    `json:"sourceRef"`
	TemplateIDs    []string  `json:"templateIds"`
	UserID         string    `json:"userId,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// NewEnvelope builds an envelope keyed for idempotency by its job ID.
func NewEnvelope(jobID uuid.UUID, sourceRef string, templateIDs []string) Envelope {
	return Envelope{
		JobID:          jobID,
		SourceRef:      sourceRef,
		TemplateIDs:    templateIDs,
		IdempotencyKey: jobID.String(),
	}
}

func (e Envelope) key() string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	return e.JobID.String()
}

// Delivery is one leased envelope. Attempt counts deliveries, starting at 1.
// Lease identifies this delivery; Ack, Nack, Extend and DeadLetter fail with
// ErrLeaseLost once the envelope has been redelivered under another lease.
type Delivery struct {
	QueueID  string
	Envelope Envelope
	Attempt  int
	Lease    string
}

// DeadLetter is an envelope parked after its deliveries were exhausted.
type DeadLetter struct {
	QueueID  string    `json:"queueId"`
	Envelope Envelope  `json:"envelope"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// Stats is a point-in-time view of queue occupancy.
type Stats struct {
	Ready    int64
	InFlight int64
	Delayed  int64
	Dead     int64
}

// Queue is the contract between producers, workers and the reaper.
type Queue interface {
	// Enqueue makes an envelope visible. Enqueueing an envelope whose
	// idempotency key is still live returns the existing queue ID.
	Enqueue(ctx context.Context, env Envelope) (string, error)

	// Dequeue leases the next visible envelope for the visibility timeout.
	// It returns nil, nil when nothing is visible.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack removes a delivered envelope for good.
	Ack(ctx context.Context, d *Delivery) error

	// Nack releases the lease and makes the envelope visible again after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error

	// Extend pushes the lease deadline to now+d.
	Extend(ctx context.Context, d *Delivery, extension time.Duration) error

	// DeadLetter removes the envelope from circulation and parks it.
	DeadLetter(ctx context.Context, d *Delivery, reason string) error

	// DeadLetters lists up to count parked envelopes, oldest first. A count
	// of zero or less lists all of them.
	DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error)

	// Requeue returns expired leases and due delayed envelopes to the ready
	// list and reports how many moved.
	Requeue(ctx context.Context, now time.Time) (int, error)

	// Depth reports queue occupancy.
	Depth(ctx context.Context) (Stats, error)
}

func validate(env Envelope) error {
	if env.JobID == uuid.Nil {
		return ErrInvalidEnvelope
	}
	return nil
}
