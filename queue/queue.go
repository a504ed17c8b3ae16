// Package queue delivers job identities to workers with leases, delayed
// redelivery and de-duplication by job id.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned when the job id is already queued or leased.
	ErrDuplicate = errors.New("job already queued")
	// ErrLeaseLost is returned when acking or nacking with a lease that has
	// expired or been handed to another consumer.
	ErrLeaseLost = errors.New("lease lost")
)

// Delivery is one leased hand-out of a queued job.
type Delivery struct {
	JobID       string
	Payload     []byte
	LeaseID     string
	LeasedUntil time.Time
}

// Queue is an at-least-once, job-id keyed work queue.
type Queue interface {
	// Enqueue makes id deliverable after delay.
	Enqueue(ctx context.Context, id string, payload []byte, delay time.Duration) error
	// Dequeue blocks until a job is available or ctx is done. The returned
	// delivery is invisible to other consumers until it is acked, nacked or
	// its lease expires.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes the job from the queue.
	Ack(ctx context.Context, d *Delivery) error
	// Nack releases the lease and redelivers the job after delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
}
