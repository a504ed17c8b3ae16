package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	id         string
	payload    []byte
	seq        uint64
	readyAt    time.Time
	leaseID    string
	leaseUntil time.Time
}

// JobQueue is an in-process Queue. Entries are keyed by job id, handed out in
// ready-time order and leased for leaseTimeout.
type JobQueue struct {
	mu           sync.Mutex
	entries      map[string]*entry
	seq          uint64
	leaseTimeout time.Duration
	changed      chan struct{} // closed and replaced on every enqueue or nack
	now          func() time.Time
}

// NewJobQueue creates an empty in-memory queue.
func NewJobQueue(leaseTimeout time.Duration) *JobQueue {
	return &JobQueue{
		entries:      make(map[string]*entry),
		leaseTimeout: leaseTimeout,
		changed:      make(chan struct{}),
		now:          time.Now,
	}
}

// Enqueue adds a job to the queue unless it is already there.
func (q *JobQueue) Enqueue(ctx context.Context, id string, payload []byte, delay time.Duration) error {
	if id == "" {
		return fmt.Errorf("enqueue: empty job id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}

	q.seq++
	q.entries[id] = &entry{
		id:      id,
		payload: append([]byte(nil), payload...),
		seq:     q.seq,
		readyAt: q.now().Add(delay),
	}
	q.signal()
	return nil
}

// Dequeue waits for the next ready job and leases it to the caller.
func (q *JobQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, wait, changed := q.tryDequeue()
		if d != nil {
			return d, nil
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
		case <-changed:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// tryDequeue leases the earliest ready entry. When nothing is ready it
// returns how long until the next entry becomes ready (0 if the queue is
// empty) and a channel that is closed on the next change.
func (q *JobQueue) tryDequeue() (*Delivery, time.Duration, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var (
		best     *entry
		bestAt   time.Time
		nextWake time.Time
	)
	for _, e := range q.entries {
		at := e.readyAt
		if e.leaseID != "" {
			at = e.leaseUntil
		}
		if at.After(now) {
			if nextWake.IsZero() || at.Before(nextWake) {
				nextWake = at
			}
			continue
		}
		if best == nil || at.Before(bestAt) || (at.Equal(bestAt) && e.seq < best.seq) {
			best, bestAt = e, at
		}
	}

	if best == nil {
		if nextWake.IsZero() {
			return nil, 0, q.changed
		}
		return nil, nextWake.Sub(now), q.changed
	}

	best.leaseID = uuid.New().String()
	best.leaseUntil = now.Add(q.leaseTimeout)
	return &Delivery{
		JobID:       best.id,
		Payload:     append([]byte(nil), best.payload...),
		LeaseID:     best.leaseID,
		LeasedUntil: best.leaseUntil,
	}, 0, nil
}

// Ack removes a leased job from the queue.
func (q *JobQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.holder(d)
	if err != nil {
		return err
	}
	delete(q.entries, e.id)
	return nil
}

// Nack releases the lease and makes the job ready again after delay.
func (q *JobQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.holder(d)
	if err != nil {
		return err
	}
	q.seq++
	e.seq = q.seq
	e.leaseID = ""
	e.leaseUntil = time.Time{}
	e.readyAt = q.now().Add(delay)
	q.signal()
	return nil
}

// Len returns the number of queued and leased jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *JobQueue) holder(d *Delivery) (*entry, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil delivery", ErrLeaseLost)
	}
	// An expired lease is still honoured until another consumer takes the job.
	e, exists := q.entries[d.JobID]
	if !exists || e.leaseID == "" || e.leaseID != d.LeaseID {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, d.JobID)
	}
	return e, nil
}

func (q *JobQueue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}
