// Package store holds the durable mapping from job identity to job record.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jupark12/recipe-ingest/models"
)

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("job already exists")
	// ErrConflict is returned when a compare-and-swap lost a race.
	ErrConflict = errors.New("job store conflict")
	// ErrInvalidTransition is returned for writes that break the state machine.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// JobStore is the single source of truth for job status.
type JobStore interface {
	// Create stores a new PENDING record and returns its id.
	Create(ctx context.Context, job *models.Job) (string, error)
	// Get returns a copy of the current record.
	Get(ctx context.Context, id string) (*models.Job, error)
	// CompareAndSwap replaces the record if it is still in status expected at
	// version next.Version, and returns the stored copy with its new version.
	CompareAndSwap(ctx context.Context, id string, expected models.JobStatus, next *models.Job) (*models.Job, error)
}

// UnfinishedLister is implemented by stores that can list the ids of jobs
// not yet COMPLETED or FAILED.
type UnfinishedLister interface {
	Unfinished(ctx context.Context) ([]string, error)
}

func checkNew(job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidTransition)
	}
	if job.Status != models.StatusPending {
		return fmt.Errorf("%w: new job must be %s, got %s", ErrInvalidTransition, models.StatusPending, job.Status)
	}
	if job.Result != nil || job.Attempts != 0 {
		return fmt.Errorf("%w: new job carries execution state", ErrInvalidTransition)
	}
	return nil
}

func checkTransition(expected models.JobStatus, next *models.Job) error {
	if next == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidTransition)
	}
	if !models.CanTransition(expected, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next.Status)
	}
	if (next.Status == models.StatusCompleted) != (next.Result != nil) {
		return fmt.Errorf("%w: result must be set exactly when %s", ErrInvalidTransition, models.StatusCompleted)
	}
	if next.Progress < 0 || next.Progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidTransition, next.Progress)
	}
	return nil
}

// checkAgainst validates the fields that can only be compared with the stored record.
func checkAgainst(cur, next *models.Job) error {
	if cur.Requester != next.Requester || cur.SourceURL != next.SourceURL {
		return fmt.Errorf("%w: immutable fields changed", ErrInvalidTransition)
	}
	if next.Attempts < cur.Attempts {
		return fmt.Errorf("%w: attempt count decreased from %d to %d", ErrInvalidTransition, cur.Attempts, next.Attempts)
	}
	return nil
}
