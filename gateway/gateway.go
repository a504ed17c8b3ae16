// Package gateway accepts import submissions and answers status queries.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jupark12/recipe-ingest/models"
	"github.com/jupark12/recipe-ingest/queue"
	"github.com/jupark12/recipe-ingest/store"
)

const (
	anonymousRequester = "anonymous"
	maxURLLength       = 2048
)

// ValidationError rejects a submission before any record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SubmitRequest is one import request.
type SubmitRequest struct {
	RequesterID string `json:"requester_id"`
	SourceURL   string `json:"source_url"`
}

// Payload is the queue message for a job.
type Payload struct {
	JobID       string `json:"job_id"`
	RequesterID string `json:"requester_id"`
	SourceURL   string `json:"source_url"`
}

// StatusView is what a status query returns.
type StatusView struct {
	JobID        string             `json:"job_id"`
	Status       models.JobStatus   `json:"status"`
	Progress     int                `json:"progress"`
	AttemptCount int                `json:"attempt_count"`
	SourceURL    string             `json:"source_url"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Result       *models.Recipe     `json:"result,omitempty"`
	Error        *models.StageError `json:"error,omitempty"`
}

// Gateway creates job records and hands their ids to the queue.
type Gateway struct {
	store  store.JobStore
	queue  queue.Queue
	logger *slog.Logger
	newID  func() string

	enqueueAttempts int
	baseDelay       time.Duration
	maxDelay        time.Duration
}

func New(jobs store.JobStore, q queue.Queue, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:           jobs,
		queue:           q,
		logger:          logger,
		newID:           func() string { return uuid.New().String() },
		enqueueAttempts: 3,
		baseDelay:       200 * time.Millisecond,
		maxDelay:        2 * time.Second,
	}
}

// Submit validates req, stores a PENDING record and enqueues it. It returns
// as soon as the job is queued; no stage work happens on this path.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	sourceURL, err := ValidateSourceURL(req.SourceURL)
	if err != nil {
		return "", err
	}
	requester := strings.TrimSpace(req.RequesterID)
	if requester == "" {
		requester = anonymousRequester
	}

	job := &models.Job{
		ID:        g.newID(),
		Requester: requester,
		SourceURL: sourceURL,
		Status:    models.StatusPending,
	}
	id, err := g.store.Create(ctx, job)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	payload, err := json.Marshal(Payload{JobID: id, RequesterID: requester, SourceURL: sourceURL})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if err := g.enqueueWithRetry(ctx, id, payload); err != nil {
		g.logger.Error("enqueue failed, job left pending", "job_id", id, "err", err)
		return "", fmt.Errorf("enqueue job %s: %w", id, err)
	}

	g.logger.Info("job accepted", "job_id", id, "requester", requester, "source_url", sourceURL)
	return id, nil
}

func (g *Gateway) enqueueWithRetry(ctx context.Context, id string, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= g.enqueueAttempts; attempt++ {
		err := g.queue.Enqueue(ctx, id, payload, 0)
		if err == nil || errors.Is(err, queue.ErrDuplicate) {
			return nil
		}
		lastErr = err

		if attempt == g.enqueueAttempts {
			break
		}
		backoff := g.baseDelay << (attempt - 1)
		if backoff > g.maxDelay {
			backoff = g.maxDelay
		}
		g.logger.Warn("enqueue failed, retrying", "job_id", id, "attempt", attempt, "backoff", backoff, "err", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Resume puts an existing unfinished job back on the queue. It is used at
// startup for records whose queue entry did not survive a restart.
func (g *Gateway) Resume(ctx context.Context, id string) error {
	job, err := g.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	payload, err := json.Marshal(Payload{JobID: job.ID, RequesterID: job.Requester, SourceURL: job.SourceURL})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := g.enqueueWithRetry(ctx, job.ID, payload); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// ResumeUnfinished requeues every non-terminal job the lister reports and
// returns how many were requeued. Jobs already queued or leased are left
// alone by the queue, so this is safe to run on every start.
func (g *Gateway) ResumeUnfinished(ctx context.Context, lister store.UnfinishedLister) (int, error) {
	ids, err := lister.Unfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	resumed := 0
	for _, id := range ids {
		if err := g.Resume(ctx, id); err != nil {
			if ctx.Err() != nil {
				return resumed, ctx.Err()
			}
			g.logger.Warn("failed to requeue job", "job_id", id, "err", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// Status returns the current view of a job.
func (g *Gateway) Status(ctx context.Context, id string) (*StatusView, error) {
	job, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		AttemptCount: job.Attempts,
		SourceURL:    job.SourceURL,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	switch job.Status {
	case models.StatusCompleted:
		view.Result = job.Result
	case models.StatusFailed:
		view.Error = job.LastError
	}
	return view, nil
}

// ValidateSourceURL trims raw and checks it is an absolute http(s) URL.
func ValidateSourceURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &ValidationError{Field: "source_url", Reason: "is required"}
	}
	if len(s) > maxURLLength {
		return "", &ValidationError{Field: "source_url", Reason: "is too long"}
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", &ValidationError{Field: "source_url", Reason: "is not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Field: "source_url", Reason: "must use http or https"}
	}
	if u.Hostname() == "" {
		return "", &ValidationError{Field: "source_url", Reason: "has no host"}
	}
	return s, nil
}
