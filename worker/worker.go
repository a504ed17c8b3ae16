package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jupark12/recipe-ingest/models"
	"github.com/jupark12/recipe-ingest/notify"
	"github.com/jupark12/recipe-ingest/queue"
	"github.com/jupark12/recipe-ingest/recipes"
	"github.com/jupark12/recipe-ingest/stage"
	"github.com/jupark12/recipe-ingest/store"
)

// Outcome is what a single Process call did with a delivery.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
	OutcomeAbandoned Outcome = "abandoned"
)

// Config holds the retry and timeout knobs of a worker.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	PersistTimeout time.Duration
	NotifyTimeout  time.Duration
	MediaTimeout   time.Duration
	// PollInterval is how long to wait after a failed dequeue.
	PollInterval time.Duration
}

// MediaMirror copies post media to storage the service controls.
type MediaMirror interface {
	Mirror(ctx context.Context, requesterID, jobID string, content *models.ScrapedContent) recipes.Media
}

// Deps are the collaborators a worker drives. Media and Notifier are optional.
type Deps struct {
	Jobs     store.JobStore
	Queue    queue.Queue
	Scrape   *stage.ScrapeExecutor
	Analyze  *stage.AnalyzeExecutor
	Recipes  recipes.Store
	Media    MediaMirror
	Notifier notify.Notifier
}

const defaultNotifyTimeout = 10 * time.Second

// Worker represents a processing node that consumes jobs
type Worker struct {
	ID         string
	deps       Deps
	cfg        Config
	logger     *slog.Logger
	onUpdate   func(*models.Job)
	processing atomic.Bool
	notifyWG   sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(id string, deps Deps, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	return &Worker{
		ID:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("worker", id),
	}
}

// SetNotifier registers a callback run after every successful state change.
func (w *Worker) SetNotifier(fn func(*models.Job)) {
	w.onUpdate = fn
}

// Processing reports whether the worker currently holds a job.
func (w *Worker) Processing() bool {
	return w.processing.Load()
}

// Run consumes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker starting")
	defer w.logger.Info("worker stopped")

	for {
		d, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("dequeue failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.processing.Store(true)
		outcome := w.Process(ctx, d)
		w.processing.Store(false)
		w.logger.Debug("delivery handled", "job_id", d.JobID, "outcome", outcome)
	}
}

// Wait blocks until in-flight notifications have finished.
func (w *Worker) Wait() {
	w.notifyWG.Wait()
}

// Process drives one delivery through the state machine. Every write is a
// compare-and-swap against the record just read, so a worker whose lease was
// taken over stops at its next write.
func (w *Worker) Process(ctx context.Context, d *queue.Delivery) Outcome {
	log := w.logger.With("job_id", d.JobID)

	job, err := w.deps.Jobs.Get(ctx, d.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("no record for delivery, dropping")
		w.ack(ctx, d, log)
		return OutcomeDropped
	}
	if err != nil {
		log.Error("load job", "err", err)
		return OutcomeAbandoned
	}

	switch {
	case job.Status.Terminal():
		log.Info("job already finished, acking duplicate delivery", "status", job.Status)
		w.ack(ctx, d, log)
		return OutcomeDuplicate

	case job.Status.InProgress():
		// The previous holder lost its lease mid-attempt.
		abandoned := models.NewStageError(models.ErrorKindTransient, stageOf(job.Status),
			fmt.Errorf("attempt %d abandoned in %s", job.Attempts, job.Status))
		log.Warn("recovering abandoned attempt", "status", job.Status, "attempt", job.Attempts)

		job, err = w.recordFailure(ctx, job, abandoned)
		if err != nil {
			return w.abandon(log, "record abandoned attempt", err)
		}
		if job.Status == models.StatusFailed {
			log.Warn("job failed", "attempts", job.Attempts, "error", job.LastError)
			w.ack(ctx, d, log)
			return OutcomeFailed
		}
	}

	// PENDING -> SCRAPING
	next := job.Clone()
	next.Status = models.StatusScraping
	next.Attempts++
	next.Progress = 10
	next.ProcessingNode = w.ID
	job, err = w.swap(ctx, models.StatusPending, next)
	if err != nil {
		return w.abandon(log, "claim", err)
	}
	log = log.With("attempt", job.Attempts)
	log.Info("processing job", "source_url", job.SourceURL)

	content, err := w.deps.Scrape.Run(ctx, job.SourceURL)
	if err != nil {
		return w.handleFailure(ctx, d, job, err, log)
	}

	// SCRAPING -> ANALYZING
	next = job.Clone()
	next.Status = models.StatusAnalyzing
	next.Progress = 50
	job, err = w.swap(ctx, models.StatusScraping, next)
	if err != nil {
		return w.abandon(log, "scraped", err)
	}

	recipe, err := w.deps.Analyze.Run(ctx, content)
	if err != nil {
		return w.handleFailure(ctx, d, job, err, log)
	}

	if w.deps.Media != nil {
		media := w.mirror(ctx, job, content)
		recipe.ThumbnailURL, recipe.VideoURL = media.ThumbnailURL, media.VideoURL
	}

	// A recipe stored by an earlier attempt wins over this one.
	stored, err := w.persist(ctx, job.ID, recipe)
	if err != nil {
		return w.handleFailure(ctx, d, job, err, log)
	}

	// ANALYZING -> COMPLETED
	next = job.Clone()
	next.Status = models.StatusCompleted
	next.Progress = 100
	next.Result = stored
	next.LastError = nil
	job, err = w.swap(ctx, models.StatusAnalyzing, next)
	if err != nil {
		return w.abandon(log, "complete", err)
	}

	log.Info("job completed", "recipe", stored.Name)
	w.ack(ctx, d, log)
	w.notify(ctx, job, log)
	return OutcomeCompleted
}

func (w *Worker) persist(ctx context.Context, jobID string, recipe *models.Recipe) (*models.Recipe, error) {
	pctx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.PersistTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, w.cfg.PersistTimeout)
	}
	defer cancel()

	stored, err := w.deps.Recipes.Put(pctx, jobID, recipe)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewStageError(models.ErrorKindPersistence, stage.PersistStage, err)
	}
	if stored == nil {
		stored = recipe
	}
	return stored, nil
}

// mirror copies the post media within MediaTimeout. Failures only cost the URLs.
func (w *Worker) mirror(ctx context.Context, job *models.Job, content *models.ScrapedContent) recipes.Media {
	mctx, cancel := ctx, context.CancelFunc(func() {})
	if w.cfg.MediaTimeout > 0 {
		mctx, cancel = context.WithTimeout(ctx, w.cfg.MediaTimeout)
	}
	defer cancel()
	return w.deps.Media.Mirror(mctx, job.Requester, job.ID, content)
}

// handleFailure records a failed attempt and either schedules a retry or
// marks the job FAILED once its attempts are used up.
func (w *Worker) handleFailure(ctx context.Context, d *queue.Delivery, job *models.Job, cause error, log *slog.Logger) Outcome {
	if ctx.Err() != nil {
		log.Info("worker stopping mid-attempt, leaving job to lease expiry", "status", job.Status)
		return OutcomeAbandoned
	}

	se := models.AsStageError(stageOf(job.Status), cause)
	updated, err := w.recordFailure(ctx, job, se)
	if err != nil {
		return w.abandon(log, "record failure", err)
	}

	if updated.Status == models.StatusFailed {
		log.Warn("job failed", "attempts", updated.Attempts, "kind", se.Kind, "err", se.Message)
		w.ack(ctx, d, log)
		return OutcomeFailed
	}

	delay := Backoff(updated.Attempts, w.cfg.BaseDelay, w.cfg.MaxDelay)
	log.Warn("attempt failed, retrying", "kind", se.Kind, "stage", se.Stage, "err", se.Message, "backoff", delay)
	if err := w.deps.Queue.Nack(ctx, d, delay); err != nil {
		log.Warn("nack failed, lease expiry will redeliver", "err", err)
	}
	return OutcomeRetry
}

// recordFailure moves an in-progress job to PENDING, or to FAILED when no
// attempts remain.
func (w *Worker) recordFailure(ctx context.Context, job *models.Job, se *models.StageError) (*models.Job, error) {
	next := job.Clone()
	next.LastError = se
	next.Result = nil
	if job.Attempts >= w.cfg.MaxAttempts {
		next.Status = models.StatusFailed
	} else {
		next.Status = models.StatusPending
		next.Progress = 0
	}
	return w.swap(ctx, job.Status, next)
}

func (w *Worker) swap(ctx context.Context, expected models.JobStatus, next *models.Job) (*models.Job, error) {
	updated, err := w.deps.Jobs.CompareAndSwap(ctx, next.ID, expected, next)
	if err != nil {
		return nil, err
	}
	if w.onUpdate != nil {
		w.onUpdate(updated.Clone())
	}
	return updated, nil
}

// abandon stops work on a delivery without acking it. A conflict means
// another worker owns the job now.
func (w *Worker) abandon(log *slog.Logger, step string, err error) Outcome {
	if errors.Is(err, store.ErrConflict) {
		log.Warn("lost job to another worker, abandoning", "step", step, "err", err)
	} else {
		log.Error("store write failed, abandoning", "step", step, "err", err)
	}
	return OutcomeAbandoned
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery, log *slog.Logger) {
	if err := w.deps.Queue.Ack(ctx, d); err != nil {
		log.Warn("ack failed", "err", err)
	}
}

// notify fires the completion event in the background with its own timeout.
func (w *Worker) notify(ctx context.Context, job *models.Job, log *slog.Logger) {
	if w.deps.Notifier == nil || job.Result == nil {
		return
	}
	ev := notify.Event{RequesterID: job.Requester, JobID: job.ID, RecipeName: job.Result.Name}

	w.notifyWG.Add(1)
	go func() {
		defer w.notifyWG.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.NotifyTimeout)
		defer cancel()
		if err := w.deps.Notifier.Notify(nctx, ev); err != nil {
			log.Warn("notify failed", "err", err)
		}
	}()
}

func stageOf(status models.JobStatus) string {
	switch status {
	case models.StatusScraping:
		return stage.ScrapeStage
	case models.StatusAnalyzing:
		return stage.AnalyzeStage
	default:
		return ""
	}
}
