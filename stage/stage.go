// Package stage runs the scrape and analyze steps of an import under a hard
// timeout and translates collaborator failures into classified stage errors.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jupark12/recipe-ingest/models"
)

const (
	ScrapeStage  = "scrape"
	AnalyzeStage = "analyze"
	PersistStage = "persist"
)

var (
	// ErrRateLimited means the upstream asked us to slow down.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable means the upstream could not be reached or failed on its side.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrMalformedOutput means the upstream answered with something unusable.
	ErrMalformedOutput = errors.New("malformed output")
	// ErrUnsupported means the input can never be processed by this collaborator.
	ErrUnsupported = errors.New("unsupported input")
)

// Scraper fetches raw content for a post URL.
type Scraper interface {
	Scrape(ctx context.Context, sourceURL string) (*models.ScrapedContent, error)
}

// Analyzer turns scraped content into a structured recipe.
type Analyzer interface {
	Analyze(ctx context.Context, content *models.ScrapedContent) (*models.Recipe, error)
}

// ScrapeExecutor bounds a Scraper call by a timeout and classifies its errors.
type ScrapeExecutor struct {
	scraper Scraper
	timeout time.Duration
}

func NewScrapeExecutor(scraper Scraper, timeout time.Duration) *ScrapeExecutor {
	return &ScrapeExecutor{scraper: scraper, timeout: timeout}
}

// Run scrapes sourceURL. Failures are *models.StageError values, except that
// cancellation of ctx itself is returned as ctx.Err().
func (e *ScrapeExecutor) Run(ctx context.Context, sourceURL string) (*models.ScrapedContent, error) {
	content, err := bounded(ctx, e.timeout, func(sctx context.Context) (*models.ScrapedContent, error) {
		return e.scraper.Scrape(sctx, sourceURL)
	})
	if err != nil {
		return nil, classify(ctx, ScrapeStage, e.timeout, err)
	}
	if content == nil {
		return nil, models.NewStageError(models.ErrorKindPermanent, ScrapeStage,
			fmt.Errorf("%w: scraper returned no content", ErrMalformedOutput))
	}
	if strings.TrimSpace(content.Caption) == "" && content.MediaURL == "" && len(content.ImageURLs) == 0 {
		return nil, models.NewStageError(models.ErrorKindPermanent, ScrapeStage,
			fmt.Errorf("%w: post has no caption or media", ErrMalformedOutput))
	}
	if content.URL == "" {
		content.URL = sourceURL
	}
	return content, nil
}

// AnalyzeExecutor bounds an Analyzer call by a timeout and classifies its errors.
type AnalyzeExecutor struct {
	analyzer Analyzer
	timeout  time.Duration
}

func NewAnalyzeExecutor(analyzer Analyzer, timeout time.Duration) *AnalyzeExecutor {
	return &AnalyzeExecutor{analyzer: analyzer, timeout: timeout}
}

// Run analyzes content. The returned recipe always passes Validate.
func (e *AnalyzeExecutor) Run(ctx context.Context, content *models.ScrapedContent) (*models.Recipe, error) {
	recipe, err := bounded(ctx, e.timeout, func(actx context.Context) (*models.Recipe, error) {
		return e.analyzer.Analyze(actx, content)
	})
	if err != nil {
		return nil, classify(ctx, AnalyzeStage, e.timeout, err)
	}
	if err := recipe.Validate(); err != nil {
		return nil, models.NewStageError(models.ErrorKindPermanent, AnalyzeStage,
			fmt.Errorf("%w: %w", ErrMalformedOutput, err))
	}
	return recipe, nil
}

type outcome[T any] struct {
	val T
	err error
}

// bounded runs fn with a deadline and returns as soon as the deadline passes,
// even if fn ignores its context.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var (
		cctx   = ctx
		cancel context.CancelFunc = func() {}
	)
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(cctx)
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-cctx.Done():
		var zero T
		return zero, cctx.Err()
	}
}

func classify(parent context.Context, stageName string, timeout time.Duration, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}

	var se *models.StageError
	if errors.As(err, &se) {
		if se.Stage == "" {
			se.Stage = stageName
		}
		return se
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewStageError(models.ErrorKindTransient, stageName,
			fmt.Errorf("timed out after %s: %w", timeout, err))
	case errors.Is(err, ErrMalformedOutput), errors.Is(err, ErrUnsupported):
		return models.NewStageError(models.ErrorKindPermanent, stageName, err)
	default:
		// Rate limits, outages and anything unrecognised are worth retrying.
		return models.NewStageError(models.ErrorKindTransient, stageName, err)
	}
}
