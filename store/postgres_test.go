package store

import (
	"errors"
	"testing"

	"github.com/jupark12/recipe-ingest/models"
)

func TestMissedUpdate(t *testing.T) {
	cur := &models.Job{
		ID:        "job-1",
		Requester: "u1",
		SourceURL: "https://instagram.com/reel/abc",
		Status:    models.StatusScraping,
		Attempts:  1,
		Version:   2,
	}
	with := func(mutate func(*models.Job)) *models.Job {
		next := cur.Clone()
		mutate(next)
		return next
	}

	tests := []struct {
		name     string
		expected models.JobStatus
		next     *models.Job
		want     error
	}{
		{
			name:     "status moved on",
			expected: models.StatusPending,
			next:     with(func(j *models.Job) { j.Version = 2 }),
			want:     ErrConflict,
		},
		{
			name:     "stale version",
			expected: models.StatusScraping,
			next:     with(func(j *models.Job) { j.Version = 1 }),
			want:     ErrConflict,
		},
		{
			name:     "requester changed",
			expected: models.StatusScraping,
			next:     with(func(j *models.Job) { j.Requester = "u2" }),
			want:     ErrInvalidTransition,
		},
		{
			name:     "attempts decreased",
			expected: models.StatusScraping,
			next:     with(func(j *models.Job) { j.Attempts = 0 }),
			want:     ErrInvalidTransition,
		},
		{
			name:     "guards pass but row missed",
			expected: models.StatusScraping,
			next:     with(func(j *models.Job) { j.Status = models.StatusAnalyzing }),
			want:     ErrConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := missedUpdate(cur, tt.expected, tt.next)
			if !errors.Is(err, tt.want) {
				t.Fatalf("missedUpdate() = %v, want %v", err, tt.want)
			}
		})
	}
}
