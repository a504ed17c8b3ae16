package models

import (
	"time"
)

// JobStatus represents the current state of an import job in the system
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusScraping  JobStatus = "SCRAPING"
	StatusAnalyzing JobStatus = "ANALYZING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusScraping, StatusAnalyzing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InProgress reports whether s is one of the stage-executing statuses.
func (s JobStatus) InProgress() bool {
	return s == StatusScraping || s == StatusAnalyzing
}

// CanTransition enforces the pipeline state machine edges.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusScraping
	case StatusScraping:
		return to == StatusAnalyzing || to == StatusPending || to == StatusFailed
	case StatusAnalyzing:
		return to == StatusCompleted || to == StatusPending || to == StatusFailed
	default:
		return false
	}
}

// Job is the persisted unit of work for one recipe import
type Job struct {
	ID             string      `json:"id"`
	Requester      string      `json:"requester"`
	SourceURL      string      `json:"source_url"`
	Status         JobStatus   `json:"status"`
	Attempts       int         `json:"attempt_count"`
	LastError      *StageError `json:"last_error,omitempty"`
	Progress       int         `json:"progress"`
	Result         *Recipe     `json:"result,omitempty"`
	ProcessingNode string      `json:"processing_node,omitempty"`
	// Version is bumped by the store on every successful write and used as the
	// compare-and-swap token together with Status.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	if j.Result != nil {
		c.Result = j.Result.Clone()
	}
	return &c
}
