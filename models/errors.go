package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures recorded on a job.
type ErrorKind string

const (
	ErrorKindValidation  ErrorKind = "ValidationError"
	ErrorKindTransient   ErrorKind = "TransientStageError"
	ErrorKindPermanent   ErrorKind = "PermanentStageError"
	ErrorKindConflict    ErrorKind = "StoreConflict"
	ErrorKindPersistence ErrorKind = "PersistenceFailure"
)

// StageError is a stage-aware failure that can be stored as a job's last error.
type StageError struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error formats the failure for logs and status queries.
func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, e.Message)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStageError builds a StageError wrapping err.
func NewStageError(kind ErrorKind, stage string, err error) *StageError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &StageError{Kind: kind, Stage: stage, Message: msg, Err: err}
}

// AsStageError returns err as a *StageError. Errors that carry no
// classification are treated as transient.
func AsStageError(stage string, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return NewStageError(ErrorKindTransient, stage, err)
}
