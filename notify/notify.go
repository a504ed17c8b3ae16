// Package notify tells interested parties that a recipe import finished.
// Delivery is best effort: callers log failures and move on.
package notify

import (
	"context"
	"errors"
)

// Event announces a completed import.
type Event struct {
	RequesterID string `json:"requester_id"`
	JobID       string `json:"job_id"`
	RecipeName  string `json:"recipe_name"`
}

// Notifier delivers completion events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }
