// Package recipes stores finished recipes. Every store treats Put as a single
// terminal write: the first recipe stored for a job wins, and later calls get
// that first recipe back.
package recipes

import (
	"context"
	"errors"
	"sync"

	"github.com/jupark12/recipe-ingest/models"
)

// ErrNotFound is returned by Get when no recipe was stored for the job.
var ErrNotFound = errors.New("recipe not found")

// Store persists the recipe produced by a job.
type Store interface {
	// Put stores recipe unless one already exists for jobID, and returns the
	// recipe that is stored after the call.
	Put(ctx context.Context, jobID string, recipe *models.Recipe) (*models.Recipe, error)
}

// MemoryStore keeps recipes in process.
type MemoryStore struct {
	mu      sync.RWMutex
	recipes map[string]*models.Recipe
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recipes: make(map[string]*models.Recipe)}
}

func (s *MemoryStore) Put(ctx context.Context, jobID string, recipe *models.Recipe) (*models.Recipe, error) {
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.recipes[jobID]; ok {
		return existing.Clone(), nil
	}
	s.recipes[jobID] = recipe.Clone()
	return recipe.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*models.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipes[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recipes)
}
