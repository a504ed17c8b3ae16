package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jupark12/recipe-ingest/models"
)

// MemoryStore keeps job records in memory. When dataDir is set every write is
// also snapshotted to <dataDir>/<id>.json so records survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	jobsByID map[string]*models.Job
	dataDir  string
	now      func() time.Time
	log      *slog.Logger
}

// NewMemoryStore creates an in-memory job store. An empty dataDir disables
// snapshots.
func NewMemoryStore(dataDir string, logger *slog.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return &MemoryStore{
		jobsByID: make(map[string]*models.Job),
		dataDir:  dataDir,
		now:      time.Now,
		log:      logger,
	}, nil
}

// Create stores a new PENDING record.
func (s *MemoryStore) Create(ctx context.Context, job *models.Job) (string, error) {
	if err := checkNew(job); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobsByID[job.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrExists, job.ID)
	}

	stored := job.Clone()
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Version = 1

	if err := s.persistJob(stored); err != nil {
		return "", err
	}
	s.jobsByID[stored.ID] = stored
	return stored.ID, nil
}

// Get retrieves a copy of a job by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobsByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

// CompareAndSwap replaces the record when status and version still match.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, id string, expected models.JobStatus, next *models.Job) (*models.Job, error) {
	if err := checkTransition(expected, next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.jobsByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Status != expected || cur.Version != next.Version {
		return nil, fmt.Errorf("%w: %s is %s@v%d, expected %s@v%d",
			ErrConflict, id, cur.Status, cur.Version, expected, next.Version)
	}
	if err := checkAgainst(cur, next); err != nil {
		return nil, err
	}

	stored := next.Clone()
	stored.ID = cur.ID
	stored.CreatedAt = cur.CreatedAt
	stored.UpdatedAt = s.now().UTC()
	stored.Version = cur.Version + 1

	if err := s.persistJob(stored); err != nil {
		return nil, err
	}
	s.jobsByID[id] = stored
	return stored.Clone(), nil
}

// Unfinished returns the ids of all non-terminal records, oldest first.
func (s *MemoryStore) Unfinished(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []*models.Job
	for _, job := range s.jobsByID {
		if !job.Status.Terminal() {
			open = append(open, job)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].ID < open[j].ID
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	ids := make([]string, len(open))
	for i, job := range open {
		ids[i] = job.ID
	}
	return ids, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobsByID)
}

// persistJob saves job data to disk
func (s *MemoryStore) persistJob(job *models.Job) error {
	if s.dataDir == "" {
		return nil
	}
	jobPath := filepath.Join(s.dataDir, job.ID+".json")

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job data: %w", err)
	}

	tmp := jobPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	if err := os.Rename(tmp, jobPath); err != nil {
		return fmt.Errorf("replace job file: %w", err)
	}
	return nil
}

// Load restores all snapshotted jobs from disk and returns how many were
// read. It also returns the ids of jobs that are not terminal so the caller
// can put them back on the queue.
func (s *MemoryStore) Load() (int, []string, error) {
	if s.dataDir == "" {
		return 0, nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dataDir)
	if err != nil {
		return 0, nil, fmt.Errorf("read data directory: %w", err)
	}

	var unfinished []string
	loaded := 0
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		jobPath := filepath.Join(s.dataDir, file.Name())
		data, err := os.ReadFile(jobPath)
		if err != nil {
			s.log.Warn("store: failed to read job file", "path", jobPath, "err", err)
			continue
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			s.log.Warn("store: failed to unmarshal job file", "path", jobPath, "err", err)
			continue
		}
		if job.ID == "" || !job.Status.Valid() {
			s.log.Warn("store: skipping malformed job file", "path", jobPath)
			continue
		}

		s.jobsByID[job.ID] = &job
		loaded++
		if !job.Status.Terminal() {
			unfinished = append(unfinished, job.ID)
		}
	}

	s.log.Info("store: loaded jobs from disk", "count", loaded, "unfinished", len(unfinished))
	return loaded, unfinished, nil
}
