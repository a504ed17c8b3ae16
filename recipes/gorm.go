package recipes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jupark12/recipe-ingest/models"
)

// Row is the recipes table.
type Row struct {
	JobID     string `gorm:"primaryKey;type:text"`
	Name      string `gorm:"not null"`
	Body      []byte `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
}

func (Row) TableName() string { return "recipes" }

// GormStore keeps recipes in Postgres through GORM.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the recipes table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Row{})
}

func (s *GormStore) Put(ctx context.Context, jobID string, recipe *models.Recipe) (*models.Recipe, error) {
	row, err := newRow(jobID, recipe)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return nil, fmt.Errorf("insert recipe %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		// An earlier attempt already stored this job's recipe.
		return s.Get(ctx, jobID)
	}
	return recipe.Clone(), nil
}

func (s *GormStore) Get(ctx context.Context, jobID string) (*models.Recipe, error) {
	var row Row
	err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select recipe %s: %w", jobID, err)
	}
	return row.recipe()
}

func newRow(jobID string, recipe *models.Recipe) (*Row, error) {
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(recipe)
	if err != nil {
		return nil, fmt.Errorf("encode recipe: %w", err)
	}
	return &Row{JobID: jobID, Name: recipe.Name, Body: body}, nil
}

func (r *Row) recipe() (*models.Recipe, error) {
	var out models.Recipe
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, fmt.Errorf("decode recipe %s: %w", r.JobID, err)
	}
	return &out, nil
}
