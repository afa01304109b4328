package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow-go/gallery/pkg/database"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ImportRecord is one forwarded import attempt.
type ImportRecord struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TemplateID   string    `json:"templateId,omitempty" gorm:"index"`
	WorkflowName string    `json:"workflowName"`
	Endpoint     string    `json:"endpoint"`
	Status       int       `json:"status"`
	WorkflowID   string    `json:"workflowId,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt" gorm:"index"`
}

func (ImportRecord) TableName() string {
	return "import_records"
}

type ImportRepository struct {
	db *database.DB
}

func NewImportRepository(db *database.DB) *ImportRepository {
	return &ImportRepository{db: db}
}

// Migrate creates the import history table when it is missing.
func (r *ImportRepository) Migrate() error {
	return r.db.Migrate(&ImportRecord{})
}

func (r *ImportRepository) Create(ctx context.Context, record *ImportRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// List returns the most recent records first. limit is clamped to
// [1, MaxListLimit]; zero or negative means DefaultListLimit.
func (r *ImportRepository) List(ctx context.Context, limit int) ([]ImportRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	var records []ImportRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
