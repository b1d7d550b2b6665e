package ingestion

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("ingestion batch not found")

// AuditStore records ingest batches and their outcome.
type AuditStore interface {
	Create(ctx context.Context, b *Batch) error
	UpdateStatus(ctx context.Context, id, status string, report datatypes.JSONMap, errMsg string) error
	Get(ctx context.Context, id string) (*Batch, error)
	CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Batch{})
}

func (r *Repository) Create(ctx context.Context, b *Batch) error {
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *Repository) UpdateStatus(ctx context.Context, id, status string, report datatypes.JSONMap, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"error":      errMsg,
		"updated_at": time.Now().UTC(),
	}
	if report != nil {
		updates["report"] = report
	}
	return r.db.WithContext(ctx).Model(&Batch{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *Repository) Get(ctx context.Context, id string) (*Batch, error) {
	var b Batch
	result := r.db.WithContext(ctx).First(&b, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &b, nil
}

func (r *Repository) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-ttl)
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Batch{})
	return res.RowsAffected, res.Error
}
