// Package store implements the durable status store on Postgres via gorm.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docbatch/internal/batch"
)

// Gorm implements batch.Store on a relational database.
type Gorm struct {
	db *gorm.DB
}

// Open connects to Postgres with the given DSN and migrates the schema.
func Open(dsn string) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema. Tests use this
// with the sqlite driver.
func New(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&batch.Batch{}, &batch.Document{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (s *Gorm) CreateBatch(ctx context.Context, b *batch.Batch) error {
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (s *Gorm) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	var b batch.Batch
	err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, batch.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &b, nil
}

func (s *Gorm) UpdateBatchStatus(ctx context.Context, id string, status batch.Status) error {
	err := s.db.WithContext(ctx).
		Model(&batch.Batch{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	return nil
}

// UpdateBatchStatusIf performs a conditional status transition. The single
// UPDATE with a status guard is what makes claims such as
// UNZIPPED -> FINALIZING succeed for at most one concurrent caller.
func (s *Gorm) UpdateBatchStatusIf(ctx context.Context, id string, from, to batch.Status) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&batch.Batch{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("update batch status if %s: %w", from, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Gorm) CompleteBatch(ctx context.Context, id string, resultPath string) error {
	res := s.db.WithContext(ctx).
		Model(&batch.Batch{}).
		Where("id = ? AND status = ?", id, batch.StatusFinalizing).
		Updates(map[string]any{
			"status":              batch.StatusCompleted,
			"result_archive_path": resultPath,
		})
	if res.Error != nil {
		return fmt.Errorf("complete batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete batch %s: not in %s", id, batch.StatusFinalizing)
	}
	return nil
}

func (s *Gorm) CreateDocument(ctx context.Context, d *batch.Document) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *Gorm) ListDocuments(ctx context.Context, batchID string) ([]batch.Document, error) {
	var docs []batch.Document
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

func (s *Gorm) UpdateDocument(ctx context.Context, id int64, status batch.DocumentStatus, outputPath string) error {
	err := s.db.WithContext(ctx).
		Model(&batch.Document{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"output_path": outputPath,
		}).Error
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func (s *Gorm) CountDocuments(ctx context.Context, batchID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&batch.Document{}).
		Where("batch_id = ?", batchID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *Gorm) CountDocumentsByStatus(ctx context.Context, batchID string, status batch.DocumentStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&batch.Document{}).
		Where("batch_id = ? AND status = ?", batchID, status).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count documents by status: %w", err)
	}
	return n, nil
}

var _ batch.Store = (*Gorm)(nil)
