package gormrepository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"crlogger/internal/models"
	"crlogger/internal/repository"
)

// Store keeps one row per table and replaces the whole set in a
// single transaction.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (r *Store) Load(ctx context.Context) (map[string]time.Time, bool, error) {
	var rows []models.Checkpoint
	if err := r.db.WithContext(ctx).Order("table_name").Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("loading checkpoints: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	out := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		if row.Table == "" || row.Watermark.IsZero() {
			return nil, false, fmt.Errorf("%w: invalid row %q", repository.ErrCorruptState, row.Table)
		}
		out[row.Table] = row.Watermark
	}
	return out, true, nil
}

func (r *Store) Save(ctx context.Context, tables map[string]time.Time) error {
	rows, err := buildRows(ctx, tables, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPersistence, err)
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Checkpoint{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %v", repository.ErrPersistence, err)
	}
	return nil
}

func (r *Store) Close() error {
	return nil
}

func buildRows(ctx context.Context, tables map[string]time.Time, now time.Time) ([]models.Checkpoint, error) {
	passID := repository.PassIDFromContext(ctx)
	stats, err := json.Marshal(map[string]any{"tables": len(tables)})
	if err != nil {
		return nil, err
	}
	rows := make([]models.Checkpoint, 0, len(tables))
	for name, ts := range tables {
		if name == "" {
			return nil, fmt.Errorf("empty table name")
		}
		rows = append(rows, models.Checkpoint{
			Table:     name,
			Watermark: ts.UTC(),
			PassID:    passID,
			UpdatedAt: now,
			StatsJSON: datatypes.JSON(stats),
		})
	}
	return rows, nil
}
