// Package repo implements the persistence layer backed by GORM. This file
// provides repository helpers for BatchRun, the claim record that makes
// batch scheduling idempotent per (group_key, epoch).
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/intake-guard/internal/domain"
)

// ClaimBatchRun inserts a running BatchRun for (group, epoch) and returns
// ErrDuplicate if the epoch has already been claimed.
func ClaimBatchRun(ctx context.Context, db *gorm.DB, group string, epoch int64) (*domain.BatchRun, error) {
	run := &domain.BatchRun{
		ID:        uuid.NewString(),
		GroupKey:  group,
		Epoch:     epoch,
		Status:    domain.BatchStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(run).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return run, nil
}

// ReclaimBatchRun takes over the run for (group, epoch) so it can be
// retried. A failed run is always reclaimable. A running run is reclaimable
// only when it started before staleBefore, which covers a process that died
// between the claim and FinishBatchRun. It returns ErrDuplicate when the run
// is neither and ErrNotFound when there is no run at all.
func ReclaimBatchRun(ctx context.Context, db *gorm.DB, group string, epoch int64, staleBefore time.Time) (*domain.BatchRun, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.BatchRun{}).
		Where("group_key = ? AND epoch = ?", group, epoch).
		Where("status = ? OR (status = ? AND started_at < ?)",
			domain.BatchStatusFailed, domain.BatchStatusRunning, staleBefore.UTC()).
		Updates(map[string]any{
			"status":      domain.BatchStatusRunning,
			"started_at":  now,
			"finished_at": nil,
			"error":       "",
		})
	if res.Error != nil {
		return nil, res.Error
	}
	run, err := GetBatchRun(ctx, db, group, epoch)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, ErrDuplicate
	}
	return run, nil
}

// GetBatchRun returns the run for (group, epoch) or ErrNotFound.
func GetBatchRun(ctx context.Context, db *gorm.DB, group string, epoch int64) (*domain.BatchRun, error) {
	var run domain.BatchRun
	res := db.WithContext(ctx).Where("group_key = ? AND epoch = ?", group, epoch).Limit(1).Find(&run)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &run, nil
}

// ListBatchRuns returns the most recent runs for group, newest first.
func ListBatchRuns(ctx context.Context, db *gorm.DB, group string, limit int) ([]domain.BatchRun, error) {
	var out []domain.BatchRun
	err := db.WithContext(ctx).
		Where("group_key = ?", group).
		Order("epoch desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// NextEpochs returns, per group with at least one run, the epoch after the
// highest one recorded.
func NextEpochs(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		GroupKey string
		Next     int64
	}
	err := db.WithContext(ctx).
		Model(&domain.BatchRun{}).
		Select("group_key, MAX(epoch) + 1 AS next").
		Group("group_key").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.GroupKey] = r.Next
	}
	return out, nil
}

// FinishBatchRun stores the outcome of a claimed run.
func FinishBatchRun(ctx context.Context, db *gorm.DB, run *domain.BatchRun) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	res := db.WithContext(ctx).
		Model(&domain.BatchRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":       run.Status,
			"recipients":   run.Recipients,
			"sent":         run.Sent,
			"failed":       run.Failed,
			"accuracy_pct": run.AccuracyPct,
			"error":        run.Error,
			"finished_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("batch run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}
