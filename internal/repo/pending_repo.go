// Package repo implements the persistence layer backed by GORM. This file
// provides repository functions for PendingRequest, the admitted submissions
// waiting for their group's batch.
//
// Functions:
//
//   - CreatePending(ctx, db, p) -> error
//   - DeletePending(ctx, db, id) -> error
//   - ListPending(ctx, db, group) -> []domain.PendingRequest, error
//   - CountPending(ctx, db, group) -> int64, error
//   - PendingCounts(ctx, db) -> map[string]int64, error
//   - MarkScheduled(ctx, db, epoch, outcomes) -> int64, error
//
// MarkScheduled only touches rows still in the pending state, so replaying
// it for the same members is harmless.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/intake-guard/internal/domain"
)

// NotifyOutcome is the delivery result recorded on one pending member.
type NotifyOutcome struct {
	ID     string
	Status string
	Error  string
}

// CreatePending inserts p as pending. ID and CreatedAt are filled in when
// empty.
func CreatePending(ctx context.Context, db *gorm.DB, p *domain.PendingRequest) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Status = domain.PendingStatusPending
	return db.WithContext(ctx).Create(p).Error
}

// DeletePending removes a pending row. Missing rows are not an error.
func DeletePending(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Where("id = ? AND status = ?", id, domain.PendingStatusPending).
		Delete(&domain.PendingRequest{}).Error
}

// ListPending returns the pending members of group, oldest first.
func ListPending(ctx context.Context, db *gorm.DB, group string) ([]domain.PendingRequest, error) {
	var out []domain.PendingRequest
	err := db.WithContext(ctx).
		Where("group_key = ? AND status = ?", group, domain.PendingStatusPending).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// CountPending returns the number of pending members of group.
func CountPending(ctx context.Context, db *gorm.DB, group string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.PendingRequest{}).
		Where("group_key = ? AND status = ?", group, domain.PendingStatusPending).
		Count(&n).Error
	return n, err
}

// PendingCounts returns the number of pending members per group. Groups with
// none are absent.
func PendingCounts(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		GroupKey string
		N        int64
	}
	err := db.WithContext(ctx).
		Model(&domain.PendingRequest{}).
		Select("group_key, COUNT(*) AS n").
		Where("status = ?", domain.PendingStatusPending).
		Group("group_key").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.GroupKey] = r.N
	}
	return out, nil
}

// MarkScheduled moves the listed members to scheduled for epoch and records
// their notification outcome, in one transaction. It returns how many rows
// actually changed.
func MarkScheduled(ctx context.Context, db *gorm.DB, epoch int64, outcomes []NotifyOutcome) (int64, error) {
	var changed int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, o := range outcomes {
			res := tx.Model(&domain.PendingRequest{}).
				Where("id = ? AND status = ?", o.ID, domain.PendingStatusPending).
				Updates(map[string]any{
					"status":        domain.PendingStatusScheduled,
					"epoch":         epoch,
					"notify_status": o.Status,
					"notify_error":  o.Error,
					"scheduled_at":  now,
				})
			if res.Error != nil {
				return res.Error
			}
			changed += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}
