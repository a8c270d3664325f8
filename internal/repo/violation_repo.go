// Package repo implements the persistence layer backed by GORM. This file
// provides read access to the violation audit trail written by
// AdmissionStore.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/intake-guard/internal/domain"
)

// CountViolations returns the number of violations recorded for clientID.
func CountViolations(ctx context.Context, db *gorm.DB, clientID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.ViolationEvent{}).
		Where("client_id = ?", clientID).
		Count(&total).Error
	return total, err
}

// ListViolationsPage returns a page of violations for clientID, newest first.
// The caller computes offset and limit (e.g., (page-1)*pageSize).
func ListViolationsPage(ctx context.Context, db *gorm.DB, clientID string, offset, limit int) ([]domain.ViolationEvent, error) {
	var out []domain.ViolationEvent
	err := db.WithContext(ctx).
		Where("client_id = ?", clientID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
