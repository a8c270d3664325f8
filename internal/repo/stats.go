// Package repo implements the persistence layer backed by GORM. This file
// provides small aggregate queries used by the group status endpoint.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/intake-guard/internal/domain"
)

// PendingStats returns how many members of group are pending and when the
// oldest of them was created. oldest is nil when nothing is pending.
func PendingStats(ctx context.Context, db *gorm.DB, group string) (count int64, oldest *time.Time, err error) {
	pending := func() *gorm.DB {
		return db.WithContext(ctx).
			Model(&domain.PendingRequest{}).
			Where("group_key = ? AND status = ?", group, domain.PendingStatusPending)
	}

	if err = pending().Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get earliest created_at (avoid MIN() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = pending().Select("created_at").Order("created_at ASC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
