package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/repo"
)

// GroupRepo is the persistence contract of IntakeService: pending members
// and batch run claims.
type GroupRepo interface {
	CreatePending(ctx context.Context, db *gorm.DB, p *domain.PendingRequest) error
	DeletePending(ctx context.Context, db *gorm.DB, id string) error
	ListPending(ctx context.Context, db *gorm.DB, group string) ([]domain.PendingRequest, error)
	CountPending(ctx context.Context, db *gorm.DB, group string) (int64, error)
	MarkScheduled(ctx context.Context, db *gorm.DB, epoch int64, outcomes []repo.NotifyOutcome) (int64, error)

	ClaimBatchRun(ctx context.Context, db *gorm.DB, group string, epoch int64) (*domain.BatchRun, error)
	ReclaimBatchRun(ctx context.Context, db *gorm.DB, group string, epoch int64, staleBefore time.Time) (*domain.BatchRun, error)
	GetBatchRun(ctx context.Context, db *gorm.DB, group string, epoch int64) (*domain.BatchRun, error)
	FinishBatchRun(ctx context.Context, db *gorm.DB, run *domain.BatchRun) error
	ListBatchRuns(ctx context.Context, db *gorm.DB, group string, limit int) ([]domain.BatchRun, error)

	PendingStats(ctx context.Context, db *gorm.DB, group string) (int64, *time.Time, error)
}

// SQLRepo adapts the repo free functions to GroupRepo.
type SQLRepo struct{}

// CreatePending proxies repo.CreatePending.
func (SQLRepo) CreatePending(ctx context.Context, db *gorm.DB, p *domain.PendingRequest) error {
	return repo.CreatePending(ctx, db, p)
}

// DeletePending proxies repo.DeletePending.
func (SQLRepo) DeletePending(ctx context.Context, db *gorm.DB, id string) error {
	return repo.DeletePending(ctx, db, id)
}

// ListPending proxies repo.ListPending.
func (SQLRepo) ListPending(ctx context.Context, db *gorm.DB, group string) ([]domain.PendingRequest, error) {
	return repo.ListPending(ctx, db, group)
}

// CountPending proxies repo.CountPending.
func (SQLRepo) CountPending(ctx context.Context, db *gorm.DB, group string) (int64, error) {
	return repo.CountPending(ctx, db, group)
}

// MarkScheduled proxies repo.MarkScheduled.
func (SQLRepo) MarkScheduled(ctx context.Context, db *gorm.DB, epoch int64, outcomes []repo.NotifyOutcome) (int64, error) {
	return repo.MarkScheduled(ctx, db, epoch, outcomes)
}

// ClaimBatchRun proxies repo.ClaimBatchRun.
func (SQLRepo) ClaimBatchRun(ctx context.Context, db *gorm.DB, group string, epoch int64) (*domain.BatchRun, error) {
	return repo.ClaimBatchRun(ctx, db, group, epoch)
}

// ReclaimBatchRun proxies repo.ReclaimBatchRun.
func (SQLRepo) ReclaimBatchRun(ctx context.Context, db *gorm.DB, group string, epoch int64, staleBefore time.Time) (*domain.BatchRun, error) {
	return repo.ReclaimBatchRun(ctx, db, group, epoch, staleBefore)
}

// GetBatchRun proxies repo.GetBatchRun.
func (SQLRepo) GetBatchRun(ctx context.Context, db *gorm.DB, group string, epoch int64) (*domain.BatchRun, error) {
	return repo.GetBatchRun(ctx, db, group, epoch)
}

// FinishBatchRun proxies repo.FinishBatchRun.
func (SQLRepo) FinishBatchRun(ctx context.Context, db *gorm.DB, run *domain.BatchRun) error {
	return repo.FinishBatchRun(ctx, db, run)
}

// ListBatchRuns proxies repo.ListBatchRuns.
func (SQLRepo) ListBatchRuns(ctx context.Context, db *gorm.DB, group string, limit int) ([]domain.BatchRun, error) {
	return repo.ListBatchRuns(ctx, db, group, limit)
}

// PendingStats proxies repo.PendingStats.
func (SQLRepo) PendingStats(ctx context.Context, db *gorm.DB, group string) (int64, *time.Time, error) {
	return repo.PendingStats(ctx, db, group)
}
