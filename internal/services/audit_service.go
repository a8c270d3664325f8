// Package services – AuditService
//
// AuditService exposes the operator side of the admission core: the
// per-client violation trail and manual unblocking.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
	"github.com/tbourn/intake-guard/internal/repo"
)

// Unblocker lifts an active block for one client and request type.
type Unblocker interface {
	Unblock(ctx context.Context, client identity.ID, requestType string) (bool, error)
}

// AuditService reads violations and lifts blocks.
type AuditService struct {
	DB   *gorm.DB
	Gate Unblocker
}

// ListViolations returns a page of the client's violations, newest first,
// and the total count. Invalid page values fall back to defaults.
func (s *AuditService) ListViolations(ctx context.Context, client identity.ID, page, pageSize int) ([]domain.ViolationEvent, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := repo.CountViolations(ctx, s.DB, string(client))
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ViolationEvent{}, 0, nil
	}
	items, err := repo.ListViolationsPage(ctx, s.DB, string(client), (page-1)*pageSize, pageSize)
	return items, total, err
}

// Unblock lifts the client's block for requestType. It reports whether a
// block was active.
func (s *AuditService) Unblock(ctx context.Context, client identity.ID, requestType string) (bool, error) {
	return s.Gate.Unblock(ctx, client, requestType)
}
