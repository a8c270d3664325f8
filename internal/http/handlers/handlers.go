package handlers

import (
	"context"
	"time"

	"github.com/tbourn/intake-guard/internal/dispatch"
	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
	"github.com/tbourn/intake-guard/internal/services"
)

// IntakeService is the submission and group side consumed by the handlers.
type IntakeService interface {
	Submit(ctx context.Context, in services.SubmitInput) (services.SubmitResult, error)
	Rerun(ctx context.Context, group string) (dispatch.BatchResult, error)
	Status(ctx context.Context, group string, withRuns bool) (services.GroupStatus, error)
}

// AuditService is the operator side consumed by the handlers.
type AuditService interface {
	ListViolations(ctx context.Context, client identity.ID, page, pageSize int) ([]domain.ViolationEvent, int64, error)
	Unblock(ctx context.Context, client identity.ID, requestType string) (bool, error)
}

// Handlers groups the HTTP endpoints and their service dependencies.
type Handlers struct {
	Intake IntakeService
	Audit  AuditService

	now func() time.Time
}

// New creates a Handlers instance.
func New(intake IntakeService, audit AuditService) *Handlers {
	return &Handlers{Intake: intake, Audit: audit, now: time.Now}
}
