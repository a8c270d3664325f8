// Package services – IntakeService
//
// This file implements the IntakeService, the caller of the admission core.
// A submission is evaluated by the admission gate; when admitted it is stored
// as a pending member of its group and counted by the group accumulator. The
// call that fills the group triggers the batch run for the current epoch,
// which notifies every pending member, marks them scheduled and re-arms the
// group.
//
// Batch runs are claimed per (group, epoch) through the batch_runs unique
// index, so a duplicated trigger or an operator re-run never notifies the
// same epoch twice.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/intake-guard/internal/accumulator"
	"github.com/tbourn/intake-guard/internal/admission"
	"github.com/tbourn/intake-guard/internal/dispatch"
	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
	"github.com/tbourn/intake-guard/internal/observability"
	"github.com/tbourn/intake-guard/internal/repo"
)

// SubmitInput is one submission as received from the intake surface.
type SubmitInput struct {
	Client      identity.ClientData
	RequestType string
	GroupKey    string
	Category    string
	Address     string
	Fields      map[string]string
}

// SubmitResult reports what happened to a submission. Decision is always
// set; the remaining fields are only meaningful when it is an admission.
type SubmitResult struct {
	Decision  admission.Decision
	RequestID string
	Group     accumulator.Result
	// Batch is set when this submission triggered a synchronous batch run.
	Batch *dispatch.BatchResult
}

// IntakeService coordinates admission, pending persistence, group counting
// and batch notification.
type IntakeService struct {
	// DB is the GORM handle used for pending members and batch runs.
	DB *gorm.DB
	// Repo is the persistence layer used by this service.
	Repo GroupRepo

	Gate       *admission.Gate
	Groups     *accumulator.Accumulator
	Dispatcher *dispatch.Dispatcher

	// Subject and Body are used for every batch notification.
	Subject string
	Body    string

	// Async runs triggered batches in the background instead of inside the
	// triggering Submit call.
	Async bool

	// StaleAfter is how long a run may stay running before Rerun takes it
	// over. It must exceed the dispatcher's batch timeout.
	StaleAfter time.Duration

	Logger zerolog.Logger

	wg sync.WaitGroup
}

// DefaultStaleAfter covers the default two minute batch budget with margin.
const DefaultStaleAfter = 5 * time.Minute

// NewIntakeService constructs an IntakeService with synchronous batches and
// the global logger.
func NewIntakeService(db *gorm.DB, r GroupRepo, gate *admission.Gate, groups *accumulator.Accumulator, d *dispatch.Dispatcher) *IntakeService {
	return &IntakeService{
		DB:         db,
		Repo:       r,
		Gate:       gate,
		Groups:     groups,
		Dispatcher: d,
		Subject:    "Your request has been scheduled",
		StaleAfter: DefaultStaleAfter,
		Logger:     log.Logger.With().Str("component", "intake").Logger(),
	}
}

// Submit evaluates in and, when it is admitted, records it as a pending
// member of its group.
//
// A denial is returned as a Decision with a nil error. A non-nil error means
// the submission could not be processed; admission storage failures come
// back as *admission.StorageError alongside an INTERNAL_ERROR decision.
func (s *IntakeService) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	group := accumulator.NormalizeGroup(in.GroupKey)
	if group == "" {
		return SubmitResult{}, ErrMissingGroup
	}
	email := strings.TrimSpace(in.Client.Email)
	if email == "" {
		return SubmitResult{}, ErrMissingContact
	}

	ctx, span := otel.Tracer("services/Intake").Start(ctx, "Submit",
		trace.WithAttributes(attribute.String("group.key", group)))
	defer span.End()

	payload := admission.RequestPayload{
		GroupKey: group,
		Category: in.Category,
		Address:  in.Address,
		Fields:   in.Fields,
	}
	dec, err := s.Gate.Evaluate(ctx, in.Client, payload, in.RequestType)
	res := SubmitResult{Decision: dec}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission unavailable")
		return res, err
	}
	if !dec.Allowed {
		span.SetAttributes(attribute.String("admission.reason", string(dec.Reason)))
		return res, nil
	}

	p := &domain.PendingRequest{
		ClientID:    string(dec.ClientID),
		RequestType: admission.NormalizeType(in.RequestType),
		GroupKey:    group,
		Category:    strings.TrimSpace(in.Category),
		Address:     strings.TrimSpace(in.Address),
		Email:       email,
		Name:        strings.TrimSpace(in.Client.Name),
	}
	if err := s.Repo.CreatePending(ctx, s.DB, p); err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("persist pending request: %w", err)
	}
	res.RequestID = p.ID

	counted, err := s.Groups.Increment(ctx, group)
	if err != nil {
		// An uncounted member must not linger as pending.
		if derr := s.Repo.DeletePending(context.WithoutCancel(ctx), s.DB, p.ID); derr != nil {
			s.Logger.Error().Err(derr).Str("request_id", p.ID).Msg("rollback pending request")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "group increment failed")
		return SubmitResult{Decision: dec}, err
	}
	res.Group = counted
	span.SetAttributes(
		attribute.Int("group.count", counted.Count),
		attribute.Bool("group.triggered", counted.Triggered),
	)

	if counted.Triggered {
		s.Logger.Info().
			Str("group", group).
			Int64("epoch", counted.Epoch).
			Int("count", counted.Count).
			Msg("group threshold reached")
		if s.Async {
			s.wg.Add(1)
			go func(ctx context.Context) {
				defer s.wg.Done()
				_, _ = s.RunBatch(ctx, group, counted.Epoch)
			}(context.WithoutCancel(ctx))
		} else {
			batch, err := s.RunBatch(ctx, group, counted.Epoch)
			if err == nil {
				res.Batch = &batch
			}
		}
	}
	return res, nil
}

// Wait blocks until every background batch run has returned.
func (s *IntakeService) Wait() { s.wg.Wait() }

// RunBatch claims and runs the batch for (group, epoch). A second call for
// the same epoch returns ErrBatchClaimed without notifying anyone.
func (s *IntakeService) RunBatch(ctx context.Context, group string, epoch int64) (dispatch.BatchResult, error) {
	group = accumulator.NormalizeGroup(group)
	run, err := s.Repo.ClaimBatchRun(ctx, s.DB, group, epoch)
	if errors.Is(err, repo.ErrDuplicate) {
		observability.BatchRuns.WithLabelValues("skipped").Inc()
		s.Logger.Info().Str("group", group).Int64("epoch", epoch).Msg("batch already claimed, skipping")
		return dispatch.BatchResult{GroupKey: group, Epoch: epoch}, ErrBatchClaimed
	}
	if err != nil {
		return dispatch.BatchResult{}, fmt.Errorf("claim batch run: %w", err)
	}
	return s.run(ctx, run)
}

// Rerun is the operator entry point for a group's current epoch. A failed
// run, or a running one older than StaleAfter, is reclaimed and retried; an
// unclaimed epoch with pending members is flushed before reaching the
// threshold. An epoch whose run completed or is still in progress returns
// ErrBatchClaimed.
func (s *IntakeService) Rerun(ctx context.Context, group string) (dispatch.BatchResult, error) {
	group = accumulator.NormalizeGroup(group)
	if group == "" {
		return dispatch.BatchResult{}, ErrMissingGroup
	}
	snap, err := s.Groups.Snapshot(ctx, group)
	if err != nil {
		return dispatch.BatchResult{}, err
	}

	staleBefore := time.Now().Add(-s.StaleAfter)
	existing, err := s.Repo.GetBatchRun(ctx, s.DB, group, snap.Epoch)
	switch {
	case err == nil && reclaimable(existing, staleBefore):
		run, err := s.Repo.ReclaimBatchRun(ctx, s.DB, group, snap.Epoch, staleBefore)
		if errors.Is(err, repo.ErrDuplicate) {
			return dispatch.BatchResult{GroupKey: group, Epoch: snap.Epoch}, ErrBatchClaimed
		}
		if err != nil {
			return dispatch.BatchResult{}, fmt.Errorf("reclaim batch run: %w", err)
		}
		s.Logger.Info().
			Str("group", group).
			Int64("epoch", snap.Epoch).
			Str("previous_status", existing.Status).
			Msg("retrying batch")
		return s.run(ctx, run)
	case err == nil:
		return dispatch.BatchResult{GroupKey: group, Epoch: snap.Epoch}, ErrBatchClaimed
	case !errors.Is(err, repo.ErrNotFound):
		return dispatch.BatchResult{}, fmt.Errorf("load batch run: %w", err)
	}

	n, err := s.Repo.CountPending(ctx, s.DB, group)
	if err != nil {
		return dispatch.BatchResult{}, fmt.Errorf("count pending: %w", err)
	}
	if n == 0 {
		return dispatch.BatchResult{GroupKey: group, Epoch: snap.Epoch}, ErrNothingPending
	}
	s.Logger.Info().Str("group", group).Int64("epoch", snap.Epoch).Int64("pending", n).Msg("forced batch flush")
	return s.RunBatch(ctx, group, snap.Epoch)
}

// reclaimable reports whether Rerun may take over run.
func reclaimable(run *domain.BatchRun, staleBefore time.Time) bool {
	switch run.Status {
	case domain.BatchStatusFailed:
		return true
	case domain.BatchStatusRunning:
		return run.StartedAt.Before(staleBefore)
	}
	return false
}

// run executes a claimed batch run and records its outcome.
func (s *IntakeService) run(ctx context.Context, run *domain.BatchRun) (dispatch.BatchResult, error) {
	ctx, span := otel.Tracer("services/Intake").Start(ctx, "RunBatch",
		trace.WithAttributes(
			attribute.String("group.key", run.GroupKey),
			attribute.Int64("group.epoch", run.Epoch),
		))
	defer span.End()
	start := time.Now()
	logger := s.Logger.With().Str("group", run.GroupKey).Int64("epoch", run.Epoch).Logger()

	members, err := s.Repo.ListPending(ctx, s.DB, run.GroupKey)
	if err != nil {
		return dispatch.BatchResult{}, s.fail(ctx, span, run, fmt.Errorf("list pending: %w", err))
	}

	recipients := make([]dispatch.Recipient, 0, len(members))
	for _, m := range members {
		recipients = append(recipients, dispatch.Recipient{Email: m.Email, Name: m.Name, RequestID: m.ID})
	}
	result, err := s.Dispatcher.SendBatch(ctx, recipients, dispatch.BatchContext{
		GroupKey: run.GroupKey,
		Epoch:    run.Epoch,
		Subject:  s.Subject,
		Body:     s.Body,
	})
	run.Recipients = result.Attempted
	run.Sent = result.Sent
	run.Failed = len(result.Failed)
	run.AccuracyPct = result.AccuracyPct
	if err != nil {
		// Nobody was notified; members stay pending and the group stays
		// triggered until the run is retried.
		return result, s.fail(ctx, span, run, err)
	}

	outcomes := make([]repo.NotifyOutcome, 0, len(result.Delivered)+len(result.Failed))
	for _, r := range result.Delivered {
		outcomes = append(outcomes, repo.NotifyOutcome{ID: r.RequestID, Status: domain.NotifyStatusSent})
	}
	for _, f := range result.Failed {
		outcomes = append(outcomes, repo.NotifyOutcome{ID: f.RequestID, Status: domain.NotifyStatusFailed, Error: f.Reason})
	}
	if _, err := s.Repo.MarkScheduled(ctx, s.DB, run.Epoch, outcomes); err != nil {
		return result, s.fail(ctx, span, run, fmt.Errorf("mark scheduled: %w", err))
	}

	// Members admitted while the batch was running are still pending and
	// carry over into the next epoch.
	carry, err := s.Repo.CountPending(ctx, s.DB, run.GroupKey)
	if err != nil {
		logger.Warn().Err(err).Msg("count carry-over, resetting to zero")
		carry = 0
	}
	next, err := s.Groups.ResetWithCarry(ctx, run.GroupKey, int(carry))
	if err != nil {
		run.Error = fmt.Sprintf("reset group: %v", err)
		logger.Error().Err(err).Msg("group reset failed after batch")
	}

	run.Status = domain.BatchStatusCompleted
	if ferr := s.Repo.FinishBatchRun(context.WithoutCancel(ctx), s.DB, run); ferr != nil {
		logger.Error().Err(ferr).Msg("record batch run")
	}
	observability.BatchRuns.WithLabelValues("completed").Inc()
	logger.Info().
		Int("attempted", result.Attempted).
		Int("sent", result.Sent).
		Int("failed", len(result.Failed)).
		Int("duplicates", result.Duplicates).
		Float64("accuracy_pct", result.AccuracyPct).
		Int64("carry", carry).
		Int64("next_epoch", next).
		Dur("took", time.Since(start)).
		Msg("batch completed")
	if err != nil {
		return result, fmt.Errorf("reset group: %w", err)
	}
	return result, nil
}

// fail records run as failed and returns cause wrapped in ErrBatchFailed.
func (s *IntakeService) fail(ctx context.Context, span trace.Span, run *domain.BatchRun, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "batch failed")
	run.Status = domain.BatchStatusFailed
	run.Error = cause.Error()
	if err := s.Repo.FinishBatchRun(context.WithoutCancel(ctx), s.DB, run); err != nil {
		s.Logger.Error().Err(err).Str("group", run.GroupKey).Msg("record failed batch run")
	}
	observability.BatchRuns.WithLabelValues("failed").Inc()
	s.Logger.Error().Err(cause).
		Str("group", run.GroupKey).
		Int64("epoch", run.Epoch).
		Msg("batch failed")
	return fmt.Errorf("%w: %w", ErrBatchFailed, cause)
}
