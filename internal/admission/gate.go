package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
	"github.com/tbourn/intake-guard/internal/observability"
)

// ErrNoSweeper is returned by Gate.Sweep when the store cannot sweep.
var ErrNoSweeper = errors.New("admission: store does not support sweeping")

// Gate evaluates submissions against a Policy. It is safe for concurrent use;
// all shared state is in the Store.
type Gate struct {
	store  Store
	policy Policy
	now    func() time.Time
	logger zerolog.Logger
}

// Option customizes a Gate.
type Option func(*Gate)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(g *Gate) { g.policy = p }
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger used for denials and storage failures.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// NewGate constructs a Gate over store and validates the resulting policy.
func NewGate(store Store, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("admission: nil store")
	}
	g := &Gate{
		store:  store,
		policy: DefaultPolicy(),
		now:    time.Now,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.policy.Validate(); err != nil {
		return nil, err
	}
	g.logger = g.logger.With().Str("component", "admission").Logger()
	return g, nil
}

// Policy returns the active policy.
func (g *Gate) Policy() Policy { return g.policy }

// Evaluate decides whether a submission from client may proceed.
//
// The returned Decision is always usable. When per-client state could not be
// read or written, the Decision is an INTERNAL_ERROR denial and the error is a
// *StorageError; the request must not be let through.
func (g *Gate) Evaluate(ctx context.Context, client identity.ClientData, payload RequestPayload, requestType string) (Decision, error) {
	start := time.Now()
	id := identity.Derive(client)
	requestType = NormalizeType(requestType)
	now := g.now().UTC()

	ctx, span := otel.Tracer("admission/Gate").Start(ctx, "Evaluate",
		trace.WithAttributes(
			attribute.String("client.id", id.Short()),
			attribute.String("request.type", requestType),
		),
	)
	defer span.End()
	defer func() { observability.AdmissionLatency.Observe(time.Since(start).Seconds()) }()

	var dec Decision
	err := g.store.WithinClient(ctx, id, func(tx Tx) error {
		var err error
		dec, err = g.evaluate(tx, id, payload, requestType, now)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failure")
		g.logger.Error().Err(err).
			Str("client_id", id.Short()).
			Str("request_type", requestType).
			Msg("admission state unavailable, denying")
		observability.AdmissionDecisions.WithLabelValues(requestType, string(ReasonInternalError)).Inc()
		return deny(id, ReasonInternalError, messages[ReasonInternalError], time.Time{}),
			&StorageError{Op: "evaluate", ClientID: id, Err: err}
	}

	if dec.Allowed {
		observability.AdmissionDecisions.WithLabelValues(requestType, "ALLOWED").Inc()
		return dec, nil
	}
	span.SetAttributes(attribute.String("admission.reason", string(dec.Reason)))
	observability.AdmissionDecisions.WithLabelValues(requestType, string(dec.Reason)).Inc()
	ev := g.logger.Info().
		Str("client_id", id.Short()).
		Str("request_type", requestType).
		Str("reason", string(dec.Reason))
	if dec.RetryAfter != nil {
		ev = ev.Time("retry_after", *dec.RetryAfter)
	}
	ev.Msg("submission denied")
	return dec, nil
}

// evaluate runs the ordered checks inside the client's serialized scope.
func (g *Gate) evaluate(tx Tx, id identity.ID, payload RequestPayload, requestType string, now time.Time) (Decision, error) {
	p := g.policy

	// 1) Blocklist, with lazy expiry.
	rec, err := tx.Record(requestType)
	if err != nil {
		return Decision{}, fmt.Errorf("load rate record: %w", err)
	}
	if rec.BlockActive(now) {
		until := *rec.BlockedUntil
		err := g.violate(tx, id, domain.ViolationBlockedRequest, domain.SeverityHigh, now,
			fmt.Sprintf("request while blocked until %s", until.Format(time.RFC3339)))
		return deny(id, ReasonClientBlocked, messages[ReasonClientBlocked], until), err
	}
	if rec != nil && rec.Blocked {
		rec.Blocked = false
		rec.BlockedUntil = nil
		if err := tx.SaveRecord(rec); err != nil {
			return Decision{}, fmt.Errorf("clear expired block: %w", err)
		}
	}

	// 2) Hourly window for this type.
	n, oldest, err := tx.CountAdmissions(requestType, now.Add(-p.HourlyWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("count hourly: %w", err)
	}
	if n >= p.HourlyLimit {
		err := g.violate(tx, id, domain.ViolationRateLimit, domain.SeverityMedium, now,
			fmt.Sprintf("%d %s requests in %s", n, requestType, p.HourlyWindow))
		return deny(id, ReasonHourlyRateLimit, messages[ReasonHourlyRateLimit], oldest.Add(p.HourlyWindow)), err
	}

	// 3) Daily window; escalates into a block.
	n, oldest, err = tx.CountAdmissions(requestType, now.Add(-p.DailyWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("count daily: %w", err)
	}
	if n >= p.DailyLimit {
		until := now.Add(p.DailyBlock)
		if rec == nil {
			rec = &domain.RateLimitRecord{ClientID: string(id), RequestType: requestType, FirstSeen: now, LastSeen: now}
		}
		rec.Blocked = true
		rec.BlockedUntil = &until
		if err := tx.SaveRecord(rec); err != nil {
			return Decision{}, fmt.Errorf("escalate block: %w", err)
		}
		err := g.violate(tx, id, domain.ViolationDailyLimit, domain.SeverityHigh, now,
			fmt.Sprintf("%d %s requests in %s, blocked until %s", n, requestType, p.DailyWindow, until.Format(time.RFC3339)))
		retry := oldest.Add(p.DailyWindow)
		if retry.Before(until) {
			retry = until
		}
		return deny(id, ReasonDailyRateLimit, messages[ReasonDailyRateLimit], retry), err
	}

	// 4) Duplicate payload.
	if hash := Fingerprint(requestType, payload, p.fieldsFor(requestType)); hash != "" {
		fp, err := tx.Fingerprint(hash)
		if err != nil {
			return Decision{}, fmt.Errorf("load fingerprint: %w", err)
		}
		switch {
		case fp.InWindow(now, p.DuplicateWindow) && fp.AttemptCount >= p.DuplicateLimit:
			fp.Suspicious = true
			if err := tx.SaveFingerprint(fp); err != nil {
				return Decision{}, fmt.Errorf("flag fingerprint: %w", err)
			}
			err := g.violate(tx, id, domain.ViolationDuplicate, domain.SeverityHigh, now,
				fmt.Sprintf("%d attempts of the same %s payload since %s", fp.AttemptCount, requestType, fp.FirstAttempt.Format(time.RFC3339)))
			return deny(id, ReasonDuplicateRequest, messages[ReasonDuplicateRequest], now.Add(p.DuplicateWindow)), err
		case fp.InWindow(now, p.DuplicateWindow):
			fp.AttemptCount++
			fp.LastAttempt = now
		default:
			fp = &domain.DuplicateFingerprint{
				ClientID:     string(id),
				RequestHash:  hash,
				AttemptCount: 1,
				FirstAttempt: now,
				LastAttempt:  now,
			}
		}
		if err := tx.SaveFingerprint(fp); err != nil {
			return Decision{}, fmt.Errorf("save fingerprint: %w", err)
		}
	}

	// 5) Burst across all request types.
	n, _, err = tx.CountAdmissions("", now.Add(-p.BurstWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("count burst: %w", err)
	}
	if n >= p.BurstLimit {
		err := g.violate(tx, id, domain.ViolationSuspicious, domain.SeverityMedium, now,
			fmt.Sprintf("%d requests of any type in %s", n, p.BurstWindow))
		return deny(id, ReasonSuspiciousActivity, messages[ReasonSuspiciousActivity], now.Add(p.BurstWindow)), err
	}

	// 6) Admit and record.
	if err := tx.LogAdmission(requestType, now); err != nil {
		return Decision{}, fmt.Errorf("log admission: %w", err)
	}
	if rec == nil {
		rec = &domain.RateLimitRecord{ClientID: string(id), RequestType: requestType, FirstSeen: now}
	}
	rec.RequestCount++
	rec.LastSeen = now
	if err := tx.SaveRecord(rec); err != nil {
		return Decision{}, fmt.Errorf("save rate record: %w", err)
	}
	return allow(id), nil
}

func (g *Gate) violate(tx Tx, id identity.ID, kind domain.ViolationKind, sev domain.Severity, now time.Time, detail string) error {
	err := tx.AppendViolation(&domain.ViolationEvent{
		ID:        uuid.NewString(),
		ClientID:  string(id),
		Kind:      kind,
		Severity:  sev,
		Detail:    detail,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("append violation: %w", err)
	}
	return nil
}

// Unblock lifts an active block for (client, requestType). It reports whether
// a block was actually cleared.
func (g *Gate) Unblock(ctx context.Context, client identity.ID, requestType string) (bool, error) {
	requestType = NormalizeType(requestType)
	var cleared bool
	err := g.store.WithinClient(ctx, client, func(tx Tx) error {
		rec, err := tx.Record(requestType)
		if err != nil || rec == nil || !rec.Blocked {
			return err
		}
		rec.Blocked = false
		rec.BlockedUntil = nil
		cleared = true
		return tx.SaveRecord(rec)
	})
	if err != nil {
		return false, &StorageError{Op: "unblock", ClientID: client, Err: err}
	}
	if cleared {
		g.logger.Info().Str("client_id", client.Short()).Str("request_type", requestType).Msg("block lifted")
	}
	return cleared, nil
}

// Sweep removes state no check can read anymore.
func (g *Gate) Sweep(ctx context.Context) (SweepStats, error) {
	sw, ok := g.store.(Sweeper)
	if !ok {
		return SweepStats{}, ErrNoSweeper
	}
	return sw.Sweep(ctx, g.now().UTC(), g.policy)
}
