// Package accumulator counts pending requests per group key and signals,
// exactly once per epoch, the increment that reaches the batch threshold.
//
// The increment and the threshold comparison are a single atomic step inside
// the Store, so concurrent callers that both observe count = threshold-1
// cannot both be told they triggered. A Reset opens a new epoch: the count
// restarts and the group can trigger again. Without a Reset the group stays
// "already triggered" and further increments only grow the count.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/intake-guard/internal/observability"
)

// DefaultThreshold is the group size that triggers a batch.
const DefaultThreshold = 10

// ErrEmptyGroup is returned for blank group keys.
var ErrEmptyGroup = errors.New("accumulator: empty group key")

// Result is the outcome of one Increment.
type Result struct {
	Group string `json:"group_key"`
	// Count is the pending count after this increment.
	Count int `json:"count"`
	// Triggered is true only on the call that first reached the threshold
	// in this epoch.
	Triggered bool  `json:"triggered"`
	Epoch     int64 `json:"epoch"`
}

// Snapshot is a point-in-time view of one group.
type Snapshot struct {
	Group     string `json:"group_key"`
	Count     int    `json:"pending"`
	Triggered bool   `json:"triggered"`
	Epoch     int64  `json:"epoch"`
}

// Store performs the atomic counter operations.
type Store interface {
	// Increment adds one to group and reports whether this call crossed
	// threshold for the first time in the current epoch.
	Increment(ctx context.Context, group string, threshold int) (Result, error)
	// Reset starts a new epoch with count = carry and returns the new epoch.
	Reset(ctx context.Context, group string, carry int) (int64, error)
	// Snapshot reads the current state; unknown groups read as zero.
	Snapshot(ctx context.Context, group string) (Snapshot, error)
}

// StorageError wraps a Store failure. The caller must not treat the request
// as counted.
type StorageError struct {
	Op    string
	Group string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("accumulator %s %q: %v", e.Op, e.Group, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Accumulator is the group counter facade used by the orchestrator.
type Accumulator struct {
	store     Store
	threshold int
	logger    zerolog.Logger
}

// Option customizes an Accumulator.
type Option func(*Accumulator)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(n int) Option {
	return func(a *Accumulator) { a.threshold = n }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Accumulator) { a.logger = l }
}

// New constructs an Accumulator over store.
func New(store Store, opts ...Option) (*Accumulator, error) {
	if store == nil {
		return nil, errors.New("accumulator: nil store")
	}
	a := &Accumulator{store: store, threshold: DefaultThreshold, logger: log.Logger}
	for _, opt := range opts {
		opt(a)
	}
	if a.threshold < 1 {
		return nil, fmt.Errorf("accumulator: threshold must be >= 1, got %d", a.threshold)
	}
	a.logger = a.logger.With().Str("component", "accumulator").Logger()
	return a, nil
}

// Threshold returns the trigger size.
func (a *Accumulator) Threshold() int { return a.threshold }

// NormalizeGroup canonicalizes a group key.
func NormalizeGroup(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}

// Increment counts one more pending request for group.
func (a *Accumulator) Increment(ctx context.Context, group string) (Result, error) {
	group = NormalizeGroup(group)
	if group == "" {
		return Result{}, ErrEmptyGroup
	}
	ctx, span := otel.Tracer("accumulator").Start(ctx, "Increment",
		trace.WithAttributes(attribute.String("group.key", group)))
	defer span.End()

	res, err := a.store.Increment(ctx, group, a.threshold)
	if err != nil {
		span.RecordError(err)
		observability.GroupIncrements.WithLabelValues("error").Inc()
		a.logger.Error().Err(err).Str("group", group).Msg("increment failed")
		return Result{}, &StorageError{Op: "increment", Group: group, Err: err}
	}
	span.SetAttributes(attribute.Int("group.count", res.Count), attribute.Bool("group.triggered", res.Triggered))
	if res.Triggered {
		observability.GroupIncrements.WithLabelValues("triggered").Inc()
		a.logger.Info().Str("group", group).Int("count", res.Count).Int64("epoch", res.Epoch).Msg("threshold reached")
	} else {
		observability.GroupIncrements.WithLabelValues("counted").Inc()
	}
	return res, nil
}

// Reset opens a new epoch for group with a zero count.
func (a *Accumulator) Reset(ctx context.Context, group string) error {
	_, err := a.ResetWithCarry(ctx, group, 0)
	return err
}

// ResetWithCarry opens a new epoch whose count starts at carry. It is used
// when requests arrived after the batch snapshot was taken and are still
// pending. The new epoch number is returned.
func (a *Accumulator) ResetWithCarry(ctx context.Context, group string, carry int) (int64, error) {
	group = NormalizeGroup(group)
	if group == "" {
		return 0, ErrEmptyGroup
	}
	if carry < 0 {
		carry = 0
	}
	epoch, err := a.store.Reset(ctx, group, carry)
	if err != nil {
		a.logger.Error().Err(err).Str("group", group).Msg("reset failed")
		return 0, &StorageError{Op: "reset", Group: group, Err: err}
	}
	a.logger.Info().Str("group", group).Int64("epoch", epoch).Int("carry", carry).Msg("epoch opened")
	return epoch, nil
}

// Pending returns the current count for group.
func (a *Accumulator) Pending(ctx context.Context, group string) (int, error) {
	s, err := a.Snapshot(ctx, group)
	return s.Count, err
}

// Snapshot returns the current state of group.
func (a *Accumulator) Snapshot(ctx context.Context, group string) (Snapshot, error) {
	group = NormalizeGroup(group)
	if group == "" {
		return Snapshot{}, ErrEmptyGroup
	}
	s, err := a.store.Snapshot(ctx, group)
	if err != nil {
		return Snapshot{Group: group}, &StorageError{Op: "snapshot", Group: group, Err: err}
	}
	return s, nil
}
