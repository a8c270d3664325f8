package admission

import (
	"context"
	"time"

	"github.com/tbourn/intake-guard/internal/domain"
	"github.com/tbourn/intake-guard/internal/identity"
)

// Store provides serialized access to one client's protective state.
//
// WithinClient must give fn exclusive access to the client's records for its
// whole duration, across processes when the backing storage is shared. If fn
// returns an error, writes made through tx must not become visible.
type Store interface {
	WithinClient(ctx context.Context, client identity.ID, fn func(tx Tx) error) error
}

// Tx is the per-client view handed to Store.WithinClient callbacks.
type Tx interface {
	// Record returns the rate-limit record for requestType, or nil.
	Record(requestType string) (*domain.RateLimitRecord, error)
	SaveRecord(rec *domain.RateLimitRecord) error

	// CountAdmissions counts admitted requests at or after since, for one
	// request type or, when requestType is "", for all types. oldest is the
	// earliest counted timestamp (zero when n is 0).
	CountAdmissions(requestType string, since time.Time) (n int, oldest time.Time, err error)
	LogAdmission(requestType string, at time.Time) error

	// Fingerprint returns the fingerprint for hash, or nil.
	Fingerprint(hash string) (*domain.DuplicateFingerprint, error)
	SaveFingerprint(fp *domain.DuplicateFingerprint) error

	AppendViolation(ev *domain.ViolationEvent) error
}

// SweepStats reports what a maintenance sweep removed.
type SweepStats struct {
	Admissions    int64
	Fingerprints  int64
	BlocksCleared int64
	// Clients counts idle clients evicted from a process-local store.
	Clients int64
}

// Sweeper is implemented by stores that support periodic cleanup. Sweeping
// is a maintenance concern only: every check already ignores stale rows.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time, p Policy) (SweepStats, error)
}
