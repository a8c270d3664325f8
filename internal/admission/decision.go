package admission

import (
	"fmt"
	"time"

	"github.com/tbourn/intake-guard/internal/identity"
)

// Reason is the machine-readable cause of a denial.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonClientBlocked      Reason = "CLIENT_BLOCKED"
	ReasonHourlyRateLimit    Reason = "HOURLY_RATE_LIMIT"
	ReasonDailyRateLimit     Reason = "DAILY_RATE_LIMIT"
	ReasonDuplicateRequest   Reason = "DUPLICATE_REQUEST"
	ReasonSuspiciousActivity Reason = "SUSPICIOUS_ACTIVITY"
	ReasonInternalError      Reason = "INTERNAL_ERROR"
)

// Decision is the outcome of one evaluation. A denial is a value, not an
// error: callers map Reason to their transport (429, 403, ...).
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     Reason     `json:"reason,omitempty"`
	Message    string     `json:"message,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	// ClientID is the identity the decision was computed for.
	ClientID identity.ID `json:"-"`
}

// RetryIn returns the wait until RetryAfter relative to now, or zero.
func (d Decision) RetryIn(now time.Time) time.Duration {
	if d.RetryAfter == nil {
		return 0
	}
	if w := d.RetryAfter.Sub(now); w > 0 {
		return w
	}
	return 0
}

// StorageError reports that per-client state could not be read or written.
// The gate still returns an INTERNAL_ERROR denial alongside it.
type StorageError struct {
	Op       string
	ClientID identity.ID
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("admission %s (client %s): %v", e.Op, e.ClientID.Short(), e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func allow(id identity.ID) Decision {
	return Decision{Allowed: true, ClientID: id}
}

func deny(id identity.ID, reason Reason, msg string, retry time.Time) Decision {
	d := Decision{Reason: reason, Message: msg, ClientID: id}
	if !retry.IsZero() {
		r := retry.UTC()
		d.RetryAfter = &r
	}
	return d
}

var messages = map[Reason]string{
	ReasonClientBlocked:      "client is temporarily blocked",
	ReasonHourlyRateLimit:    "too many requests in the last hour",
	ReasonDailyRateLimit:     "daily request limit reached",
	ReasonDuplicateRequest:   "this request was already submitted",
	ReasonSuspiciousActivity: "too many requests in a short period",
	ReasonInternalError:      "request could not be verified, try again later",
}
