// Package domain defines the persistence models for admission control and
// group batching. These types are mapped with GORM and shared across the
// repository, admission, accumulator and service layers.
//
// The per-client tables (rate limits, admission log, fingerprints, violations)
// are keyed by the opaque client identity from package identity; no contact
// data is stored in them.
package domain

import "time"

// Severity grades a ViolationEvent.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// ViolationKind names the policy check that produced a ViolationEvent.
type ViolationKind string

const (
	ViolationRateLimit      ViolationKind = "RATE_LIMIT"
	ViolationDailyLimit     ViolationKind = "DAILY_LIMIT"
	ViolationDuplicate      ViolationKind = "DUPLICATE"
	ViolationSuspicious     ViolationKind = "SUSPICIOUS"
	ViolationBlockedRequest ViolationKind = "BLOCKED_REQUEST"
)

// ClientActivity is the per-client serialization row. Every evaluation
// starts by writing it, which takes the storage-level lock for the client
// before any window is read.
type ClientActivity struct {
	ClientID        string    `gorm:"type:char(64);primaryKey"`
	Evaluations     int64     `gorm:"not null;default:0"`
	LastEvaluatedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for ClientActivity.
func (ClientActivity) TableName() string { return "client_activity" }

// RateLimitRecord is the per (client, request type) rate state and blocklist
// entry.
//
// Invariant: Blocked implies BlockedUntil != nil. An expired block is cleared
// lazily by the next evaluation of the same client and type.
type RateLimitRecord struct {
	ClientID     string     `json:"client_id"     gorm:"type:char(64);primaryKey"`
	RequestType  string     `json:"request_type"  gorm:"type:varchar(64);primaryKey"`
	RequestCount int64      `json:"request_count" gorm:"not null;default:0"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	Blocked      bool       `json:"blocked"       gorm:"not null;default:false;index"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// TableName returns the database table name for RateLimitRecord.
func (RateLimitRecord) TableName() string { return "rate_limit_records" }

// BlockActive reports whether the record denies requests at now.
func (r *RateLimitRecord) BlockActive(now time.Time) bool {
	return r != nil && r.Blocked && r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// AdmissionLog is one admitted request. Sliding windows (hourly, daily,
// burst) are counted over these rows.
type AdmissionLog struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	ClientID    string    `gorm:"type:char(64);not null;index:idx_admission_client_time,priority:1"`
	RequestType string    `gorm:"type:varchar(64);not null"`
	CreatedAt   time.Time `gorm:"not null;index:idx_admission_client_time,priority:2;index"`
}

// TableName returns the database table name for AdmissionLog.
func (AdmissionLog) TableName() string { return "admission_logs" }

// DuplicateFingerprint counts attempts of the same normalized payload by one
// client. The record is windowed: once LastAttempt is older than the dedup
// window the count restarts at the next attempt.
type DuplicateFingerprint struct {
	ClientID     string    `gorm:"type:char(64);primaryKey"`
	RequestHash  string    `gorm:"type:char(64);primaryKey"`
	AttemptCount int       `gorm:"not null;default:0"`
	FirstAttempt time.Time `gorm:"not null"`
	LastAttempt  time.Time `gorm:"not null;index"`
	Suspicious   bool      `gorm:"not null;default:false"`
}

// TableName returns the database table name for DuplicateFingerprint.
func (DuplicateFingerprint) TableName() string { return "duplicate_fingerprints" }

// InWindow reports whether the fingerprint still counts at now.
func (f *DuplicateFingerprint) InWindow(now time.Time, window time.Duration) bool {
	return f != nil && now.Sub(f.LastAttempt) < window
}

// ViolationEvent is an append-only audit record; it is never updated.
type ViolationEvent struct {
	ID        string        `json:"id"         gorm:"type:char(36);primaryKey"`
	ClientID  string        `json:"client_id"  gorm:"type:char(64);not null;index:idx_violation_client_time,priority:1"`
	Kind      ViolationKind `json:"kind"       gorm:"type:varchar(32);not null"`
	Severity  Severity      `json:"severity"   gorm:"type:varchar(16);not null"`
	Detail    string        `json:"detail"     gorm:"type:text"`
	CreatedAt time.Time     `json:"created_at" gorm:"not null;index:idx_violation_client_time,priority:2"`
}

// TableName returns the database table name for ViolationEvent.
func (ViolationEvent) TableName() string { return "violation_events" }

// GroupCounter is the pending accumulator for one group key.
//
// Version is bumped by every write and guards the compare-and-swap update;
// Epoch is bumped only by a reset.
type GroupCounter struct {
	GroupKey  string    `json:"group_key" gorm:"type:varchar(128);primaryKey"`
	Count     int       `json:"count"     gorm:"not null;default:0"`
	Triggered bool      `json:"triggered" gorm:"not null;default:false"`
	Epoch     int64     `json:"epoch"     gorm:"not null;default:0"`
	Version   int64     `json:"-"         gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for GroupCounter.
func (GroupCounter) TableName() string { return "group_counters" }

// Pending request lifecycle.
const (
	PendingStatusPending   = "pending"
	PendingStatusScheduled = "scheduled"
)

// Per-member notification outcome, filled in when a batch completes.
const (
	NotifyStatusSent   = "sent"
	NotifyStatusFailed = "failed"
)

// PendingRequest is an admitted submission waiting for its group batch.
// It is the orchestrator's business record; the admission core never reads it.
type PendingRequest struct {
	ID           string     `json:"id"            gorm:"type:char(36);primaryKey"`
	ClientID     string     `json:"client_id"     gorm:"type:char(64);not null;index"`
	RequestType  string     `json:"request_type"  gorm:"type:varchar(64);not null"`
	GroupKey     string     `json:"group_key"     gorm:"type:varchar(128);not null;index:idx_pending_group_status,priority:1"`
	Status       string     `json:"status"        gorm:"type:varchar(16);not null;default:'pending';index:idx_pending_group_status,priority:2"`
	Category     string     `json:"category"      gorm:"type:varchar(128)"`
	Address      string     `json:"address"       gorm:"type:text"`
	Email        string     `json:"email"         gorm:"type:varchar(320);not null"`
	Name         string     `json:"name"          gorm:"type:varchar(255)"`
	Epoch        *int64     `json:"epoch,omitempty"`
	NotifyStatus string     `json:"notify_status,omitempty" gorm:"type:varchar(16)"`
	NotifyError  string     `json:"notify_error,omitempty"  gorm:"type:text"`
	CreatedAt    time.Time  `json:"created_at"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
}

// TableName returns the database table name for PendingRequest.
func (PendingRequest) TableName() string { return "pending_requests" }

// Batch run lifecycle.
const (
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
)

// BatchRun records that the batch for (GroupKey, Epoch) has been claimed.
// The unique index makes scheduling idempotent: a second claim for the same
// epoch fails and the caller skips notification.
type BatchRun struct {
	ID          string     `json:"id"           gorm:"type:char(36);primaryKey"`
	GroupKey    string     `json:"group_key"    gorm:"type:varchar(128);not null;uniqueIndex:ux_batch_group_epoch,priority:1"`
	Epoch       int64      `json:"epoch"        gorm:"not null;uniqueIndex:ux_batch_group_epoch,priority:2"`
	Status      string     `json:"status"       gorm:"type:varchar(16);not null"`
	Recipients  int        `json:"recipients"`
	Sent        int        `json:"sent"`
	Failed      int        `json:"failed"`
	AccuracyPct float64    `json:"accuracy_pct"`
	Error       string     `json:"error,omitempty" gorm:"type:text"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TableName returns the database table name for BatchRun.
func (BatchRun) TableName() string { return "batch_runs" }
