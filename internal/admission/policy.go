package admission

import (
	"errors"
	"strings"
	"time"
)

// Fingerprint field names resolved from RequestPayload's typed fields. Any
// other name is looked up in RequestPayload.Fields.
const (
	FieldGroupKey = "group_key"
	FieldCategory = "category"
	FieldAddress  = "address"
)

// Policy holds every limit and window the gate enforces.
type Policy struct {
	HourlyLimit  int
	HourlyWindow time.Duration

	DailyLimit  int
	DailyWindow time.Duration
	// DailyBlock is how long a client stays blocked after hitting the daily
	// limit. While the daily window is still full, every new attempt re-arms
	// the block, so the effective block lasts until the window clears.
	DailyBlock time.Duration

	DuplicateLimit  int
	DuplicateWindow time.Duration

	BurstLimit  int
	BurstWindow time.Duration

	// FingerprintFields selects, per request type, which payload fields define
	// "the same request". Types without an entry use DefaultFingerprint.
	FingerprintFields  map[string][]string
	DefaultFingerprint []string
}

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		HourlyLimit:        3,
		HourlyWindow:       time.Hour,
		DailyLimit:         15,
		DailyWindow:        24 * time.Hour,
		DailyBlock:         time.Hour,
		DuplicateLimit:     3,
		DuplicateWindow:    30 * time.Minute,
		BurstLimit:         3,
		BurstWindow:        5 * time.Minute,
		DefaultFingerprint: []string{FieldGroupKey, FieldCategory, FieldAddress},
	}
}

// Validate rejects policies that would make a check meaningless.
func (p Policy) Validate() error {
	switch {
	case p.HourlyLimit < 1 || p.DailyLimit < 1 || p.DuplicateLimit < 1 || p.BurstLimit < 1:
		return errors.New("admission: limits must be >= 1")
	case p.HourlyWindow <= 0 || p.DailyWindow <= 0 || p.DuplicateWindow <= 0 || p.BurstWindow <= 0:
		return errors.New("admission: windows must be positive")
	case p.DailyBlock <= 0:
		return errors.New("admission: daily block must be positive")
	}
	return nil
}

// fieldsFor returns the fingerprint field list for a request type.
func (p Policy) fieldsFor(requestType string) []string {
	if f, ok := p.FingerprintFields[requestType]; ok {
		return f
	}
	return p.DefaultFingerprint
}

// Retention bounds how far back any check reads admission logs.
func (p Policy) Retention() time.Duration {
	w := p.HourlyWindow
	for _, d := range []time.Duration{p.DailyWindow, p.BurstWindow} {
		if d > w {
			w = d
		}
	}
	return w
}

// NormalizeType canonicalizes a request type; empty maps to "default".
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "default"
	}
	return t
}
