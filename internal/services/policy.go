package services

import (
	"github.com/tbourn/intake-guard/internal/admission"
	"github.com/tbourn/intake-guard/internal/config"
	"github.com/tbourn/intake-guard/internal/dispatch"
)

// PolicyFromConfig builds the admission policy from the environment
// configuration. Fingerprint fields fall back to the default set for types
// without an entry.
func PolicyFromConfig(c config.AdmissionConfig) admission.Policy {
	p := admission.DefaultPolicy()
	p.HourlyLimit, p.HourlyWindow = c.HourlyLimit, c.HourlyWindow
	p.DailyLimit, p.DailyWindow, p.DailyBlock = c.DailyLimit, c.DailyWindow, c.DailyBlock
	p.DuplicateLimit, p.DuplicateWindow = c.DuplicateLimit, c.DuplicateWindow
	p.BurstLimit, p.BurstWindow = c.BurstLimit, c.BurstWindow
	if len(c.FingerprintFields) > 0 {
		p.FingerprintFields = make(map[string][]string, len(c.FingerprintFields))
		for t, fields := range c.FingerprintFields {
			p.FingerprintFields[admission.NormalizeType(t)] = fields
		}
	}
	return p
}

// DispatchConfigFrom maps the notification settings onto dispatch.Config.
func DispatchConfigFrom(c config.DispatchConfig) dispatch.Config {
	return dispatch.Config{
		MaxAttempts:    c.MaxAttempts,
		RetryDelay:     c.RetryDelay,
		AttemptTimeout: c.AttemptTimeout,
		BatchTimeout:   c.BatchTimeout,
		SendInterval:   c.SendInterval,
	}
}
