// Package middleware contains the Gin middleware of the intake API.
//
// This file implements AccessLog, the structured access logger. Submissions
// carry contact data, so the logger never reads bodies and scrubs the query
// string, the unmatched path and the selected headers before writing:
//
//   - email addresses, phone numbers and UUIDs are replaced by markers
//   - 64-hex client identities are shortened to their log prefix
//   - Authorization, Cookie, Set-Cookie and configured headers are masked
//
// The request-scoped logger it attaches (LoggerFrom) carries only the
// request ID, method and route.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures AccessLog.
type RedactOptions struct {
	// MaskHeaders are extra header names whose values are fully masked.
	MaskHeaders []string
	// LogHeaders are the headers included in the access log. Defaults to
	// User-Agent, Content-Type and X-Forwarded-For.
	LogHeaders []string
	// Logger is the base logger; defaults to the global logger.
	Logger *zerolog.Logger
}

var (
	uuidRE     = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	clientIDRE = regexp.MustCompile(`(?i)\b([0-9a-f]{12})[0-9a-f]{52}\b`)
	emailRE    = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+(@|%40)[a-z0-9.\-]+\.[a-z]{2,}`)
	// digits only, after UUIDs and client IDs are gone
	phoneRE = regexp.MustCompile(`(?:\+|%2B)?\d[\d .()\-]{7,}\d`)
)

// Redact scrubs contact data and identifiers from s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = clientIDRE.ReplaceAllString(s, "${1}…")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// AccessLog returns a Gin middleware that writes one structured line per
// request at info, warn (4xx) or error (5xx or gin errors) level.
func AccessLog(opts RedactOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}
	logged := opts.LogHeaders
	if len(logged) == 0 {
		logged = []string{"User-Agent", "Content-Type", "X-Forwarded-For"}
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = Redact(c.Request.URL.Path)
		}

		l := base.With().
			Str("request_id", RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("route", route).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		headers := make(map[string]string, len(logged))
		for _, k := range logged {
			v := c.Request.Header.Get(k)
			if v == "" {
				continue
			}
			if _, ok := masked[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = Redact(v)
		}

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0 || status >= 500:
			ev = l.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", Redact(c.Errors.String()))
			}
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.
			Str("query", truncate(Redact(c.Request.URL.RawQuery), maxQueryLogLength)).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int64("bytes_in", c.Request.ContentLength).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

// maxQueryLogLength caps the number of bytes of the raw query string logged.
const maxQueryLogLength = 2048

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
