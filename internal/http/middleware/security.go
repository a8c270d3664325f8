// Package middleware contains the Gin middleware of the intake API.
//
// This file provides SecurityHeaders and BodyLimit. Responses of this API
// can name client identities and violation details, so caching is disabled
// unless a handler sets its own Cache-Control.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests only.
	EnableHSTS bool
	// HSTSMaxAge defaults to 180 days.
	HSTSMaxAge time.Duration
	// NoStore sets Cache-Control: no-store.
	NoStore bool
}

// SecurityHeaders sets conservative headers for a JSON API.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int64(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int64((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.FormatInt(maxAge, 10) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}

// isHTTPS reports whether the request used TLS directly or behind a proxy
// that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// BodyLimit caps request bodies at maxBytes. Reads past the cap fail with
// *http.MaxBytesError, which handlers map to 413.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
