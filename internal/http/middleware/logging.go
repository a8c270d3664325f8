// Package middleware contains the Gin middleware of the intake API.
//
// This file provides request correlation and panic recovery:
//
//   - RequestID() reuses an inbound X-Request-ID (or X-Correlation-ID) when it
//     is sane, otherwise generates a UUIDv4, and echoes it on the response.
//   - Recovery() turns panics into the standard JSON 500 envelope.
//   - LoggerFrom() returns the request-scoped logger attached by AccessLog().
//
// Order: RequestID, AccessLog, Recovery, so panics are logged with the
// correlation ID.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/intake-guard/internal/sysutil"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"

	// loggerKey is the Gin context key of the request-scoped logger.
	loggerKey = "logger"

	// HeaderRequestID carries the correlation ID on requests and responses.
	HeaderRequestID = "X-Request-ID"

	headerCorrelation = "X-Correlation-ID"
	maxRequestIDLen   = 128
)

// RequestID attaches (or propagates) a correlation identifier per request.
// Inbound IDs longer than 128 bytes or containing control characters are
// replaced by a fresh UUID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := strings.TrimSpace(sysutil.FirstNonEmpty(c.GetHeader(HeaderRequestID), c.GetHeader(headerCorrelation)))
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(HeaderRequestID, rid)
		c.Next()
	}
}

func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDFrom returns the correlation ID of the request, or "".
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	s, _ := v.(string)
	return s
}

// Recovery intercepts panics, logs the stack and returns a JSON 500 error
// when nothing has been written yet.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid := RequestIDFrom(c)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header(HeaderRequestID, rid)
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": rid,
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger, or the global logger
// tagged with the request ID when AccessLog() did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Str("request_id", RequestIDFrom(c)).Logger()
	return &l
}
