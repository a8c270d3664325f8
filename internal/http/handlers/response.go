// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response envelopes and helpers shared by every
// endpoint: the error envelope, the denial envelope of the submission
// endpoint and the mapping from admission reasons to HTTP statuses.
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/tbourn/intake-guard/internal/admission"
	"github.com/tbourn/intake-guard/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
}

// DenialResponse is returned when the admission gate refuses a submission.
type DenialResponse struct {
	RequestID  string     `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code       string     `json:"code" example:"too_many_requests"`
	Reason     string     `json:"reason" example:"HOURLY_RATE_LIMIT"`
	Message    string     `json:"message" example:"too many requests in the last hour"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// fail aborts the request with a structured error. Server errors are logged
// with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get(middleware.HeaderRequestID),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail() for router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// badBody answers a body that could not be bound: 413 past the body limit,
// 400 otherwise.
func badBody(c *gin.Context, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
		return
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, validationMessage(ve))
		return
	}
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
}

// denialStatus maps an admission reason to its HTTP status and error code.
func denialStatus(r admission.Reason) (int, string) {
	switch r {
	case admission.ReasonClientBlocked:
		return http.StatusForbidden, ErrCodeForbidden
	case admission.ReasonHourlyRateLimit, admission.ReasonDailyRateLimit,
		admission.ReasonDuplicateRequest, admission.ReasonSuspiciousActivity:
		return http.StatusTooManyRequests, ErrCodeRateLimited
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// deny writes a DenialResponse for d and, when the decision carries a
// retry time, a Retry-After header in whole seconds (at least 1).
func deny(c *gin.Context, d admission.Decision, now time.Time) {
	status, code := denialStatus(d.Reason)
	if d.RetryAfter != nil {
		secs := int64(math.Ceil(d.RetryIn(now).Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}
	c.AbortWithStatusJSON(status, DenialResponse{
		RequestID:  c.Writer.Header().Get(middleware.HeaderRequestID),
		Code:       code,
		Reason:     string(d.Reason),
		Message:    d.Message,
		RetryAfter: d.RetryAfter,
	})
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes an HTTP 204 No Content response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
