// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them. Denied
// submissions additionally carry the admission reason (e.g.
// HOURLY_RATE_LIMIT) in the "reason" field.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "too_many_requests",
//	  "reason": "DUPLICATE_REQUEST",
//	  "message": "this request was already submitted",
//	  "retry_after": "2026-10-14T10:30:00Z"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeTooLarge         = "payload_too_large"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeSubmitFailed  = "submit_failed"
	ErrCodeBatchFailed   = "batch_failed"
	ErrCodeNothingQueued = "nothing_pending"
	ErrCodeNoBlock       = "no_active_block"
	ErrCodeStatusFailed  = "status_failed"
	ErrCodeListFailed    = "list_failed"
)
