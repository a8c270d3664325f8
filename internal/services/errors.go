// Package services orchestrates the admission core for the intake surface:
// it evaluates submissions, persists admitted ones as pending group members,
// drives the group accumulator and runs the batch notification when a group
// fills up.
//
// This file centralizes the service-level error values so that handlers can
// map them to HTTP results consistently.
package services

import "errors"

// Submission errors.
var (
	// ErrMissingGroup is returned when a submission carries no group key.
	ErrMissingGroup = errors.New("group key is required")

	// ErrMissingContact is returned when a submission has no email address;
	// admitted members are notified by email.
	ErrMissingContact = errors.New("email is required")
)

// Batch errors.
var (
	// ErrBatchClaimed indicates that the batch for the requested epoch has
	// already been claimed by another run.
	ErrBatchClaimed = errors.New("batch already claimed for this epoch")

	// ErrNothingPending is returned by a forced flush of a group without
	// pending members.
	ErrNothingPending = errors.New("group has no pending members")

	// ErrBatchFailed wraps a batch run that could not complete. The run is
	// recorded as failed and may be retried by an operator.
	ErrBatchFailed = errors.New("batch run failed")
)
