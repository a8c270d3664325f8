// Package dispatch fans one notification out to every member of a triggered
// group.
//
// A batch is deduplicated by (normalized email, request ID), validated, and
// then sent over a single transport session that is always closed before
// SendBatch returns. Each recipient gets a bounded number of attempts; a
// failing recipient is recorded and the batch moves on. Only a transport that
// cannot be opened at all makes SendBatch return an error.
package dispatch
