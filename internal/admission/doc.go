// Package admission implements the gate every external submission passes
// before it is persisted.
//
// Evaluate runs, per client identity and request type, the following checks in
// order and stops at the first denial:
//
//  1. blocklist (an active block on the client and type)
//  2. hourly window
//  3. daily window, which escalates into a temporary block
//  4. duplicate payload fingerprint inside the dedup window
//  5. burst across all request types
//
// All state lives behind Store. Each evaluation runs inside
// Store.WithinClient, which serializes evaluations for one client at the
// storage layer, so concurrent submissions from the same client cannot both
// slip under a limit. Storage failures deny with INTERNAL_ERROR.
package admission
