// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import "fmt"

// UnprocessedRequest wraps an error known to have occurred before any byte
// of the request reached the peer, per spec §7's error taxonomy. Callers
// use this to decide whether a retry is safe regardless of request
// idempotency.
type UnprocessedRequest struct {
	Cause error
}

// Error implements the error interface.
func (e *UnprocessedRequest) Error() string {
	return fmt.Sprintf("request not processed: %s", e.Cause)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *UnprocessedRequest) Unwrap() error {
	return e.Cause
}
