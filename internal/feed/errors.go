package feed

import "errors"

// Transport error taxonomy. The [Streamer] classifies every fetch or push
// failure into one of these so it can apply per-class backoff and emit the
// matching synthetic status record. None of them ever reach the consumer as
// an error — only context cancellation terminates the stream.
var (
	// ErrUnauthorized covers 401 and 403 responses. Long backoff, distinct
	// user-facing status.
	ErrUnauthorized = errors.New("feed: unauthorized")

	// ErrNotFound covers 404 responses and endpoint shape mismatches.
	ErrNotFound = errors.New("feed: endpoint not found")

	// ErrTransient covers timeouts, connection resets, and 5xx responses.
	// Short backoff; one immediate retry is permitted before a status
	// record is surfaced.
	ErrTransient = errors.New("feed: transient network failure")
)
