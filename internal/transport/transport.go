// Package transport implements the client side of the push/pull sync
// protocol with automatic retry and error classification. Two backends
// satisfy the same contract: an HTTP relay server and a spreadsheet
// grid treated as an append-only log.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/slothvips/padsync/internal/oplog"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, transport.ErrThrottled) to check.
var (
	ErrBadRequest   = errors.New("transport: bad request")
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrNotFound     = errors.New("transport: not found")
	ErrThrottled    = errors.New("transport: throttled")
	ErrServerError  = errors.New("transport: server error")
	ErrBadResponse  = errors.New("transport: malformed server response")
)

// PushResult reports the outcome of a batch push.
type PushResult struct {
	Cursor  int64 // highest server sequence after the push, 0 if not reported
	Count   int   // operations the server acknowledged
	Success bool
}

// PullResult holds a pull batch in ascending sequence order.
// NextCursor equals the input cursor when the batch is empty, so
// repeated empty polls never regress.
type PullResult struct {
	Ops        []oplog.Operation
	NextCursor int64
}

// Transport exchanges operation batches with a sync backend.
type Transport interface {
	Push(ctx context.Context, ops []oplog.Operation, clientID string) (PushResult, error)
	Pull(ctx context.Context, cursor int64, clientID string) (PullResult, error)
	PendingCount(ctx context.Context, cursor int64, clientID string) (int, error)
}

// RelayError wraps a sentinel error with the HTTP status code and the
// response body for debugging.
type RelayError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isTransient reports whether an error is worth retrying: throttling,
// server-side failures, and anything that is not a classified HTTP
// error (network failures, timeouts).
func isTransient(err error) bool {
	if errors.Is(err, ErrThrottled) || errors.Is(err, ErrServerError) {
		return true
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		// Classified 4xx other than 429: the request itself is wrong.
		return false
	}

	if errors.Is(err, ErrBadResponse) {
		return false
	}

	return true
}
