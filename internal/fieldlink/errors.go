package fieldlink

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrOfflineRead is returned when a read is attempted with no connectivity.
// A deferred read is not useful, so reads are never queued.
var ErrOfflineRead = errors.New("offline: read not attempted")

// FatalError is a non-retryable request failure (bad request, unauthorized).
// It is surfaced to the caller after a single attempt.
type FatalError struct {
	Status int
	Body   string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal response %d: %s", e.Status, e.Body)
}

// TransientError is a retryable failure: timeout, connection error, or a
// server-side status. Status is 0 for transport-level failures.
type TransientError struct {
	Status int
	Label  string // "timeout" | "network" | "status"
	Cause  error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient response %d (%s)", e.Status, e.Label)
	}
	return fmt.Sprintf("transient %s: %v", e.Label, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// ExhaustedError reports that the retry budget was spent without success.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// fatalStatus marks the response classes that must never be retried or
// queued: the request itself is wrong, so resending it cannot help.
func fatalStatus(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusUnauthorized
}
