package fetch

import (
	"errors"
	"fmt"
)

// NetworkError covers timeouts, non-success statuses and exhausted per-call
// retries. Recovered upstream by the sync-cycle retry, then by serving cache.
type NetworkError struct {
	URL    string
	Status int // zero when the call never completed
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("network error fetching %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError covers malformed payloads. Treated as a fetch failure: same
// recovery path as NetworkError.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error for %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
