package client

import (
	"errors"
	"fmt"
)

var (
	// ErrRowNotFound indicates that the local store holds no row for the id.
	ErrRowNotFound = errors.New("client: row not found")
	// ErrStoreClosed indicates use of a closed local store.
	ErrStoreClosed = errors.New("client: store is closed")
	// ErrTransport marks failures to reach the server or read its answer. Cycles failing with it are
	// retried by the scheduler's backoff.
	ErrTransport = errors.New("client: transport failure")
	// ErrRateLimited indicates the server refused a diagnostics report sent too early.
	ErrRateLimited = errors.New("client: diagnostics report rate limited")

	errMissingStore     = errors.New("client: store dependency required")
	errMissingAPI       = errors.New("client: api dependency required")
	errMissingEndpoints = errors.New("client: endpoint source required")
	errMissingClientID  = errors.New("client: client id required")
	errMissingServerURL = errors.New("client: server url required")
)

// StatusError is a non-2xx response from the sync server.
type StatusError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server responded %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request later may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}
