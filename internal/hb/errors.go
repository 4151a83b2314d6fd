package hb

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized means no credential was supplied. Nothing is fetched.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means the requested hub or project is not visible to the caller.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable means a version's content could not be obtained.
	ErrUnavailable = errors.New("content unavailable")

	// ErrBadRequest is returned for requests that name a hub without a project or
	// a project without a hub.
	ErrBadRequest = errors.New("hub_id and project_id must be given together")

	// ErrSpoolFull means a version does not fit in the spool. Retrying cannot help.
	ErrSpoolFull = errors.New("spool full")
)

// DirectoryError is returned when a listing call fails. Below the root it is
// contained: the subtree is logged, recorded and skipped.
type DirectoryError struct {
	Op   string // e.g. "list projects"
	Path string // archive path of the subtree, may be empty at the root
	Err  error
}

func (e *DirectoryError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// SinkError is returned when the archive container rejects a write.
// It is always fatal for the run.
type SinkError struct {
	Path string
	Err  error
}

func (e *SinkError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("archive: %v", e.Err)
	}
	return fmt.Sprintf("archive entry %s: %v", e.Path, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// StatusError carries an unexpected HTTP status from the remote API.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s from %s", e.Code, http.StatusText(e.Code), e.URL)
}

// Temporary reports whether the request may succeed if repeated.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the retry policy gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should not be retried.
// Explicitly permanent errors and non-temporary HTTP statuses qualify.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}
