package invoice

import (
	"errors"
	"fmt"
)

// Sentinel errors. Lower layers wrap them (or return the typed errors below)
// so callers can branch with errors.Is.
var (
	ErrNotInitialized    = errors.New("dataset not initialized")
	ErrFetch             = errors.New("fetch failed")
	ErrMalformedData     = errors.New("malformed data")
	ErrStaleMetadata     = errors.New("diff retention window exceeded")
	ErrInvalidIdentifier = errors.New("invalid registration number")
	ErrNotFound          = errors.New("not found")
	ErrInvalidQuery      = errors.New("invalid query")
	ErrSyncInProgress    = errors.New("another sync is in progress")
)

// FetchError describes a failed download of an upstream file.
type FetchError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error        { return e.Err }
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// MalformedDataError rejects a whole upstream file.
type MalformedDataError struct {
	Source string
	Line   int // 1-based CSV record number, 0 when not row specific
	Reason string
}

func (e *MalformedDataError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s line %d: %s", e.Source, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Reason)
}

func (e *MalformedDataError) Is(target error) bool { return target == ErrMalformedData }

// QueryError carries the reason a search or lookup request was rejected.
type QueryError struct {
	Field  string
	Reason string
	kind   error
}

// NewQueryError returns a validation error that matches ErrInvalidQuery.
func NewQueryError(field, reason string) *QueryError {
	return &QueryError{Field: field, Reason: reason, kind: ErrInvalidQuery}
}

// NewIdentifierError returns a validation error that matches
// ErrInvalidIdentifier.
func NewIdentifierError(id string) *QueryError {
	return &QueryError{Field: "registration number", Reason: fmt.Sprintf("%q is not T followed by 13 digits", id), kind: ErrInvalidIdentifier}
}

func (e *QueryError) Error() string        { return e.Field + ": " + e.Reason }
func (e *QueryError) Is(target error) bool { return target == e.kind }
