// Package errs defines the failure taxonomy shared by the store backends,
// the renderer, the scan pipeline and the retrieval stage.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Wrap them (directly or through *Error) and test with
// errors.Is.
var (
	// ErrAuth means the access handle is missing or was rejected. Never retried.
	ErrAuth = errors.New("not authorized")

	// ErrTransient is a failed call that may succeed when repeated.
	ErrTransient = errors.New("transient store failure")

	// ErrNotFound means the document id no longer resolves.
	ErrNotFound = errors.New("document not found")

	// ErrRender means the content could not be parsed or rasterised.
	ErrRender = errors.New("cannot render document")

	// ErrFilesystem is a local write/read failure (preview or download).
	ErrFilesystem = errors.New("filesystem error")
)

// Kind classifies an error for reporting.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindTransient  Kind = "transient"
	KindNotFound   Kind = "not_found"
	KindRender     Kind = "render"
	KindFilesystem Kind = "filesystem"
	KindCancelled  Kind = "cancelled"
	KindUnknown    Kind = "unknown"
)

// KindOf maps err onto the taxonomy. A nil error yields "".
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrRender):
		return KindRender
	case errors.Is(err, ErrFilesystem):
		return KindFilesystem
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindUnknown
	}
}

// Error records the operation and document that failed.
type Error struct {
	// Op is the failing operation, e.g. "list", "fetch", "render", "write".
	Op string

	// ID is the remote document id, when one applies.
	ID string

	Err error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with op and id.
func New(op, id string, err error) *Error {
	return &Error{Op: op, ID: id, Err: err}
}

// Wrap tags cause with the given sentinel so both stay visible to errors.Is.
func Wrap(op, id string, sentinel, cause error) *Error {
	if cause == nil {
		return New(op, id, sentinel)
	}
	return New(op, id, fmt.Errorf("%w: %w", sentinel, cause))
}
