package store

import (
	"context"
	"errors"
	"net/http"

	"github.com/eargollo/lookalike/internal/errs"
)

// StatusError maps an HTTP status returned by a backend onto the taxonomy.
// Client errors other than 401/403/404/408/410/429 are returned untagged and
// are therefore neither retried nor treated as auth failures.
func StatusError(op, id string, code int, cause error) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.Wrap(op, id, errs.ErrAuth, cause)
	case code == http.StatusNotFound || code == http.StatusGone:
		return errs.Wrap(op, id, errs.ErrNotFound, cause)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return errs.Wrap(op, id, errs.ErrTransient, cause)
	default:
		return errs.New(op, id, cause)
	}
}

// TransportError tags a failure that never produced an HTTP status as
// transient. Context cancellation is returned unchanged so callers can tell
// it apart.
func TransportError(ctx context.Context, op, id string, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	// A failure that is already classified (e.g. a rejected token refresh
	// inside the transport) keeps its kind.
	if k := errs.KindOf(cause); k != errs.KindUnknown {
		return errs.New(op, id, cause)
	}
	return errs.Wrap(op, id, errs.ErrTransient, cause)
}
