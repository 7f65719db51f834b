// Package store defines the remote document collection contract consumed by
// the scan pipeline and the retrieval stage. Backends live in sub-packages.
package store

import (
	"context"
)

// MaxPageSize is the largest page any backend returns.
const MaxPageSize = 1000

// MimePDF is the document type every backend filters on.
const MimePDF = "application/pdf"

// Candidate identifies one remote document.
type Candidate struct {
	ID   string
	Name string
	// Version changes whenever the content changes (checksum, generation or
	// ETag). Empty when the backend cannot tell.
	Version string
}

// Page is one batch of a listing. NextPageToken is empty on the last page.
type Page struct {
	Candidates    []Candidate
	NextPageToken string
}

// Client lists and fetches documents. Listing is a forward-only cursor driven
// by page tokens; callers start with "" and stop when NextPageToken is "".
//
// Errors wrap errs.ErrAuth, errs.ErrTransient or errs.ErrNotFound.
type Client interface {
	ListPage(ctx context.Context, pageToken string) (Page, error)
	FetchBytes(ctx context.Context, id string) ([]byte, error)
}
