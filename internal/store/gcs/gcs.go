// Package gcs lists and downloads PDF objects from a Google Cloud Storage
// bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/store"
)

// Client is a store.Client over one bucket and prefix. Object names are used
// as candidate ids.
type Client struct {
	client   *storage.Client
	bucket   *storage.BucketHandle
	prefix   string
	pageSize int
}

// New opens a storage client for bucket.
func New(ctx context.Context, bucket, prefix string, pageSize int, opts ...option.ClientOption) (*Client, error) {
	if bucket == "" {
		return nil, errors.New("gcs: bucket must be set")
	}
	sc, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if pageSize <= 0 || pageSize > store.MaxPageSize {
		pageSize = store.MaxPageSize
	}
	return &Client{client: sc, bucket: sc.Bucket(bucket), prefix: prefix, pageSize: pageSize}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.client.Close()
}

// ListPage implements store.Client. Non-PDF objects are filtered out, so a
// page may hold fewer candidates than the page size.
func (c *Client) ListPage(ctx context.Context, pageToken string) (store.Page, error) {
	it := c.bucket.Objects(ctx, &storage.Query{Prefix: c.prefix})
	pager := iterator.NewPager(it, c.pageSize, pageToken)

	var objs []*storage.ObjectAttrs
	next, err := pager.NextPage(&objs)
	if err != nil {
		return store.Page{}, mapError(ctx, "list", pageToken, err)
	}

	page := store.Page{NextPageToken: next}
	for _, o := range objs {
		if cand, ok := toCandidate(o); ok {
			page.Candidates = append(page.Candidates, cand)
		}
	}
	return page, nil
}

// FetchBytes implements store.Client.
func (c *Client) FetchBytes(ctx context.Context, id string) ([]byte, error) {
	r, err := c.bucket.Object(id).NewReader(ctx)
	if err != nil {
		return nil, mapError(ctx, "fetch", id, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, mapError(ctx, "fetch", id, err)
	}
	return data, nil
}

// toCandidate keeps live PDF objects, skipping prefixes and soft-deleted
// generations.
func toCandidate(o *storage.ObjectAttrs) (store.Candidate, bool) {
	if o == nil || o.Name == "" || o.Prefix != "" || !o.Deleted.IsZero() {
		return store.Candidate{}, false
	}
	isPDF := o.ContentType == store.MimePDF || strings.EqualFold(path.Ext(o.Name), ".pdf")
	if !isPDF {
		return store.Candidate{}, false
	}
	return store.Candidate{
		ID:      o.Name,
		Name:    path.Base(o.Name),
		Version: strconv.FormatInt(o.Generation, 10),
	}, true
}

func mapError(ctx context.Context, op, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return errs.Wrap(op, key, errs.ErrNotFound, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return store.StatusError(op, key, gerr.Code, err)
	}
	return store.TransportError(ctx, op, key, err)
}
