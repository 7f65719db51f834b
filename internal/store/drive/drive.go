// Package drive lists and downloads PDF files from Google Drive.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/eargollo/lookalike/internal/store"
)

// Query selects non-trashed PDFs.
const Query = "mimeType='" + store.MimePDF + "' and trashed=false"

const listFields = "nextPageToken, files(id, name, md5Checksum, modifiedTime)"

// chunkSize is the read size used when draining a media download.
const chunkSize = 1 << 20

// Client is a store.Client backed by the Drive v3 API.
type Client struct {
	svc      *drive.Service
	pageSize int64
}

// New creates a Drive client. The caller supplies the authorised transport
// through opts, typically option.WithTokenSource.
func New(ctx context.Context, pageSize int, opts ...option.ClientOption) (*Client, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	if pageSize <= 0 || pageSize > store.MaxPageSize {
		pageSize = store.MaxPageSize
	}
	return &Client{svc: svc, pageSize: int64(pageSize)}, nil
}

// ListPage implements store.Client.
func (c *Client) ListPage(ctx context.Context, pageToken string) (store.Page, error) {
	call := c.svc.Files.List().
		Q(Query).
		Spaces("drive").
		Fields(googleapi.Field(listFields)).
		PageSize(c.pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	res, err := call.Do()
	if err != nil {
		return store.Page{}, mapError(ctx, "list", pageToken, err)
	}

	page := store.Page{
		Candidates:    make([]store.Candidate, 0, len(res.Files)),
		NextPageToken: res.NextPageToken,
	}
	for _, f := range res.Files {
		version := f.Md5Checksum
		if version == "" {
			version = f.ModifiedTime
		}
		page.Candidates = append(page.Candidates, store.Candidate{
			ID:      f.Id,
			Name:    f.Name,
			Version: version,
		})
	}
	return page, nil
}

// FetchBytes implements store.Client.
func (c *Client) FetchBytes(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return nil, mapError(ctx, "fetch", id, err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	chunk := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(&buf, resp.Body, chunk); err != nil {
		return nil, store.TransportError(ctx, "fetch", id, err)
	}
	return buf.Bytes(), nil
}

func mapError(ctx context.Context, op, key string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return store.StatusError(op, key, gerr.Code, err)
	}
	return store.TransportError(ctx, op, key, err)
}
