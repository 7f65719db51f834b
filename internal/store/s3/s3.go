// Package s3 lists and downloads PDF objects from an S3 or S3-compatible
// bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/store"
)

// API is the subset of the S3 client used here.
type API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures New.
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // S3-compatible endpoint, e.g. MinIO
	PathStyle bool
	PageSize  int
}

// Client is a store.Client over one bucket and prefix. Object keys are used
// as candidate ids.
type Client struct {
	api      API
	bucket   string
	prefix   string
	pageSize int32
}

// New loads the default AWS credential chain and builds a client.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket must be set")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	return NewWithAPI(api, opts.Bucket, opts.Prefix, opts.PageSize), nil
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api API, bucket, prefix string, pageSize int) *Client {
	if pageSize <= 0 || pageSize > store.MaxPageSize {
		pageSize = store.MaxPageSize
	}
	return &Client{api: api, bucket: bucket, prefix: prefix, pageSize: int32(pageSize)}
}

// ListPage implements store.Client.
func (c *Client) ListPage(ctx context.Context, pageToken string) (store.Page, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		MaxKeys: aws.Int32(c.pageSize),
	}
	if c.prefix != "" {
		in.Prefix = aws.String(c.prefix)
	}
	if pageToken != "" {
		in.ContinuationToken = aws.String(pageToken)
	}

	out, err := c.api.ListObjectsV2(ctx, in)
	if err != nil {
		return store.Page{}, mapError(ctx, "list", pageToken, err)
	}

	var page store.Page
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if !strings.EqualFold(path.Ext(key), ".pdf") {
			continue
		}
		page.Candidates = append(page.Candidates, store.Candidate{
			ID:      key,
			Name:    path.Base(key),
			Version: strings.Trim(aws.ToString(obj.ETag), `"`),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextPageToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// FetchBytes implements store.Client.
func (c *Client) FetchBytes(ctx context.Context, id string) ([]byte, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, mapError(ctx, "fetch", id, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if n := aws.ToInt64(out.ContentLength); n > 0 {
		buf.Grow(int(n))
	}
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return nil, store.TransportError(ctx, "fetch", id, err)
	}
	return buf.Bytes(), nil
}

func mapError(ctx context.Context, op, key string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return errs.Wrap(op, key, errs.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return errs.Wrap(op, key, errs.ErrAuth, err)
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return errs.Wrap(op, key, errs.ErrNotFound, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return store.StatusError(op, key, respErr.HTTPStatusCode(), err)
	}
	return store.TransportError(ctx, op, key, err)
}
