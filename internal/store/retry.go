package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/eargollo/lookalike/internal/errs"
)

// Retrying repeats calls that fail with errs.ErrTransient, up to MaxRetries
// extra attempts with exponential backoff. Other failures pass through.
type Retrying struct {
	Client     Client
	MaxRetries int
	BaseDelay  time.Duration
}

// WithRetries wraps c. A non-positive maxRetries returns c unchanged.
func WithRetries(c Client, maxRetries int) Client {
	if maxRetries <= 0 {
		return c
	}
	return &Retrying{Client: c, MaxRetries: maxRetries, BaseDelay: 250 * time.Millisecond}
}

func (r *Retrying) backoff() retry.Backoff {
	base := r.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(10*time.Second, b)
	return retry.WithMaxRetries(uint64(r.MaxRetries), b)
}

// ListPage implements Client.
func (r *Retrying) ListPage(ctx context.Context, pageToken string) (Page, error) {
	var page Page
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		p, err := r.Client.ListPage(ctx, pageToken)
		if err != nil {
			return classify("list", pageToken, err)
		}
		page = p
		return nil
	})
	return page, err
}

// FetchBytes implements Client.
func (r *Retrying) FetchBytes(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		b, err := r.Client.FetchBytes(ctx, id)
		if err != nil {
			return classify("fetch", id, err)
		}
		data = b
		return nil
	})
	return data, err
}

func classify(op, key string, err error) error {
	if errors.Is(err, errs.ErrTransient) {
		slog.Debug("store: retrying", "op", op, "key", key, "error", err)
		return retry.RetryableError(err)
	}
	return err
}
