// Package auth turns stored OAuth material into an authorised token source.
// It never runs an interactive consent flow: the token file must already
// exist, or application default credentials must be available.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/storage/v1"

	"github.com/eargollo/lookalike/internal/errs"
)

// Scopes used by the backends. Access is read-only.
var (
	DriveScopes = []string{drive.DriveReadonlyScope}
	GCSScopes   = []string{storage.DevstorageReadOnlyScope}
)

// Files locates the client secrets and the saved user token.
type Files struct {
	Credentials string
	Token       string
}

// TokenSource returns a token source for scopes. A saved user token plus
// client secrets is preferred; otherwise application default credentials are
// tried. Without either the result is ErrAuth.
func TokenSource(ctx context.Context, files Files, scopes ...string) (oauth2.TokenSource, error) {
	tok, tokErr := readToken(files.Token)
	secrets, secErr := os.ReadFile(files.Credentials)

	if tokErr == nil && secErr == nil {
		cfg, err := google.ConfigFromJSON(secrets, scopes...)
		if err != nil {
			return nil, errs.Wrap("auth", "", errs.ErrAuth, fmt.Errorf("parse %q: %w", files.Credentials, err))
		}
		ts := &savingSource{
			base: cfg.TokenSource(ctx, tok),
			path: files.Token,
			last: tok.AccessToken,
		}
		slog.Debug("auth: using saved user token", "token_file", files.Token)
		return oauth2.ReuseTokenSource(tok, ts), nil
	}

	if creds, err := google.FindDefaultCredentials(ctx, scopes...); err == nil {
		slog.Debug("auth: using application default credentials")
		return creds.TokenSource, nil
	}

	cause := tokErr
	if cause == nil {
		cause = secErr
	}
	return nil, errs.Wrap("auth", "", errs.ErrAuth, cause)
}

// ClientOptions wraps TokenSource for google.golang.org/api clients.
func ClientOptions(ctx context.Context, files Files, scopes ...string) ([]option.ClientOption, error) {
	ts, err := TokenSource(ctx, files, scopes...)
	if err != nil {
		return nil, err
	}
	return []option.ClientOption{option.WithTokenSource(ts)}, nil
}

func readToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("token file %q not found", path)
	}
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("parse token %q: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token %q holds no credentials", path)
	}
	return &tok, nil
}

// savingSource writes refreshed tokens back to disk so the next run starts
// with a valid one.
type savingSource struct {
	mu   sync.Mutex
	base oauth2.TokenSource
	path string
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, refreshError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := SaveToken(s.path, tok); err != nil {
			slog.Warn("auth: save refreshed token", "path", s.path, "error", err)
		}
	}
	return tok, nil
}

// refreshError classifies a failed refresh. Only a 4xx answer from the token
// endpoint means the grant was rejected; anything else may pass on retry.
func refreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil &&
		re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
		return errs.Wrap("auth", "", errs.ErrAuth, err)
	}
	return errs.Wrap("auth", "", errs.ErrTransient, err)
}

// SaveToken writes tok as JSON with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
