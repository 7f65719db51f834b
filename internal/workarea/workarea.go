// Package workarea manages the per-session temporary directory that holds
// preview images and the session database.
package workarea

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/render"
)

// Prefix names every working area directory.
const Prefix = "lookalike-"

const previewDir = "previews"

// KeepAliveInterval is how often a live session refreshes its area's mtime.
// It must stay well below the smallest stale age (one hour).
const KeepAliveInterval = 10 * time.Minute

// Area is one session's working directory.
type Area struct {
	dir string
}

// New creates a fresh working area under parent (the OS temp dir when empty).
func New(parent string) (*Area, error) {
	dir, err := os.MkdirTemp(parent, Prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create working area: %w", err)
	}
	if err := os.Mkdir(filepath.Join(dir, previewDir), 0o700); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create preview dir: %w", err)
	}
	slog.Debug("working area created", "dir", dir)
	return &Area{dir: dir}, nil
}

// Dir is the root of the area.
func (a *Area) Dir() string { return a.dir }

// DBPath is where the session database lives.
func (a *Area) DBPath() string { return filepath.Join(a.dir, "session.db") }

// ReferencePath is where the reference page image is written.
func (a *Area) ReferencePath() string { return filepath.Join(a.dir, "reference.png") }

// PreviewPath is the preview location for a candidate id. Distinct ids map to
// distinct paths.
func (a *Area) PreviewPath(id string) string {
	return filepath.Join(a.dir, previewDir, url.PathEscape(id)+".png")
}

// HasPreview reports whether a preview for id is on disk.
func (a *Area) HasPreview(id string) bool {
	_, err := os.Stat(a.PreviewPath(id))
	return err == nil
}

// SavePreview writes img as PNG to PreviewPath(id) and returns the path.
func (a *Area) SavePreview(id string, img image.Image) (string, error) {
	p := a.PreviewPath(id)
	if err := WritePNG(p, img); err != nil {
		return "", errs.Wrap("preview", id, errs.ErrFilesystem, err)
	}
	if err := a.Touch(); err != nil {
		slog.Debug("touch working area", "dir", a.dir, "error", err)
	}
	return p, nil
}

// Touch marks the area as in use. SweepStale judges age by the mtime of the
// root directory, which writes below it do not update.
func (a *Area) Touch() error {
	now := time.Now()
	return os.Chtimes(a.dir, now, now)
}

// KeepAlive touches the area every interval until ctx is done, so an idle
// session is not swept by another process.
func (a *Area) KeepAlive(ctx context.Context, every time.Duration) {
	if err := a.Touch(); err != nil {
		slog.Debug("touch working area", "dir", a.dir, "error", err)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Touch(); err != nil {
				slog.Warn("touch working area", "dir", a.dir, "error", err)
			}
		}
	}
}

// Close removes the area. Failures are logged; a leftover directory is picked
// up by SweepStale.
func (a *Area) Close() error {
	if err := os.RemoveAll(a.dir); err != nil {
		slog.Warn("remove working area", "dir", a.dir, "error", err)
		return err
	}
	slog.Debug("working area removed", "dir", a.dir)
	return nil
}

// WritePNG writes img to path through a temporary file so readers never see a
// partial image.
func WritePNG(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := render.EncodePNG(tmp, img); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SweepStale removes working areas under parent older than maxAge, except
// the directories listed in keep. It returns how many were removed.
func SweepStale(parent string, maxAge time.Duration, keep ...string) (int, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	entries, err := os.ReadDir(parent)
	if err != nil {
		return 0, fmt.Errorf("read %q: %w", parent, err)
	}

	skip := make(map[string]bool, len(keep))
	for _, k := range keep {
		skip[filepath.Clean(k)] = true
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), Prefix) {
			continue
		}
		p := filepath.Join(parent, e.Name())
		if skip[p] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			slog.Warn("sweep working area", "dir", p, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("swept stale working areas", "count", removed)
	}
	return removed, nil
}
