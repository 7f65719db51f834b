// Package retrieve downloads a selection of matched documents into a local
// directory without ever overwriting an existing file.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/store"
)

// Status is the result of one download attempt.
type Status string

const (
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Skipped   Status = "skipped"
)

// Item is one element of a selection.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Outcome reports what happened to one Item.
type Outcome struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	FinalPath string    `json:"final_path,omitempty"`
	ErrorKind errs.Kind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ProgressFunc is called after every attempted item with the 1-based index
// of that item and the selection length.
type ProgressFunc func(done, total int, o Outcome)

// maxSuffix bounds the collision search.
const maxSuffix = 10000

// Download fetches every item of sel in order and writes it into dir.
// Cancellation of ctx is observed between items: the item in flight
// completes, the rest are reported Skipped. Per-item failures are reported
// as Failed and do not stop the loop. Files already written are kept.
func Download(ctx context.Context, client store.Client, sel []Item, dir string, onProgress ProgressFunc) []Outcome {
	outcomes := make([]Outcome, 0, len(sel))
	for i, it := range sel {
		if ctx.Err() != nil {
			for _, rest := range sel[i:] {
				outcomes = append(outcomes, Outcome{ID: rest.ID, Name: rest.Name, Status: Skipped})
			}
			slog.Info("download cancelled", "done", i, "skipped", len(sel)-i)
			return outcomes
		}

		o := downloadOne(ctx, client, it, dir)
		outcomes = append(outcomes, o)
		if onProgress != nil {
			onProgress(i+1, len(sel), o)
		}
	}
	return outcomes
}

func downloadOne(ctx context.Context, client store.Client, it Item, dir string) Outcome {
	o := Outcome{ID: it.ID, Name: it.Name}

	// The fetch in flight is not interrupted by cancellation.
	data, err := client.FetchBytes(context.WithoutCancel(ctx), it.ID)
	if err != nil {
		return failed(o, err)
	}

	path, err := WriteNew(dir, SafeName(it.Name, it.ID), data)
	if err != nil {
		return failed(o, errs.Wrap("write", it.ID, errs.ErrFilesystem, err))
	}

	o.Status = Succeeded
	o.FinalPath = path
	slog.Info("downloaded", "id", it.ID, "path", path, "bytes", len(data))
	return o
}

func failed(o Outcome, err error) Outcome {
	o.Status = Failed
	o.ErrorKind = errs.KindOf(err)
	o.Error = err.Error()
	slog.Warn("download failed", "id", o.ID, "name", o.Name, "kind", o.ErrorKind, "error", err)
	return o
}

// SafeName reduces a remote display name to a plain file name. An empty
// result falls back to "<id>.pdf".
func SafeName(name, id string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return id + ".pdf"
	}
	return name
}

// ResolvePath returns dir/name if nothing exists there, otherwise the first
// free dir/stem_N.ext for N = 1, 2, ...
func ResolvePath(dir, name string) (string, error) {
	return resolveFrom(dir, name, 0)
}

func resolveFrom(dir, name string, start int) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := start; n <= maxSuffix; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
		}
		p := filepath.Join(dir, candidate)
		_, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %q after %d attempts", name, maxSuffix)
}

// WriteNew writes data to a fresh file in dir named after name, resolving
// collisions with ResolvePath. The file is created exclusively, so a name
// taken between the check and the create moves on to the next suffix.
func WriteNew(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	n := 0
	for {
		p, err := resolveFrom(dir, name, n)
		if err != nil {
			return "", err
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			n = suffixOf(p, name) + 1
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(p)
			return "", err
		}
		if err := f.Close(); err != nil {
			os.Remove(p)
			return "", err
		}
		return p, nil
	}
}

// suffixOf recovers N from a path produced by resolveFrom.
func suffixOf(path, name string) int {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	var n int
	if _, err := fmt.Sscanf(strings.TrimPrefix(base, stem), "_%d", &n); err != nil {
		return 0
	}
	return n
}

// Last holds the outcomes of the most recent download, for reporting.
type Last struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Dir        string    `json:"dir"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Counts tallies outcomes by status.
func Counts(outcomes []Outcome) map[Status]int {
	c := map[Status]int{Succeeded: 0, Failed: 0, Skipped: 0}
	for _, o := range outcomes {
		c[o.Status]++
	}
	return c
}
