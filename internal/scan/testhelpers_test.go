package scan

import (
	"context"
	"database/sql"
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"testing"

	internaldb "github.com/eargollo/lookalike/internal/db"
	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/fingerprint"
	"github.com/eargollo/lookalike/internal/ledger"
	"github.com/eargollo/lookalike/internal/store"
	"github.com/eargollo/lookalike/internal/store/storetest"
	"github.com/eargollo/lookalike/internal/workarea"
)

// mustOpenDB opens a temp file SQLite database with the full schema applied.
func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	db, err := internaldb.OpenMigrated(filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

func mustArea(tb testing.TB) *workarea.Area {
	tb.Helper()
	a, err := workarea.New(tb.TempDir())
	if err != nil {
		tb.Fatalf("work area: %v", err)
	}
	tb.Cleanup(func() { a.Close() })
	return a
}

// fakeRenderer maps document bytes to a prepared image. Unknown bytes fail
// with ErrRender. When gate is set every call blocks until it is closed.
type fakeRenderer struct {
	mu     sync.Mutex
	images map[string]image.Image
	gate   chan struct{}
	calls  int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{images: make(map[string]image.Image)}
}

func (r *fakeRenderer) FirstPage(ctx context.Context, doc []byte) (image.Image, error) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	img, ok := r.images[string(doc)]
	if !ok {
		return nil, errs.New("render", "", errs.ErrRender)
	}
	return img, nil
}

func (r *fakeRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fixture wires a fake store, a fake renderer and a scanner whose hash
// function reads from hashes, so tests pick exact distances.
type fixture struct {
	store    *storetest.Fake
	renderer *fakeRenderer
	area     *workarea.Area
	ledger   *ledger.Ledger
	scanner  *Scanner
	hashes   map[image.Image]fingerprint.Hash
}

// doc describes one candidate and the fingerprint of its first page.
type doc struct {
	id   string
	hash fingerprint.Hash
}

// newFixture builds a fixture with one page per element of pages. db may be nil.
func newFixture(tb testing.TB, db *sql.DB, pages ...[]doc) *fixture {
	tb.Helper()
	f := &fixture{
		renderer: newFakeRenderer(),
		area:     mustArea(tb),
		ledger:   ledger.New(),
		hashes:   make(map[image.Image]fingerprint.Hash),
	}

	var storePages [][]store.Candidate
	for _, p := range pages {
		var cs []store.Candidate
		for _, d := range p {
			cs = append(cs, store.Candidate{ID: d.id, Name: d.id + ".pdf", Version: "v1"})
			img := image.NewGray(image.Rect(0, 0, 8, 8))
			f.renderer.images["doc:"+d.id] = img
			f.hashes[img] = d.hash
		}
		storePages = append(storePages, cs)
	}
	f.store = storetest.NewFake(storePages...)
	f.scanner = New(f.store, f.renderer, f.area, f.ledger, db)
	f.scanner.hashFn = func(img image.Image) (fingerprint.Hash, error) {
		h, ok := f.hashes[img]
		if !ok {
			return 0, errs.ErrRender
		}
		return h, nil
	}
	return f
}

// flip returns ref with the lowest n bits inverted, i.e. at distance n.
func flip(ref fingerprint.Hash, n int) fingerprint.Hash {
	return ref ^ fingerprint.Hash(uint64(1)<<n-1)
}

func testOptions(threshold int) Options {
	o := DefaultOptions()
	o.Threshold = threshold
	o.ThumbWidth = 4
	o.ThumbHeight = 4
	return o
}

func recordIDs(recs []ledger.Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

// recorder is an Observer that keeps every event.
type recorder struct {
	mu        sync.Mutex
	matches   []ledger.Record
	progress  []Summary
	completes []Summary
	errKinds  []errs.Kind
}

func (r *recorder) OnMatch(rec ledger.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, rec)
}

func (r *recorder) OnProgress(sum Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, sum)
}

func (r *recorder) OnComplete(sum Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, sum)
}

func (r *recorder) OnError(kind errs.Kind, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errKinds = append(r.errKinds, kind)
}

// gradient is a real synthetic page for tests that exercise the perceptual hash.
func gradient(w, h int, horizontal bool) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := x * 255 / w
			if !horizontal {
				v = y * 255 / h
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img
}
