package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/retrieve"
	"github.com/eargollo/lookalike/internal/scan"
	"github.com/eargollo/lookalike/internal/store"
	"github.com/eargollo/lookalike/internal/store/storetest"
)

// block draws a white page with a black rectangle.
func block(x0, y0, x1, y1 int) image.Image {
	img := image.NewGray(image.Rect(0, 0, 64, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 64; x++ {
			c := uint8(255)
			if x >= x0 && x < x1 && y >= y0 && y < y1 {
				c = 0
			}
			img.SetGray(x, y, color.Gray{Y: c})
		}
	}
	return img
}

type mapRenderer map[string]image.Image

func (m mapRenderer) FirstPage(_ context.Context, doc []byte) (image.Image, error) {
	img, ok := m[string(doc)]
	if !ok {
		return nil, errs.New("render", "", errs.ErrRender)
	}
	return img, nil
}

// gatedClient blocks every fetch until gate is closed and signals each
// fetch on started.
type gatedClient struct {
	store.Client
	gate    chan struct{}
	started chan string
}

func (g *gatedClient) FetchBytes(ctx context.Context, id string) ([]byte, error) {
	g.started <- id
	<-g.gate
	return g.Client.FetchBytes(ctx, id)
}

func newTestSession(tb testing.TB, client store.Client, r mapRenderer) *Session {
	tb.Helper()
	cfg := Config{WorkDirParent: tb.TempDir(), Scan: scan.DefaultOptions()}
	s, err := New(context.Background(), client, r, cfg)
	if err != nil {
		tb.Fatalf("session.New: %v", err)
	}
	tb.Cleanup(func() { s.Close() })
	return s
}

func fixture() (*storetest.Fake, mapRenderer) {
	fake := storetest.NewFake([]store.Candidate{
		{ID: "a", Name: "alpha.pdf", Version: "1"},
		{ID: "b", Name: "beta.pdf", Version: "1"},
		{ID: "c", Name: "gamma.pdf", Version: "1"},
	})
	layout := block(8, 8, 56, 30)
	r := mapRenderer{
		"reference": layout,
		"doc:a":     layout,
		"doc:b":     block(30, 40, 60, 78),
		"doc:c":     layout,
	}
	return fake, r
}

func TestStartScanRequiresReference(t *testing.T) {
	fake, r := fixture()
	s := newTestSession(t, fake, r)

	_, err := s.StartScan(5, "manual")
	assert.ErrorIs(t, err, ErrNoReference)
}

func TestSetReferenceRejectsBadDocument(t *testing.T) {
	fake, r := fixture()
	s := newTestSession(t, fake, r)

	_, _, err := s.SetReference(context.Background(), []byte("garbage"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRender))
	_, ok := s.Reference()
	assert.False(t, ok)
}

func TestSetReferenceWritesPreview(t *testing.T) {
	fake, r := fixture()
	s := newTestSession(t, fake, r)

	hash, img, err := s.SetReference(context.Background(), []byte("reference"))
	require.NoError(t, err)
	require.NotNil(t, img)

	ref, ok := s.Reference()
	require.True(t, ok)
	assert.Equal(t, hash, ref.Hash)
	assert.FileExists(t, ref.ImagePath)
}

func TestStartScanRejectsBadThreshold(t *testing.T) {
	fake, r := fixture()
	s := newTestSession(t, fake, r)
	_, _, err := s.SetReference(context.Background(), []byte("reference"))
	require.NoError(t, err)

	for _, th := range []int{-1, 65} {
		_, err := s.StartScan(th, "manual")
		assert.ErrorIs(t, err, ErrInvalidThreshold, "threshold %d", th)
	}
}

func TestScanPublishesEventsAndFillsLedger(t *testing.T) {
	fake, r := fixture()
	s := newTestSession(t, fake, r)
	_, _, err := s.SetReference(context.Background(), []byte("reference"))
	require.NoError(t, err)

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	_, err = s.StartScan(5, "manual")
	require.NoError(t, err)
	s.WaitScan()

	var types []string
	timeout := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
			if ev.Type == EventComplete {
				break collect
			}
		case <-timeout:
			t.Fatal("no complete event")
		}
	}

	want := []string{
		EventMatch, EventProgress, // a
		EventProgress,             // b
		EventMatch, EventProgress, // c
		EventComplete,
	}
	assert.Equal(t, want, types)

	matches := s.Matches()
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "c", matches[1].ID)
	assert.Equal(t, 0, matches[0].Distance)
	assert.FileExists(t, matches[0].PreviewPath)

	sum, ok := s.LastScan()
	require.True(t, ok)
	assert.EqualValues(t, 2, sum.MatchCount)
	assert.Equal(t, 5, s.Threshold())

	hist, total, err := s.ScanHistory(context.Background(), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, hist, 1)
	assert.Equal(t, "completed", hist[0].Status)
}

func TestDownloadUsesLedgerNames(t *testing.T) {
	fake, r := fixture()
	s := newTestSession(t, fake, r)
	_, _, err := s.SetReference(context.Background(), []byte("reference"))
	require.NoError(t, err)
	_, err = s.StartScan(5, "manual")
	require.NoError(t, err)
	s.WaitScan()

	sel, err := s.Selection([]string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []retrieve.Item{{ID: "c", Name: "gamma.pdf"}, {ID: "a", Name: "alpha.pdf"}}, sel)

	dir := t.TempDir()
	out, err := s.Download(context.Background(), sel, dir, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, filepath.Join(dir, "gamma.pdf"), out[0].FinalPath)
	b, err := os.ReadFile(out[1].FinalPath)
	require.NoError(t, err)
	assert.Equal(t, "doc:a", string(b))

	last, ok := s.LastDownload()
	require.True(t, ok)
	assert.Equal(t, dir, last.Dir)
	assert.Len(t, last.Outcomes, 2)
}

func TestSelectionRejectsUnknownID(t *testing.T) {
	fake, r := fixture()
	s := newTestSession(t, fake, r)
	_, err := s.Selection([]string{"nope"})
	assert.ErrorIs(t, err, ErrUnknownMatch)
}

func TestStartDownloadCancel(t *testing.T) {
	fake, r := fixture()
	client := &gatedClient{Client: fake, gate: make(chan struct{}), started: make(chan string, 10)}
	s := newTestSession(t, client, r)

	sel := []retrieve.Item{{ID: "a", Name: "a.pdf"}, {ID: "b", Name: "b.pdf"}, {ID: "c", Name: "c.pdf"}}
	_, err := s.StartDownload(sel, t.TempDir())
	require.NoError(t, err)

	select {
	case id := <-client.started:
		assert.Equal(t, "a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not start")
	}

	_, err = s.StartDownload(sel, t.TempDir())
	assert.ErrorIs(t, err, ErrDownloadRunning)
	require.NotNil(t, s.ActiveDownload())

	require.NoError(t, s.CancelDownload())
	close(client.gate)
	s.WaitDownload()

	assert.Nil(t, s.ActiveDownload())
	assert.ErrorIs(t, s.CancelDownload(), ErrNoActiveDownload)

	last, ok := s.LastDownload()
	require.True(t, ok)
	var got []retrieve.Status
	for _, o := range last.Outcomes {
		got = append(got, o.Status)
	}
	assert.Equal(t, []retrieve.Status{retrieve.Succeeded, retrieve.Skipped, retrieve.Skipped}, got)
	assert.Equal(t, []string{"a"}, fake.FetchedIDs())
}

func TestCloseRemovesWorkArea(t *testing.T) {
	fake, r := fixture()
	s := newTestSession(t, fake, r)
	dir := s.WorkDir()
	events, _ := s.Subscribe()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	_, open := <-events
	assert.False(t, open, "subscriptions end on close")

	_, err = s.StartScan(5, "manual")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.StartDownload(nil, t.TempDir())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseCancelsRunningScan(t *testing.T) {
	fake, r := fixture()
	client := &gatedClient{Client: fake, gate: make(chan struct{}), started: make(chan string, 10)}
	s := newTestSession(t, client, r)
	_, _, err := s.SetReference(context.Background(), []byte("reference"))
	require.NoError(t, err)

	_, err = s.StartScan(5, "manual")
	require.NoError(t, err)
	<-client.started

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Close())
	}()
	// Close waits for the in-flight candidate.
	time.Sleep(20 * time.Millisecond)
	close(client.gate)
	wg.Wait()

	assert.Equal(t, []string{"a"}, fake.FetchedIDs())
}
