package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/scan"
	"github.com/eargollo/lookalike/internal/scheduler"
	"github.com/eargollo/lookalike/internal/session"
	"github.com/eargollo/lookalike/internal/store"
	"github.com/eargollo/lookalike/internal/store/storetest"
)

func page(x0, y0, x1, y1 int) image.Image {
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

type renderer map[string]image.Image

func (m renderer) FirstPage(_ context.Context, doc []byte) (image.Image, error) {
	if string(doc) == "%PDF-torn" {
		panic("slice bounds out of range [-1:]")
	}
	if img, ok := m[string(doc)]; ok {
		return img, nil
	}
	return nil, errs.New("render", "", errs.ErrRender)
}

func newTestServer(tb testing.TB) (*httptest.Server, *session.Session) {
	tb.Helper()
	fake := storetest.NewFake([]store.Candidate{
		{ID: "a", Name: "alpha.pdf", Version: "1"},
		{ID: "b", Name: "beta.pdf", Version: "1"},
	})
	layout := page(8, 8, 56, 30)
	r := renderer{
		"%PDF-reference": layout,
		"doc:a":          layout,
		"doc:b":          page(30, 40, 60, 78),
	}
	sess, err := session.New(context.Background(), fake, r, session.Config{
		WorkDirParent: tb.TempDir(),
		Scan:          scan.DefaultOptions(),
	})
	require.NoError(tb, err)

	srv := httptest.NewServer(NewRouter(sess, scheduler.New(), "test"))
	tb.Cleanup(func() {
		srv.Close()
		sess.Close()
	})
	return srv, sess
}

func do(tb testing.TB, method, url string, body []byte) (*http.Response, map[string]any) {
	tb.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(tb, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(tb, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(tb, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestScanWithoutReferenceIsPreconditionFailed(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := do(t, http.MethodPost, srv.URL+"/api/scans", nil)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, "NO_REFERENCE", errorCode(body))
}

func TestPutReference(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodPut, srv.URL+"/api/reference", []byte("%PDF-reference"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["hash"], 16)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/reference/preview", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestPutReferenceRejectsGarbage(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := do(t, http.MethodPut, srv.URL+"/api/reference", []byte("junk"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "RENDER_FAILED", errorCode(body))

	resp, _ = do(t, http.MethodPut, srv.URL+"/api/reference", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPut, srv.URL+"/api/reference", []byte("%PDF-torn"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "RENDER_FAILED", errorCode(body))
}

func TestScanMatchesAndDownload(t *testing.T) {
	srv, sess := newTestServer(t)
	resp, _ := do(t, http.MethodPut, srv.URL+"/api/reference", []byte("%PDF-reference"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/scans", []byte(`{"threshold": 5}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 5, body["threshold"])
	sess.WaitScan()

	resp, body = do(t, http.MethodGet, srv.URL+"/api/matches", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].(map[string]any)["id"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/matches/a/preview", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/matches/b/preview", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/scans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["total"])

	dest := t.TempDir()
	req, _ := json.Marshal(map[string]any{"ids": []string{"a"}, "dest_dir": dest})
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/downloads", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sess.WaitDownload()

	resp, body = do(t, http.MethodGet, srv.URL+"/api/downloads/last", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := body["counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["succeeded"])

	got, err := os.ReadFile(filepath.Join(dest, "alpha.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "doc:a", string(got))
}

func TestScanListTotalCountsAllScans(t *testing.T) {
	srv, sess := newTestServer(t)
	resp, _ := do(t, http.MethodPut, srv.URL+"/api/reference", []byte("%PDF-reference"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for i := 0; i < 3; i++ {
		_, err := sess.StartScan(5, "manual")
		require.NoError(t, err)
		sess.WaitScan()
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/api/scans?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["total"])
	items := body["items"].([]any)
	require.Len(t, items, 1)
	// Newest first: offset 1 is the second scan.
	assert.EqualValues(t, 2, items[0].(map[string]any)["id"])
}

func TestDownloadValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty ids", `{"ids": [], "dest_dir": "/tmp"}`, "EMPTY_SELECTION"},
		{"relative dir", `{"ids": ["a"], "dest_dir": "out"}`, "INVALID_DEST_DIR"},
		{"unknown id", `{"ids": ["zzz"], "dest_dir": "/tmp"}`, "UNKNOWN_MATCH"},
		{"bad json", `{"ids": `, "BAD_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+"/api/downloads", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(body))
		})
	}
}

func TestCancelWhenIdle(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := do(t, http.MethodDelete, srv.URL+"/api/scans/current", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NO_ACTIVE_SCAN", errorCode(body))

	resp, body = do(t, http.MethodDelete, srv.URL+"/api/downloads/current", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NO_ACTIVE_DOWNLOAD", errorCode(body))

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/downloads/last", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	srv, sess := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sess.ID(), body["session_id"])
	assert.Nil(t, body["reference"])
	assert.EqualValues(t, 5, body["threshold"])
	assert.Equal(t, "test", body["version"])
}

func TestEventsStream(t *testing.T) {
	srv, sess := newTestServer(t)
	resp, _ := do(t, http.MethodPut, srv.URL+"/api/reference", []byte("%PDF-reference"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	reader := bufio.NewReader(stream.Body)
	// The ": connected" comment arrives once the subscription exists.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": connected"))

	_, err = sess.StartScan(5, "manual")
	require.NoError(t, err)

	var events []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			events = append(events, name)
			if name == session.EventComplete {
				break
			}
		}
	}
	assert.Equal(t, []string{
		session.EventMatch, session.EventProgress,
		session.EventProgress,
		session.EventComplete,
	}, events)
}
