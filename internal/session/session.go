// Package session is the entry point to the scan-match-download core. A
// Session owns one working area, the reference fingerprint, the result
// ledger, and at most one running scan and one running download.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	internaldb "github.com/eargollo/lookalike/internal/db"
	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/fingerprint"
	"github.com/eargollo/lookalike/internal/ledger"
	"github.com/eargollo/lookalike/internal/render"
	"github.com/eargollo/lookalike/internal/retrieve"
	"github.com/eargollo/lookalike/internal/scan"
	"github.com/eargollo/lookalike/internal/store"
	"github.com/eargollo/lookalike/internal/workarea"
)

var (
	// ErrNoReference is returned by StartScan before SetReference succeeded.
	ErrNoReference = errors.New("no reference document set")

	// ErrDownloadRunning is returned when a download is started while one is in progress.
	ErrDownloadRunning = errors.New("a download is already in progress")

	// ErrNoActiveDownload is returned by CancelDownload when idle.
	ErrNoActiveDownload = errors.New("no download is currently running")

	// ErrInvalidThreshold is returned for thresholds outside 0..fingerprint.Bits.
	ErrInvalidThreshold = errors.New("threshold out of range")

	// ErrUnknownMatch is returned when a selection names an id not in the ledger.
	ErrUnknownMatch = errors.New("id is not a current match")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session closed")
)

// Config tunes a Session.
type Config struct {
	// WorkDirParent is where the working area is created. Empty means the OS
	// temp dir.
	WorkDirParent string
	// Scan holds the default threshold and the preview size.
	Scan scan.Options
}

// Reference describes the current reference document.
type Reference struct {
	Hash      fingerprint.Hash `json:"hash"`
	SetAt     time.Time        `json:"set_at"`
	ImagePath string           `json:"-"`
}

// DownloadProgress describes the running download.
type DownloadProgress struct {
	StartedAt time.Time `json:"started_at"`
	Dir       string    `json:"dir"`
	Total     int       `json:"total"`
	Done      int       `json:"done"`
}

type activeDownload struct {
	startedAt time.Time
	dir       string
	total     int
	done      atomic.Int64
	cancel    context.CancelFunc
}

// Session is safe for concurrent use.
type Session struct {
	id       string
	client   store.Client
	renderer render.Renderer
	cfg      Config

	area    *workarea.Area
	db      *sql.DB
	ledger  *ledger.Ledger
	scans   *scan.Manager
	events  *broadcaster
	baseCtx context.Context
	stop    context.CancelFunc
	dlWG    sync.WaitGroup
	alive   chan struct{}

	mu        sync.Mutex
	closed    bool
	ref       *Reference
	threshold int
	dl        *activeDownload
	lastDL    *retrieve.Last
}

// New creates the working area and the session database inside it.
// Cancelling ctx cancels any running scan or download.
func New(ctx context.Context, client store.Client, renderer render.Renderer, cfg Config) (*Session, error) {
	if cfg.Scan == (scan.Options{}) {
		cfg.Scan = scan.DefaultOptions()
	}
	if err := checkThreshold(cfg.Scan.Threshold); err != nil {
		return nil, err
	}

	area, err := workarea.New(cfg.WorkDirParent)
	if err != nil {
		return nil, errs.Wrap("session", "", errs.ErrFilesystem, err)
	}
	db, err := internaldb.OpenMigrated(area.DBPath())
	if err != nil {
		area.Close()
		return nil, fmt.Errorf("session database: %w", err)
	}

	led := ledger.New()
	baseCtx, stop := context.WithCancel(ctx)
	s := &Session{
		id:        uuid.NewString(),
		client:    client,
		renderer:  render.Guard(renderer),
		cfg:       cfg,
		area:      area,
		db:        db,
		ledger:    led,
		scans:     scan.NewManager(scan.New(client, renderer, area, led, db)),
		events:    newBroadcaster(),
		baseCtx:   baseCtx,
		stop:      stop,
		threshold: cfg.Scan.Threshold,
		alive:     make(chan struct{}),
	}
	go func() {
		defer close(s.alive)
		area.KeepAlive(baseCtx, workarea.KeepAliveInterval)
	}()
	slog.Info("session started", "session", s.id, "dir", area.Dir())
	return s, nil
}

// ID identifies the session in logs and the API.
func (s *Session) ID() string { return s.id }

// WorkDir is the session's working area.
func (s *Session) WorkDir() string { return s.area.Dir() }

// DB is the session database.
func (s *Session) DB() *sql.DB { return s.db }

// SetReference renders the first page of doc, fingerprints it and keeps both.
// The page image is also written to the working area for preview. It is
// rejected while a scan is running.
func (s *Session) SetReference(ctx context.Context, doc []byte) (fingerprint.Hash, image.Image, error) {
	if err := s.checkOpen(); err != nil {
		return 0, nil, err
	}
	if s.scans.ActiveScan() != nil {
		return 0, nil, scan.ErrAlreadyRunning
	}

	img, err := s.renderer.FirstPage(ctx, doc)
	if err != nil {
		return 0, nil, err
	}
	hash, err := fingerprint.Fingerprint(img)
	if err != nil {
		return 0, nil, err
	}
	if err := workarea.WritePNG(s.area.ReferencePath(), img); err != nil {
		return 0, nil, errs.Wrap("reference", "", errs.ErrFilesystem, err)
	}

	s.mu.Lock()
	s.ref = &Reference{Hash: hash, SetAt: time.Now(), ImagePath: s.area.ReferencePath()}
	s.mu.Unlock()

	slog.Info("reference set", "session", s.id, "hash", hash)
	return hash, img, nil
}

// Reference returns the current reference, if any.
func (s *Session) Reference() (Reference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ref == nil {
		return Reference{}, false
	}
	return *s.ref, true
}

// Threshold is the threshold of the last scan started, or the configured
// default.
func (s *Session) Threshold() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold
}

// StartScan clears the ledger and starts a background scan. Events go to
// every subscriber and to extra, in order.
func (s *Session) StartScan(threshold int, triggeredBy string, extra ...scan.Observer) (*scan.ActiveScan, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkThreshold(threshold); err != nil {
		return nil, err
	}
	ref, ok := s.Reference()
	if !ok {
		return nil, ErrNoReference
	}

	opts := s.cfg.Scan
	opts.Threshold = threshold
	obs := append(scan.Observers{scanEvents{s.events}}, extra...)

	active, err := s.scans.Start(s.baseCtx, ref.Hash, opts, triggeredBy, obs)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.threshold = threshold
	s.mu.Unlock()
	return active, nil
}

// CancelScan stops the running scan after its current candidate.
func (s *Session) CancelScan() (*scan.ActiveScan, error) {
	return s.scans.Cancel()
}

// ActiveScan returns the running scan or nil.
func (s *Session) ActiveScan() *scan.ActiveScan {
	return s.scans.ActiveScan()
}

// LastScan returns the summary of the most recent finished scan.
func (s *Session) LastScan() (scan.Summary, bool) {
	return s.scans.LastSummary()
}

// WaitScan blocks until no scan is running.
func (s *Session) WaitScan() {
	s.scans.Wait()
}

// ScanHistory lists one page of this session's scans, newest first, along
// with the total number of scans.
func (s *Session) ScanHistory(ctx context.Context, limit, offset int) ([]scan.HistoryEntry, int, error) {
	total, err := scan.CountHistory(ctx, s.db)
	if err != nil {
		return nil, 0, err
	}
	items, err := scan.History(ctx, s.db, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Matches returns a snapshot of the ledger in discovery order.
func (s *Session) Matches() []ledger.Record {
	return s.ledger.All()
}

// Match looks up one record.
func (s *Session) Match(id string) (ledger.Record, bool) {
	return s.ledger.Get(id)
}

// Selection maps ids to download items using the ledger's display names,
// keeping the order of ids.
func (s *Session) Selection(ids []string) ([]retrieve.Item, error) {
	sel := make([]retrieve.Item, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.ledger.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMatch, id)
		}
		sel = append(sel, retrieve.Item{ID: rec.ID, Name: rec.Name})
	}
	return sel, nil
}

// Download retrieves sel into dir synchronously. ctx cancellation is observed
// between items.
func (s *Session) Download(ctx context.Context, sel []retrieve.Item, dir string, onProgress retrieve.ProgressFunc) ([]retrieve.Outcome, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	started := time.Now()
	out := retrieve.Download(ctx, s.client, sel, dir, onProgress)
	s.recordDownload(started, dir, out)
	return out, nil
}

// StartDownload retrieves sel into dir in the background. Only one download
// runs at a time.
func (s *Session) StartDownload(sel []retrieve.Item, dir string) (*DownloadProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.dl != nil {
		return nil, ErrDownloadRunning
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	dl := &activeDownload{startedAt: time.Now(), dir: dir, total: len(sel), cancel: cancel}
	s.dl = dl

	s.dlWG.Add(1)
	go func() {
		defer s.dlWG.Done()
		defer cancel()

		slog.Info("download started", "session", s.id, "items", len(sel), "dir", dir)
		out := retrieve.Download(ctx, s.client, sel, dir, func(done, total int, o retrieve.Outcome) {
			dl.done.Store(int64(done))
			s.events.publish(Event{Type: EventDownload, Data: DownloadEvent{Done: done, Total: total, Outcome: &o}})
		})
		s.recordDownload(dl.startedAt, dir, out)

		s.mu.Lock()
		s.dl = nil
		s.mu.Unlock()

		c := retrieve.Counts(out)
		slog.Info("download finished", "session", s.id,
			"succeeded", c[retrieve.Succeeded], "failed", c[retrieve.Failed], "skipped", c[retrieve.Skipped])
		s.events.publish(Event{Type: EventDownload, Data: DownloadEvent{
			Done: c[retrieve.Succeeded] + c[retrieve.Failed], Total: len(sel), Finished: true,
		}})
	}()

	return dl.snapshot(), nil
}

// CancelDownload stops the running download after its current item.
func (s *Session) CancelDownload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dl == nil {
		return ErrNoActiveDownload
	}
	s.dl.cancel()
	return nil
}

// ActiveDownload returns the running download or nil.
func (s *Session) ActiveDownload() *DownloadProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dl == nil {
		return nil
	}
	return s.dl.snapshot()
}

// WaitDownload blocks until no background download is running.
func (s *Session) WaitDownload() {
	s.dlWG.Wait()
}

// LastDownload returns the outcomes of the most recent download.
func (s *Session) LastDownload() (retrieve.Last, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastDL == nil {
		return retrieve.Last{}, false
	}
	return *s.lastDL, true
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed when the session closes.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// Close cancels running work, waits for it, and removes the working area.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	s.scans.Wait()
	s.dlWG.Wait()
	<-s.alive
	s.events.closeAll()

	var firstErr error
	if err := s.db.Close(); err != nil {
		firstErr = fmt.Errorf("close session database: %w", err)
	}
	if err := s.area.Close(); err != nil && firstErr == nil {
		firstErr = errs.Wrap("session", "", errs.ErrFilesystem, err)
	}
	slog.Info("session closed", "session", s.id)
	return firstErr
}

func (s *Session) recordDownload(started time.Time, dir string, out []retrieve.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDL = &retrieve.Last{StartedAt: started, FinishedAt: time.Now(), Dir: dir, Outcomes: out}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (d *activeDownload) snapshot() *DownloadProgress {
	return &DownloadProgress{
		StartedAt: d.startedAt,
		Dir:       d.dir,
		Total:     d.total,
		Done:      int(d.done.Load()),
	}
}

func checkThreshold(t int) error {
	if t < 0 || t > fingerprint.Bits {
		return fmt.Errorf("%w: %d (want 0..%d)", ErrInvalidThreshold, t, fingerprint.Bits)
	}
	return nil
}
