package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/fingerprint"
	"github.com/eargollo/lookalike/internal/ledger"
	"github.com/eargollo/lookalike/internal/render"
	"github.com/eargollo/lookalike/internal/store"
	"github.com/eargollo/lookalike/internal/workarea"
)

// Options tunes one scan.
type Options struct {
	// Threshold is the largest Hamming distance that counts as a match.
	Threshold int
	// ThumbWidth and ThumbHeight bound the preview size.
	ThumbWidth  int
	ThumbHeight int
	// CandidateTimeout bounds fetch+render of one candidate. Zero means none.
	CandidateTimeout time.Duration
}

// DefaultOptions mirrors the defaults of the config file.
func DefaultOptions() Options {
	return Options{
		Threshold:        5,
		ThumbWidth:       200,
		ThumbHeight:      250,
		CandidateTimeout: 2 * time.Minute,
	}
}

// Scanner walks the remote collection and records documents whose first page
// is within Threshold of a reference fingerprint.
type Scanner struct {
	client   store.Client
	renderer render.Renderer
	area     *workarea.Area
	ledger   *ledger.Ledger
	db       *sql.DB
	cache    *Cache
	hashFn   func(image.Image) (fingerprint.Hash, error)
}

// New creates a Scanner. db may be nil, in which case no history is written
// and fingerprints are not cached.
func New(client store.Client, renderer render.Renderer, area *workarea.Area, led *ledger.Ledger, db *sql.DB) *Scanner {
	return &Scanner{
		client:   client,
		renderer: render.Guard(renderer),
		area:     area,
		ledger:   led,
		db:       db,
		cache:    NewCache(db),
		hashFn:   fingerprint.Fingerprint,
	}
}

// Run is the standalone entry point: creates a scan_history row (when a
// database is attached), executes the scan, and returns the final summary.
func (s *Scanner) Run(ctx context.Context, ref fingerprint.Hash, opts Options, obs Observer, progress *Progress) (Summary, error) {
	startedAt := time.Now()
	var scanID int64
	if s.db != nil {
		id, err := insertScanRecord(s.db, startedAt, "manual", ref, opts.Threshold)
		if err != nil {
			return Summary{}, fmt.Errorf("create scan record: %w", err)
		}
		scanID = id
	}
	sum, err := s.execute(ctx, scanID, startedAt, ref, opts, obs, progress)
	notifyDone(obs, sum, err)
	return sum, err
}

// notifyDone delivers the terminal events: OnError for an aborted scan, then
// OnComplete.
func notifyDone(obs Observer, sum Summary, runErr error) {
	if obs == nil {
		return
	}
	if sum.Status == StatusAborted && runErr != nil {
		obs.OnError(errs.KindOf(runErr), runErr.Error())
	}
	obs.OnComplete(sum)
}

// execute runs the scan for an already-created scan record. It does not
// deliver the terminal events; callers do that with notifyDone once the
// scan is no longer reported as active.
func (s *Scanner) execute(ctx context.Context, scanID int64, startedAt time.Time, ref fingerprint.Hash, opts Options, obs Observer, progress *Progress) (Summary, error) {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	if progress == nil {
		progress = &Progress{}
	}
	slog.Info("scan started", "id", scanID, "reference", ref, "threshold", opts.Threshold)

	var stopReporter func()
	if s.db != nil {
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			progressReporter(ctx, s.db, scanID, progress, stop)
		}()
		stopReporter = func() { close(stop); <-done }
	}

	runErr := s.walk(ctx, scanID, ref, opts, obs, progress)

	status := StatusCompleted
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		status = StatusCancelled
	default:
		status = StatusAborted
	}

	if stopReporter != nil {
		stopReporter()
	}

	sum := progress.Snapshot(scanID, status)
	if s.db != nil {
		finishedAt := time.Now()
		if err := finaliseScanRecord(s.db, scanID, status, finishedAt.Unix(),
			int64(finishedAt.Sub(startedAt).Seconds()), progress, runErr); err != nil {
			slog.Error("finalise scan record", "id", scanID, "error", err)
		}
	}

	if status == StatusAborted {
		slog.Error("scan aborted", "id", scanID, "error", runErr)
	}

	slog.Info("scan finished", "id", scanID, "status", status,
		"examined", sum.CandidatesExamined, "matches", sum.MatchCount, "errors", sum.ErrorsSkipped)
	return sum, runErr
}

// walk consumes the enumeration one candidate at a time. Cancellation is
// observed only between candidates.
func (s *Scanner) walk(ctx context.Context, scanID int64, ref fingerprint.Hash, opts Options, obs Observer, progress *Progress) error {
	s.ledger.Clear()

	enumCtx, stopEnum := context.WithCancel(ctx)
	defer stopEnum()

	candidates := make(chan store.Candidate, store.MaxPageSize)
	enumErr := make(chan error, 1)
	go func() {
		enumErr <- Enumerate(enumCtx, s.client, progress, candidates)
	}()

	report := s.errorReporter(scanID, progress)

	for c := range candidates {
		if err := ctx.Err(); err != nil {
			stopEnum()
			for range candidates {
			} // drain so Enumerate can exit
			<-enumErr
			return err
		}

		progress.CandidatesExamined.Add(1)
		rec, matched, stage, err := s.examine(ctx, scanID, c, ref, opts, progress)
		switch {
		case err != nil:
			report(c.ID, stage, err)
		case matched:
			if addErr := s.ledger.Add(rec); addErr != nil {
				slog.Debug("scan: ledger add", "id", c.ID, "error", addErr)
				break
			}
			progress.Matches.Add(1)
			slog.Info("match found", "id", c.ID, "name", c.Name, "distance", rec.Distance)
			obs.OnMatch(rec)
		}
		obs.OnProgress(progress.Snapshot(scanID, StatusRunning))
	}

	if err := <-enumErr; err != nil {
		return err
	}
	return ctx.Err()
}

// examine evaluates one candidate. It returns the failing stage alongside any
// per-candidate error.
func (s *Scanner) examine(ctx context.Context, scanID int64, c store.Candidate, ref fingerprint.Hash, opts Options, progress *Progress) (ledger.Record, bool, string, error) {
	// In-flight work is not interrupted by scan cancellation.
	workCtx := context.WithoutCancel(ctx)
	if opts.CandidateTimeout > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(workCtx, opts.CandidateTimeout)
		defer cancel()
	}

	hash, cached, err := s.cache.Lookup(workCtx, c.ID, c.Version)
	if err != nil {
		slog.Warn("scan: cache lookup", "id", c.ID, "error", err)
	}
	if cached {
		progress.CacheHits.Add(1)
		d := fingerprint.Distance(ref, hash)
		if d > opts.Threshold {
			return ledger.Record{}, false, "", nil
		}
		if s.area.HasPreview(c.ID) {
			return ledger.Record{ID: c.ID, Name: c.Name, Distance: d, PreviewPath: s.area.PreviewPath(c.ID)}, true, "", nil
		}
	} else {
		progress.CacheMisses.Add(1)
	}

	t0 := time.Now()
	data, err := s.client.FetchBytes(workCtx, c.ID)
	progress.FetchMs.Add(time.Since(t0).Milliseconds())
	if err != nil {
		return ledger.Record{}, false, "fetch", err
	}
	progress.BytesFetched.Add(int64(len(data)))

	t0 = time.Now()
	img, err := s.renderer.FirstPage(workCtx, data)
	progress.RenderMs.Add(time.Since(t0).Milliseconds())
	if err != nil {
		return ledger.Record{}, false, "render", err
	}

	if !cached {
		hash, err = s.hashFn(img)
		if err != nil {
			return ledger.Record{}, false, "fingerprint", err
		}
		if err := s.cache.Store(workCtx, scanID, c.ID, c.Version, hash); err != nil {
			slog.Warn("scan: cache store", "id", c.ID, "error", err)
		}
	}

	d := fingerprint.Distance(ref, hash)
	if d > opts.Threshold {
		return ledger.Record{}, false, "", nil
	}

	path, err := s.area.SavePreview(c.ID, render.Thumbnail(img, opts.ThumbWidth, opts.ThumbHeight))
	if err != nil {
		return ledger.Record{}, false, "preview", err
	}
	return ledger.Record{ID: c.ID, Name: c.Name, Distance: d, PreviewPath: path}, true, "", nil
}

// errorReporter counts, logs and (when a database is attached) persists a
// per-candidate failure.
func (s *Scanner) errorReporter(scanID int64, progress *Progress) ErrorReporter {
	return func(id, stage string, err error) {
		progress.ErrorsSkipped.Add(1)
		kind := errs.KindOf(err)
		slog.Warn("candidate skipped", "id", id, "stage", stage, "kind", kind, "error", err)
		if s.db == nil {
			return
		}
		if _, dbErr := s.db.Exec(`
			INSERT INTO scan_errors (scan_id, candidate_id, stage, kind, message, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			scanID, id, stage, string(kind), err.Error(), time.Now().Unix(),
		); dbErr != nil {
			slog.Warn("persist scan error", "id", id, "error", dbErr)
		}
	}
}

// progressReporter writes the current progress counters to scan_history every
// second until stop is closed.
func progressReporter(ctx context.Context, db *sql.DB, scanID int64, p *Progress, stop <-chan struct{}) {
	flush := func() {
		_, err := db.Exec(`
			UPDATE scan_history
			SET pages_listed        = ?,
			    candidates_examined = ?,
			    matches             = ?,
			    errors_skipped      = ?,
			    cache_hits          = ?,
			    cache_misses        = ?,
			    bytes_fetched       = ?
			WHERE id = ?`,
			p.PagesListed.Load(),
			p.CandidatesExamined.Load(),
			p.Matches.Load(),
			p.ErrorsSkipped.Load(),
			p.CacheHits.Load(),
			p.CacheMisses.Load(),
			p.BytesFetched.Load(),
			scanID)
		if err != nil {
			slog.Warn("progress reporter: update failed", "error", err)
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			flush()
		case <-stop:
			return
		case <-ctx.Done():
			// Keep flushing until stop: the scan finishes its current
			// candidate after cancellation.
			ctx = context.Background()
		}
	}
}

// ── DB helpers ────────────────────────────────────────────────────────────────

func insertScanRecord(db *sql.DB, startedAt time.Time, triggeredBy string, ref fingerprint.Hash, threshold int) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO scan_history
			(started_at, status, triggered_by, reference_hash, threshold)
		VALUES (?, 'running', ?, ?, ?)`,
		startedAt.Unix(), triggeredBy, ref.String(), threshold)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func finaliseScanRecord(db *sql.DB, scanID int64, status Status, finishedAt, durationSecs int64, p *Progress, runErr error) error {
	var msg any
	if runErr != nil {
		msg = runErr.Error()
	}
	_, err := db.Exec(`
		UPDATE scan_history
		SET status              = ?,
		    finished_at         = ?,
		    duration_seconds    = ?,
		    pages_listed        = ?,
		    candidates_examined = ?,
		    matches             = ?,
		    errors_skipped      = ?,
		    cache_hits          = ?,
		    cache_misses        = ?,
		    bytes_fetched       = ?,
		    error_message       = ?
		WHERE id = ?`,
		string(status), finishedAt, durationSecs,
		p.PagesListed.Load(),
		p.CandidatesExamined.Load(),
		p.Matches.Load(),
		p.ErrorsSkipped.Load(),
		p.CacheHits.Load(),
		p.CacheMisses.Load(),
		p.BytesFetched.Load(),
		msg,
		scanID)
	return err
}
