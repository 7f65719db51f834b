package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eargollo/lookalike/internal/fingerprint"
)

// ErrAlreadyRunning is returned when a scan is started while one is in progress.
var ErrAlreadyRunning = errors.New("a scan is already in progress")

// ErrNoActiveScan is returned when cancel is called with no scan running.
var ErrNoActiveScan = errors.New("no scan is currently running")

// ActiveScan holds live information about the running scan.
type ActiveScan struct {
	ID          int64
	StartedAt   time.Time
	TriggeredBy string
	Threshold   int
	Progress    *Progress
}

// Manager enforces a single-active-scan invariant and exposes start/cancel.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	scanner *Scanner
	wg      sync.WaitGroup
	nextID  int64

	active   *ActiveScan
	cancelFn context.CancelFunc
	last     *Summary
}

// NewManager creates a Manager running scans with scanner.
func NewManager(scanner *Scanner) *Manager {
	return &Manager{scanner: scanner}
}

// Start launches an asynchronous scan against ref. parentCtx is the base for
// the scan context; cancelling it cancels the scan (e.g. on shutdown).
// Returns an ActiveScan snapshot or ErrAlreadyRunning.
func (m *Manager) Start(parentCtx context.Context, ref fingerprint.Hash, opts Options, triggeredBy string, obs Observer) (*ActiveScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}

	// Create the scan_history record now so the ID is available immediately
	// in the HTTP response, before the goroutine begins executing.
	startedAt := time.Now()
	var scanID int64
	if m.scanner.db != nil {
		id, err := insertScanRecord(m.scanner.db, startedAt, triggeredBy, ref, opts.Threshold)
		if err != nil {
			return nil, fmt.Errorf("create scan record: %w", err)
		}
		scanID = id
	} else {
		m.nextID++
		scanID = m.nextID
	}

	progress := &Progress{}
	scanCtx, cancel := context.WithCancel(parentCtx)

	active := &ActiveScan{
		ID:          scanID,
		StartedAt:   startedAt,
		TriggeredBy: triggeredBy,
		Threshold:   opts.Threshold,
		Progress:    progress,
	}
	m.active = active
	m.cancelFn = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		sum, err := m.scanner.execute(scanCtx, scanID, startedAt, ref, opts, obs, progress)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scan run error", "id", scanID, "error", err)
		}

		m.mu.Lock()
		m.active = nil
		m.cancelFn = nil
		m.last = &sum
		m.mu.Unlock()

		// Observers reacting to completion see the manager idle.
		notifyDone(obs, sum, err)
	}()

	return active, nil
}

// Cancel stops the currently running scan. The candidate in flight finishes
// first. Returns ErrNoActiveScan if idle.
func (m *Manager) Cancel() (*ActiveScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveScan
	}

	snap := *m.active
	m.cancelFn()
	return &snap, nil
}

// ActiveScan returns a snapshot of the running scan, or nil when idle.
func (m *Manager) ActiveScan() *ActiveScan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := *m.active
	return &snap
}

// LastSummary returns the summary of the most recently finished scan.
func (m *Manager) LastSummary() (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Summary{}, false
	}
	return *m.last, true
}

// Wait blocks until no scan goroutine is running.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// HistoryEntry is one row of scan_history.
type HistoryEntry struct {
	ID                 int64   `json:"id"`
	StartedAt          int64   `json:"started_at"`
	FinishedAt         *int64  `json:"finished_at,omitempty"`
	Status             string  `json:"status"`
	TriggeredBy        string  `json:"triggered_by"`
	ReferenceHash      string  `json:"reference_hash"`
	Threshold          int     `json:"threshold"`
	PagesListed        int64   `json:"pages_listed"`
	CandidatesExamined int64   `json:"candidates_examined"`
	Matches            int64   `json:"matches"`
	ErrorsSkipped      int64   `json:"errors_skipped"`
	CacheHits          int64   `json:"cache_hits"`
	CacheMisses        int64   `json:"cache_misses"`
	ErrorMessage       *string `json:"error_message,omitempty"`
}

// History returns up to limit scan_history rows after skipping offset,
// newest first.
func History(ctx context.Context, db *sql.DB, limit, offset int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, triggered_by, reference_hash, threshold,
		       pages_listed, candidates_examined, matches, errors_skipped,
		       cache_hits, cache_misses, error_message
		FROM scan_history
		ORDER BY id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query scan history: %w", err)
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		var finished sql.NullInt64
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.StartedAt, &finished, &e.Status, &e.TriggeredBy,
			&e.ReferenceHash, &e.Threshold, &e.PagesListed, &e.CandidatesExamined,
			&e.Matches, &e.ErrorsSkipped, &e.CacheHits, &e.CacheMisses, &msg); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if finished.Valid {
			e.FinishedAt = &finished.Int64
		}
		if msg.Valid {
			e.ErrorMessage = &msg.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountHistory returns the number of scan_history rows.
func CountHistory(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scan_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count scan history: %w", err)
	}
	return n, nil
}
