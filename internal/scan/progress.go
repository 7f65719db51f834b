package scan

import (
	"sync/atomic"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/ledger"
)

// Status is the terminal state of a scan.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	// StatusAborted means enumeration failed (auth or exhausted retries).
	StatusAborted   Status = "aborted"
	StatusCancelled Status = "cancelled"
)

// Progress holds live counters updated by the scan goroutine.
// All fields are atomic so they can be read from HTTP handlers without locks.
type Progress struct {
	PagesListed        atomic.Int64
	CandidatesExamined atomic.Int64
	Matches            atomic.Int64
	ErrorsSkipped      atomic.Int64
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
	BytesFetched       atomic.Int64
	// Timing counters (milliseconds, accumulated across candidates)
	FetchMs  atomic.Int64
	RenderMs atomic.Int64
}

// Summary is a point-in-time view of a scan.
type Summary struct {
	ScanID             int64  `json:"scan_id"`
	Status             Status `json:"status"`
	MatchCount         int64  `json:"match_count"`
	CandidatesExamined int64  `json:"candidates_examined"`
	ErrorsSkipped      int64  `json:"errors_skipped"`
	PagesListed        int64  `json:"pages_listed"`
	CacheHits          int64  `json:"cache_hits"`
	CacheMisses        int64  `json:"cache_misses"`
	FetchMs            int64  `json:"fetch_ms"`
	RenderMs           int64  `json:"render_ms"`
}

// Snapshot reads the counters into a Summary.
func (p *Progress) Snapshot(scanID int64, status Status) Summary {
	return Summary{
		ScanID:             scanID,
		Status:             status,
		MatchCount:         p.Matches.Load(),
		CandidatesExamined: p.CandidatesExamined.Load(),
		ErrorsSkipped:      p.ErrorsSkipped.Load(),
		PagesListed:        p.PagesListed.Load(),
		CacheHits:          p.CacheHits.Load(),
		CacheMisses:        p.CacheMisses.Load(),
		FetchMs:            p.FetchMs.Load(),
		RenderMs:           p.RenderMs.Load(),
	}
}

// Observer receives scan events. All calls for one scan come from the scan
// goroutine, in the order the events happen.
type Observer interface {
	OnMatch(rec ledger.Record)
	OnProgress(sum Summary)
	OnComplete(sum Summary)
	OnError(kind errs.Kind, message string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Match    func(ledger.Record)
	Progress func(Summary)
	Complete func(Summary)
	Error    func(errs.Kind, string)
}

func (o ObserverFuncs) OnMatch(rec ledger.Record) {
	if o.Match != nil {
		o.Match(rec)
	}
}

func (o ObserverFuncs) OnProgress(sum Summary) {
	if o.Progress != nil {
		o.Progress(sum)
	}
}

func (o ObserverFuncs) OnComplete(sum Summary) {
	if o.Complete != nil {
		o.Complete(sum)
	}
}

func (o ObserverFuncs) OnError(kind errs.Kind, message string) {
	if o.Error != nil {
		o.Error(kind, message)
	}
}

// Observers fans every event out to each element in order.
type Observers []Observer

func (obs Observers) OnMatch(rec ledger.Record) {
	for _, o := range obs {
		o.OnMatch(rec)
	}
}

func (obs Observers) OnProgress(sum Summary) {
	for _, o := range obs {
		o.OnProgress(sum)
	}
}

func (obs Observers) OnComplete(sum Summary) {
	for _, o := range obs {
		o.OnComplete(sum)
	}
}

func (obs Observers) OnError(kind errs.Kind, message string) {
	for _, o := range obs {
		o.OnError(kind, message)
	}
}

// ErrorReporter records a per-candidate failure: increments the error
// counter, emits a structured warning log, and persists the event to the
// scan_errors table.
type ErrorReporter func(id, stage string, err error)
