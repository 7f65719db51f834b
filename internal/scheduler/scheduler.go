package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eargollo/lookalike/internal/scan"
	"github.com/eargollo/lookalike/internal/session"
	"github.com/eargollo/lookalike/internal/workarea"
)

// Job names.
const (
	JobSweep  = "sweep"
	JobRescan = "rescan"
)

// Scheduler wraps robfig/cron and tracks the next run of each named job.
type Scheduler struct {
	mu    sync.RWMutex
	c     *cron.Cron
	jobs  map[string]cron.EntryID
	exprs map[string]string
}

// JobInfo describes one scheduled job.
type JobInfo struct {
	Name string    `json:"name"`
	Cron string    `json:"cron"`
	Next time.Time `json:"next"`
}

// New creates a stopped Scheduler. Call Start to activate it.
func New() *Scheduler {
	return &Scheduler{
		c:     cron.New(),
		jobs:  make(map[string]cron.EntryID),
		exprs: make(map[string]string),
	}
}

// SetJob installs fn under name, replacing any job already registered with
// that name. If the scheduler is running, the new job takes effect
// immediately.
func (s *Scheduler) SetJob(name, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.c.AddFunc(expr, fn)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, name, err)
	}
	if old, ok := s.jobs[name]; ok {
		s.c.Remove(old)
	}
	s.jobs[name] = id
	s.exprs[name] = expr
	slog.Info("scheduler: job set", "job", name, "cron", expr)
	return nil
}

// RemoveJob drops the named job, if present.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.c.Remove(id)
		delete(s.jobs, name)
		delete(s.exprs, name)
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// NextRunAt returns the next scheduled time of the named job, or nil.
func (s *Scheduler) NextRunAt(name string) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.jobs[name]
	if !ok {
		return nil
	}
	entry := s.c.Entry(id)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// Jobs lists the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for name, id := range s.jobs {
		out = append(out, JobInfo{Name: name, Cron: s.exprs[name], Next: s.c.Entry(id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SweepJob removes working areas under parent older than maxAge, sparing
// the directories returned by keep.
func SweepJob(parent string, maxAge time.Duration, keep func() []string) func() {
	return func() {
		var k []string
		if keep != nil {
			k = keep()
		}
		if _, err := workarea.SweepStale(parent, maxAge, k...); err != nil {
			slog.Error("scheduler: sweep failed", "error", err)
		}
	}
}

// Rescanner is the part of a session the rescan job needs.
type Rescanner interface {
	Threshold() int
	StartScan(threshold int, triggeredBy string, extra ...scan.Observer) (*scan.ActiveScan, error)
}

// RescanJob starts a scan with the session's current threshold. A missing
// reference or a scan already in progress is not an error.
func RescanJob(r Rescanner) func() {
	return func() {
		active, err := r.StartScan(r.Threshold(), "schedule")
		switch {
		case err == nil:
			slog.Info("scheduler: rescan started", "scan_id", active.ID)
		case errors.Is(err, session.ErrNoReference):
			slog.Debug("scheduler: rescan skipped, no reference")
		case errors.Is(err, scan.ErrAlreadyRunning):
			slog.Info("scheduler: rescan skipped, scan already running")
		default:
			slog.Error("scheduler: rescan failed", "error", err)
		}
	}
}
