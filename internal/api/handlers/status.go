package handlers

import (
	"net/http"
	"time"

	"github.com/eargollo/lookalike/internal/scan"
	"github.com/eargollo/lookalike/internal/scheduler"
	"github.com/eargollo/lookalike/internal/session"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	Session *session.Session
	Sched   *scheduler.Scheduler
	Version string
}

type statusResponse struct {
	Version        string                    `json:"version"`
	SessionID      string                    `json:"session_id"`
	Reference      *referenceInfo            `json:"reference"`
	Threshold      int                       `json:"threshold"`
	ActiveScan     *activeScanInfo           `json:"active_scan"`
	LastScan       *scan.Summary             `json:"last_scan"`
	MatchCount     int                       `json:"match_count"`
	ActiveDownload *session.DownloadProgress `json:"active_download"`
	Schedule       []scheduler.JobInfo       `json:"schedule"`
}

type referenceInfo struct {
	Hash  string    `json:"hash"`
	SetAt time.Time `json:"set_at"`
}

type activeScanInfo struct {
	ID          int64        `json:"id"`
	StartedAt   time.Time    `json:"started_at"`
	TriggeredBy string       `json:"triggered_by"`
	Threshold   int          `json:"threshold"`
	Progress    scan.Summary `json:"progress"`
}

// ServeHTTP returns the session status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := h.Session
	resp := statusResponse{
		Version:        h.Version,
		SessionID:      s.ID(),
		Threshold:      s.Threshold(),
		MatchCount:     len(s.Matches()),
		ActiveDownload: s.ActiveDownload(),
		Schedule:       []scheduler.JobInfo{},
	}
	if ref, ok := s.Reference(); ok {
		resp.Reference = &referenceInfo{Hash: ref.Hash.String(), SetAt: ref.SetAt.UTC()}
	}
	if a := s.ActiveScan(); a != nil {
		resp.ActiveScan = &activeScanInfo{
			ID:          a.ID,
			StartedAt:   a.StartedAt.UTC(),
			TriggeredBy: a.TriggeredBy,
			Threshold:   a.Threshold,
			Progress:    a.Progress.Snapshot(a.ID, scan.StatusRunning),
		}
	}
	if sum, ok := s.LastScan(); ok {
		resp.LastScan = &sum
	}
	if h.Sched != nil {
		resp.Schedule = h.Sched.Jobs()
	}
	writeJSON(w, http.StatusOK, resp)
}
