package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/lookalike/internal/scan"
	"github.com/eargollo/lookalike/internal/session"
)

// ScansHandler handles scan-related API endpoints.
type ScansHandler struct {
	Session *session.Session
}

type createScanRequest struct {
	Threshold *int `json:"threshold"`
}

// Create handles POST /api/scans and starts a scan against the reference.
func (h *ScansHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	threshold := h.Session.Threshold()
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	active, err := h.Session.StartScan(threshold, "manual")
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "SCAN_ALREADY_RUNNING", "A scan is already in progress")
		case errors.Is(err, session.ErrNoReference):
			writeError(w, http.StatusPreconditionFailed, "NO_REFERENCE", "Set a reference document first")
		case errors.Is(err, session.ErrInvalidThreshold):
			writeError(w, http.StatusBadRequest, "INVALID_THRESHOLD", err.Error())
		default:
			slog.Error("scans: start", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start scan")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":           active.ID,
		"status":       scan.StatusRunning,
		"threshold":    active.Threshold,
		"started_at":   active.StartedAt.UTC().Format(time.RFC3339),
		"triggered_by": active.TriggeredBy,
	})
}

// Cancel handles DELETE /api/scans/current.
func (h *ScansHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Session.CancelScan()
	if err != nil {
		if errors.Is(err, scan.ErrNoActiveScan) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_SCAN", "No scan is currently running")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         snap.ID,
		"status":     "cancelling",
		"started_at": snap.StartedAt.UTC().Format(time.RFC3339),
	})
}

// List handles GET /api/scans, newest first.
func (h *ScansHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	items, total, err := h.Session.ScanHistory(r.Context(), limit, offset)
	if err != nil {
		slog.Error("scans list: query", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[scan.HistoryEntry]{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
