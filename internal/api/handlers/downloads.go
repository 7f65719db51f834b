package handlers

import (
	"errors"
	"net/http"
	"path/filepath"

	"github.com/eargollo/lookalike/internal/retrieve"
	"github.com/eargollo/lookalike/internal/session"
)

// DownloadsHandler starts, cancels and reports downloads.
type DownloadsHandler struct {
	Session *session.Session
}

type createDownloadRequest struct {
	IDs     []string `json:"ids"`
	DestDir string   `json:"dest_dir"`
}

// Create handles POST /api/downloads. Items are downloaded in request order.
func (h *DownloadsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDownloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "EMPTY_SELECTION", "ids must not be empty")
		return
	}
	if req.DestDir == "" || !filepath.IsAbs(req.DestDir) {
		writeError(w, http.StatusBadRequest, "INVALID_DEST_DIR", "dest_dir must be an absolute path")
		return
	}

	sel, err := h.Session.Selection(req.IDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_MATCH", err.Error())
		return
	}

	dl, err := h.Session.StartDownload(sel, filepath.Clean(req.DestDir))
	if err != nil {
		if errors.Is(err, session.ErrDownloadRunning) {
			writeError(w, http.StatusConflict, "DOWNLOAD_ALREADY_RUNNING", "A download is already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, dl)
}

// Cancel handles DELETE /api/downloads/current.
func (h *DownloadsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.CancelDownload(); err != nil {
		if errors.Is(err, session.ErrNoActiveDownload) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_DOWNLOAD", "No download is currently running")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type lastDownloadResponse struct {
	retrieve.Last
	Counts map[retrieve.Status]int `json:"counts"`
}

// Last handles GET /api/downloads/last.
func (h *DownloadsHandler) Last(w http.ResponseWriter, r *http.Request) {
	last, ok := h.Session.LastDownload()
	if !ok {
		writeError(w, http.StatusNotFound, "NO_DOWNLOAD", "No download has run in this session")
		return
	}
	writeJSON(w, http.StatusOK, lastDownloadResponse{Last: last, Counts: retrieve.Counts(last.Outcomes)})
}
