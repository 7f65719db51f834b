package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/eargollo/lookalike/internal/scan"
	"github.com/eargollo/lookalike/internal/session"
)

// DefaultMaxReferenceBytes bounds an uploaded reference document.
const DefaultMaxReferenceBytes = 64 << 20

// ReferenceHandler handles the reference document endpoints.
type ReferenceHandler struct {
	Session  *session.Session
	MaxBytes int64
}

// Put handles PUT /api/reference. The body is the raw PDF.
func (h *ReferenceHandler) Put(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxReferenceBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "reference document too large")
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_BODY", err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "EMPTY_BODY", "request body must be a PDF document")
		return
	}

	hash, img, err := h.Session.SetReference(r.Context(), body)
	if err != nil {
		if errors.Is(err, scan.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "SCAN_ALREADY_RUNNING", "cannot change the reference while a scan is running")
			return
		}
		slog.Warn("reference: rejected", "error", err)
		writeKindError(w, err)
		return
	}

	b := img.Bounds()
	writeJSON(w, http.StatusOK, map[string]any{
		"hash":   hash.String(),
		"width":  b.Dx(),
		"height": b.Dy(),
	})
}

// Preview handles GET /api/reference/preview.
func (h *ReferenceHandler) Preview(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.Session.Reference()
	if !ok {
		writeError(w, http.StatusNotFound, "NO_REFERENCE", "no reference document set")
		return
	}
	servePNG(w, r, ref.ImagePath)
}
