package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/lookalike/internal/ledger"
	"github.com/eargollo/lookalike/internal/session"
)

// MatchesHandler serves the result ledger.
type MatchesHandler struct {
	Session *session.Session
}

type matchItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Distance int    `json:"distance"`
}

func toMatchItem(rec ledger.Record) matchItem {
	return matchItem{ID: rec.ID, Name: rec.Name, Distance: rec.Distance}
}

// List handles GET /api/matches in discovery order.
func (h *MatchesHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	all := h.Session.Matches()

	items := make([]matchItem, 0, len(all))
	for _, rec := range page(all, limit, offset) {
		items = append(items, toMatchItem(rec))
	}
	writeJSON(w, http.StatusOK, ListResponse[matchItem]{
		Items:  items,
		Total:  len(all),
		Limit:  limit,
		Offset: offset,
	})
}

// Preview handles GET /api/matches/{id}/preview.
func (h *MatchesHandler) Preview(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.Session.Match(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such match")
		return
	}
	servePNG(w, r, rec.PreviewPath)
}
