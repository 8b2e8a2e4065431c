package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/folio/ledger-service/internal/store"
)

// ListHoldings handles GET /api/v1/accounts/{userID}/holdings
// Filters: instrument_id, open=true (drop fully sold positions).
func (h *Handler) ListHoldings(w http.ResponseWriter, r *http.Request) {
	p, ok := page(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	open := false
	if raw := q.Get("open"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "open must be true or false")
			return
		}
		open = v
	}

	views, total, err := h.portfolio.Holdings(r.Context(), store.HoldingFilter{
		UserID:       chi.URLParam(r, "userID"),
		InstrumentID: q.Get("instrument_id"),
		OpenOnly:     open,
		Page:         p,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, "holdings", p, views, total)
}

// GetHolding handles GET /api/v1/accounts/{userID}/holdings/{instrumentID}
func (h *Handler) GetHolding(w http.ResponseWriter, r *http.Request) {
	view, err := h.portfolio.Holding(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "instrumentID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
