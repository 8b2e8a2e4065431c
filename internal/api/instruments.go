package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/folio/ledger-service/internal/model"
	"github.com/folio/ledger-service/internal/store"
)

// CreateInstrumentRequest is the JSON body for POST /instruments.
type CreateInstrumentRequest struct {
	Symbol      string               `json:"symbol" validate:"required,max=16"`
	Name        string               `json:"full_name" validate:"required,max=200"`
	Type        model.InstrumentType `json:"instrument_type" validate:"required,oneof=stock bond etf mutual_fund"`
	Description string               `json:"description" validate:"max=2000"`
	Metadata    json.RawMessage      `json:"metadata"`
}

// CreateInstrument handles POST /api/v1/instruments
func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := &model.Instrument{
		Symbol:      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	if err := h.store.CreateInstrument(r.Context(), in); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("instrument created", "id", in.ID, "symbol", in.Symbol, "type", string(in.Type))
	writeJSON(w, http.StatusCreated, in)
}

// ListInstruments handles GET /api/v1/instruments
// Filters: q (symbol or name, case-insensitive), type. Ordered by symbol.
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	p, ok := page(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	typ := model.InstrumentType(q.Get("type"))
	if typ != "" && !typ.Valid() {
		writeError(w, http.StatusBadRequest, CodeValidation, "type must be one of: stock, bond, etf, mutual_fund")
		return
	}

	instruments, total, err := h.store.ListInstruments(r.Context(), store.InstrumentFilter{
		Query: q.Get("q"),
		Type:  typ,
		Page:  p,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, "instruments", p, instruments, total)
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID}
func (h *Handler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	in, err := h.store.GetInstrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}
