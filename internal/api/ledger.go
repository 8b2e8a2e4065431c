package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/folio/ledger-service/internal/ledger"
	"github.com/folio/ledger-service/internal/model"
	"github.com/folio/ledger-service/internal/store"
)

// TradeRequest is the JSON body for POST /accounts/{userID}/trades.
// Quantity and price accept JSON numbers or strings.
type TradeRequest struct {
	InstrumentID string           `json:"instrument_id" validate:"required,uuid"`
	Side         model.Side       `json:"side" validate:"required,oneof=buy sell"`
	Quantity     *decimal.Decimal `json:"quantity" validate:"required"`
	PricePerUnit *decimal.Decimal `json:"price_per_unit" validate:"required"`
}

// TransferRequest is the JSON body for POST /accounts/{userID}/transfers.
type TransferRequest struct {
	Kind   model.TransferKind `json:"transfer_type" validate:"required,oneof=deposit withdraw"`
	Amount *decimal.Decimal   `json:"amount" validate:"required"`
}

// CreateTrade handles POST /api/v1/accounts/{userID}/trades
// Executes immediately at the supplied price; returns the new balance, the
// trade record and the updated holding.
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.engine.ExecuteTrade(r.Context(), ledger.TradeIntent{
		UserID:       chi.URLParam(r, "userID"),
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Quantity:     *req.Quantity,
		PricePerUnit: *req.PricePerUnit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListTrades handles GET /api/v1/accounts/{userID}/trades
// Filters: instrument_id, side (buy|sell). Newest first.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	p, ok := page(w, r)
	if !ok {
		return
	}
	side := model.Side(r.URL.Query().Get("side"))
	if side != "" && !side.Valid() {
		writeError(w, http.StatusBadRequest, CodeValidation, "side must be buy or sell")
		return
	}

	trades, total, err := h.store.ListTrades(r.Context(), store.TradeFilter{
		UserID:       chi.URLParam(r, "userID"),
		InstrumentID: r.URL.Query().Get("instrument_id"),
		Side:         side,
		Page:         p,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, "trades", p, trades, total)
}

// GetTrade handles GET /api/v1/accounts/{userID}/trades/{tradeID}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := h.store.GetTrade(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "tradeID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// CreateTransfer handles POST /api/v1/accounts/{userID}/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.engine.ExecuteTransfer(r.Context(), ledger.TransferIntent{
		UserID: chi.URLParam(r, "userID"),
		Kind:   req.Kind,
		Amount: *req.Amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListTransfers handles GET /api/v1/accounts/{userID}/transfers
// Filter: transfer_type (deposit|withdraw). Newest first.
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	p, ok := page(w, r)
	if !ok {
		return
	}
	kind := model.TransferKind(r.URL.Query().Get("transfer_type"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, CodeValidation, "transfer_type must be deposit or withdraw")
		return
	}

	transfers, total, err := h.store.ListTransfers(r.Context(), store.TransferFilter{
		UserID: chi.URLParam(r, "userID"),
		Kind:   kind,
		Page:   p,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, "transfers", p, transfers, total)
}

// GetTransfer handles GET /api/v1/accounts/{userID}/transfers/{transferID}
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.store.GetTransfer(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "transferID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}
