package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/folio/ledger-service/internal/model"
)

// CreateAccountRequest is the JSON body for POST /accounts. A missing
// user_id is generated.
type CreateAccountRequest struct {
	UserID string `json:"user_id" validate:"omitempty,max=64"`
	Name   string `json:"name" validate:"max=200"`
	Email  string `json:"email" validate:"omitempty,email,max=320"`
}

// CreateAccount handles POST /api/v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.New().String()
	}

	account := &model.Account{
		UserID: req.UserID,
		Name:   req.Name,
		Email:  req.Email,
	}
	if err := h.store.CreateAccount(r.Context(), account); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("account created", "user", account.UserID)
	writeJSON(w, http.StatusCreated, account)
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.store.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetSummary handles GET /api/v1/accounts/{userID}/summary
// Returns cash, holdings totals at current quotes, and net worth.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.portfolio.Summary(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetAudit handles GET /api/v1/accounts/{userID}/audit
// Replays the account's logs and compares them with the stored state.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Reconcile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
