// Package api is the HTTP boundary of the ledger service: request decoding,
// shape validation, and mapping of ledger and store errors to status codes.
// Business rules live in internal/ledger; this package never writes state
// itself except through the engine and the store's create operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/folio/ledger-service/internal/ledger"
	"github.com/folio/ledger-service/internal/portfolio"
	"github.com/folio/ledger-service/internal/store"
)

const maxBodyBytes = 1 << 20

// Error codes produced by this layer. Ledger codes pass through unchanged.
const (
	CodeValidation    = "validation_error"
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeUnavailable   = "service_unavailable"
	CodeInternal      = "internal_server_error"
)

// Deps are the collaborators of a Handler.
type Deps struct {
	Store     store.Store
	Engine    *ledger.Engine
	Portfolio *portfolio.Service
	Logger    *slog.Logger

	// Ping reports backend health for GET /health. Optional.
	Ping func(ctx context.Context) error
}

// Handler serves the /api/v1 routes.
type Handler struct {
	store     store.Store
	engine    *ledger.Engine
	portfolio *portfolio.Service
	logger    *slog.Logger
	ping      func(ctx context.Context) error
	validate  *validator.Validate
}

// New creates a Handler.
func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		store:     d.Store,
		engine:    d.Engine,
		portfolio: d.Portfolio,
		logger:    logger,
		ping:      d.Ping,
		validate:  v,
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": "ledger-service"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ledger-service"})
}

// --- Request helpers ---

// decode reads a JSON body into dst and validates its shape. On failure it
// writes the error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeValidation(w, verrs)
			return false
		}
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return false
	}
	return true
}

// page parses page and page_size. On failure it writes the error response
// and returns false.
func page(w http.ResponseWriter, r *http.Request) (store.Page, bool) {
	q := r.URL.Query()
	p := store.Page{Number: 1, Size: store.DefaultPageSize}

	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, CodeValidation, "page must be a positive integer")
			return p, false
		}
		p.Number = n
	}
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > store.MaxPageSize {
			writeError(w, http.StatusBadRequest, CodeValidation,
				fmt.Sprintf("page_size must be between 1 and %d", store.MaxPageSize))
			return p, false
		}
		p.Size = n
	}
	return p, true
}

// --- Response helpers ---

type errorBody struct {
	Status  string       `json:"status"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Errors  []fieldError `json:"errors,omitempty"`
}

type fieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeList writes one page of a list with its total count.
func writeList[T any](w http.ResponseWriter, resource string, p store.Page, items []T, total int) {
	if items == nil {
		items = []T{}
	}
	start := p.Offset()
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	w.Header().Set("Content-Range", fmt.Sprintf("%s %d-%d/%d", resource, start, start+len(items), total))
	w.Header().Set("Access-Control-Expose-Headers", "X-Total-Count, Content-Range")
	writeJSON(w, http.StatusOK, items)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Status: "error", Code: code, Message: message})
}

func writeValidation(w http.ResponseWriter, verrs validator.ValidationErrors) {
	body := errorBody{Status: "error", Code: CodeValidation, Message: "request validation failed"}
	for _, fe := range verrs {
		body.Errors = append(body.Errors, fieldError{Path: fe.Field(), Message: describe(fe)})
	}
	writeJSON(w, http.StatusBadRequest, body)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "uuid":
		return "must be a UUID"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// fail maps an error from the engine or the store to a response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var le *ledger.Error
	if errors.As(err, &le) {
		switch le.Kind {
		case ledger.KindValidation, ledger.KindRejected:
			writeError(w, http.StatusBadRequest, le.Code, le.Message)
		case ledger.KindRetryable:
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, le.Code, le.Message)
		default:
			h.internal(w, r, err)
		}
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "resource not found")
	case errors.Is(err, store.ErrIntegrity):
		writeError(w, http.StatusConflict, CodeAlreadyExists, "resource already exists")
	case store.IsRetryable(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "temporarily unavailable, retry")
	default:
		h.internal(w, r, err)
	}
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"err", err,
	)
	writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
}
