package handler

import (
	"net/http"
	"strconv"

	"pagemeter/internal/apperr"
	"pagemeter/internal/middleware"
	"pagemeter/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// UsageHandler exposes account usage and cost previews.
type UsageHandler struct {
	ledger service.UsageLedger
	logger zerolog.Logger
}

func NewUsageHandler(ledger service.UsageLedger, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{ledger: ledger, logger: logger.With().Str("handler", "UsageHandler").Logger()}
}

func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/accounts/{accountID}/usage", h.getUsage)
	r.Get("/accounts/{accountID}/usage/estimate", h.estimate)
}

// ownAccount resolves the account in the URL; "me" is the caller.
func ownAccount(r *http.Request) (string, error) {
	caller, _ := middleware.AccountID(r.Context())
	id := chi.URLParam(r, "accountID")
	if id == "me" {
		id = caller
	}
	if id == "" || id != caller {
		return "", apperr.NotFound("account", chi.URLParam(r, "accountID"))
	}
	return id, nil
}

func (h *UsageHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	accountID, err := ownAccount(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.ledger.Snapshot(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *UsageHandler) estimate(w http.ResponseWriter, r *http.Request) {
	accountID, err := ownAccount(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pages, err := strconv.Atoi(r.URL.Query().Get("pages"))
	if err != nil || pages <= 0 {
		writeError(w, r, apperr.Validation("pages", "must be a positive integer"))
		return
	}
	est, err := h.ledger.Estimate(r.Context(), accountID, pages)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}
