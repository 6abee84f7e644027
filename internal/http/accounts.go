package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/davidbz/tollgate/internal/domain"
)

const defaultTransactionLimit = 100

type createAccountRequest struct {
	ID             string        `json:"id"`
	InitialBalance domain.Micros `json:"initial_balance"`
}

type fundRequest struct {
	Amount domain.Micros `json:"amount"`
}

// HandleCreateAccount opens an account with an optional initial balance.
func (h *Handler) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	acct, err := h.accounts.CreateAccount(r.Context(), req.ID, req.InitialBalance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// HandleFund credits an account.
func (h *Handler) HandleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tx, err := h.accounts.Fund(r.Context(), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// HandleCloseAccount closes an account.
func (h *Handler) HandleCloseAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.CloseAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleBalance returns available, reserved and total amounts.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.accounts.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// HandleTransactions lists an account's most recent ledger entries.
func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultTransactionLimit)
	txs, err := h.accounts.Transactions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// HandleAnalytics returns spend and savings totals for an account.
func (h *Handler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.Analytics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
