/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's account and
 * money-movement endpoints. Handlers are responsible for parsing incoming
 * requests, calling the appropriate methods on the application engines, and
 * writing the HTTP response. They act as the bridge between the web layer and
 * the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: Engines, models, and
 *   custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/corridorpay/ledger-service/internal/app"
	"github.com/corridorpay/ledger-service/internal/domain"
	"github.com/corridorpay/ledger-service/internal/store"
)

// LedgerHandlers holds the application engines that handlers will use.
type LedgerHandlers struct {
	ledger  *app.Ledger
	savings *app.Savings
	loans   *app.Loans
	gate    *app.Gate
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(ledger *app.Ledger, savings *app.Savings, loans *app.Loans, gate *app.Gate) *LedgerHandlers {
	return &LedgerHandlers{ledger: ledger, savings: savings, loans: loans, gate: gate}
}

// transactionResponse is the JSON shape for a transaction record. Decimal
// fields are rendered as strings so clients never round them through floats.
type transactionResponse struct {
	TransactionID string  `json:"transaction_id"`
	Reference     string  `json:"reference"`
	Kind          string  `json:"kind"`
	Source        string  `json:"source"`
	Destination   string  `json:"destination"`
	FromCurrency  string  `json:"from_currency"`
	ToCurrency    string  `json:"to_currency"`
	Amount        string  `json:"amount"`
	Fee           string  `json:"fee"`
	CrossRate     string  `json:"cross_rate,omitempty"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func buildTransactionResponse(tx *domain.Transaction) transactionResponse {
	resp := transactionResponse{
		TransactionID: tx.ID.String(),
		Reference:     tx.Reference,
		Kind:          tx.Kind,
		Source:        tx.Source,
		Destination:   tx.Destination,
		FromCurrency:  tx.FromCurrency.String(),
		ToCurrency:    tx.ToCurrency.String(),
		Amount:        tx.Amount.String(),
		Fee:           tx.Fee.String(),
		Status:        tx.Status,
		FailureReason: tx.FailureReason,
		CreatedAt:     tx.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if !tx.CrossRate.IsZero() {
		resp.CrossRate = tx.CrossRate.String()
	}
	return resp
}

// accountResponse is the JSON shape for an account with its balances.
type accountResponse struct {
	Address     string            `json:"address"`
	Balances    map[string]string `json:"balances"`
	KYCTier     string            `json:"kyc_tier"`
	CreditScore int               `json:"credit_score"`
}

func buildAccountResponse(account *domain.Account) accountResponse {
	balances := make(map[string]string, len(account.Balances))
	for currency, amount := range account.Balances {
		balances[currency.String()] = amount.String()
	}
	return accountResponse{
		Address:     account.Address,
		Balances:    balances,
		KYCTier:     account.KYCTier.String(),
		CreditScore: account.CreditScore,
	}
}

// CreateAccountHandler provisions an account for the authenticated caller.
func (h *LedgerHandlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	account, err := h.ledger.CreateAccount(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildAccountResponse(account))
}

// GetAccountHandler returns the caller's account and balances.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	account, err := h.ledger.GetAccount(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildAccountResponse(account))
}

// KYCStatusHandler returns the caller's tier, ceilings, and window usage.
func (h *LedgerHandlers) KYCStatusHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	tier, err := h.gate.CurrentTier(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	day, month, err := h.gate.Usage(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	ceilings := app.CeilingsForTier(tier)

	h.writeJSON(w, http.StatusOK, map[string]string{
		"tier":            tier.String(),
		"daily_ceiling":   ceilings.Daily.String(),
		"monthly_ceiling": ceilings.Monthly.String(),
		"daily_used":      day.String(),
		"monthly_used":    month.String(),
	})
}

// DepositHandler credits an externally settled deposit.
func (h *LedgerHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	var req domain.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.ledger.Deposit(r.Context(), address, req)
	if err != nil {
		h.writeMovementError(w, tx, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildTransactionResponse(tx))
}

// WithdrawHandler debits a balance for external settlement.
func (h *LedgerHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	var req domain.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.ledger.Withdraw(r.Context(), address, req)
	if err != nil {
		h.writeMovementError(w, tx, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildTransactionResponse(tx))
}

// TransferHandler handles transfers and same-account exchanges.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.ledger.Transfer(r.Context(), address, req)
	if err != nil {
		h.writeMovementError(w, tx, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildTransactionResponse(tx))
}

// ListTransactionsHandler returns the caller's transaction history.
func (h *LedgerHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	transactions, err := h.ledger.ListTransactions(r.Context(), address, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	responses := make([]transactionResponse, 0, len(transactions))
	for i := range transactions {
		responses = append(responses, buildTransactionResponse(&transactions[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": responses})
}

// GetTransactionHandler returns a single transaction record.
func (h *LedgerHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransactionResponse(tx))
}

// writeMovementError writes the error for a money movement. A movement that
// produced a failed transaction record returns that record alongside the
// error so the caller sees the audit trail.
func (h *LedgerHandlers) writeMovementError(w http.ResponseWriter, tx *domain.Transaction, err error) {
	status := h.statusFor(err)
	if tx != nil && tx.Status == domain.TxStatusFailed {
		h.writeJSON(w, status, map[string]interface{}{
			"error":       err.Error(),
			"transaction": buildTransactionResponse(tx),
		})
		return
	}
	h.writeError(w, status, err.Error())
}

// writeServiceError maps an engine/store error to an HTTP response.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, err error) {
	status := h.statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, status, "Internal server error")
		return
	}
	h.writeError(w, status, err.Error())
}

func (h *LedgerHandlers) statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrPositionNotFound),
		errors.Is(err, store.ErrLoanNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrLimitExceeded):
		return http.StatusForbidden
	case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidCurrency):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrRateUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, app.ErrInvalidState), errors.Is(err, store.ErrLoanStateConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
