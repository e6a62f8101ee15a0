/**
 * @description
 * HTTP handlers for the savings endpoints: deposit, withdraw, yield claim,
 * and lazily-accrued position reads.
 */

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/corridorpay/ledger-service/internal/domain"
)

// savingsPositionResponse is the JSON shape for a savings position view.
type savingsPositionResponse struct {
	Currency        string `json:"currency"`
	Principal       string `json:"principal"`
	APYBasisPoints  int64  `json:"apy_basis_points"`
	AccruedInterest string `json:"accrued_interest"`
	TotalValue      string `json:"total_value"`
}

func buildSavingsPositionResponse(position *domain.SavingsPosition) savingsPositionResponse {
	return savingsPositionResponse{
		Currency:        position.Currency.String(),
		Principal:       position.Principal.String(),
		APYBasisPoints:  position.APYBasisPoints,
		AccruedInterest: position.AccruedUnclaimed.String(),
		TotalValue:      position.Principal.Add(position.AccruedUnclaimed).String(),
	}
}

// SavingsDepositHandler moves funds from the spending balance into savings.
func (h *LedgerHandlers) SavingsDepositHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	var req domain.SavingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	position, err := h.savings.Deposit(r.Context(), address, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildSavingsPositionResponse(position))
}

// SavingsWithdrawHandler moves funds from savings back to the spending
// balance, interest before principal.
func (h *LedgerHandlers) SavingsWithdrawHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	var req domain.SavingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	position, err := h.savings.Withdraw(r.Context(), address, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildSavingsPositionResponse(position))
}

// ClaimYieldHandler moves only the accrued interest to the spending balance.
func (h *LedgerHandlers) ClaimYieldHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	position, yield, err := h.savings.ClaimYield(r.Context(), address, chi.URLParam(r, "currency"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"claimed":  yield.String(),
		"position": buildSavingsPositionResponse(position),
	})
}

// GetSavingsPositionHandler returns one lazily-accrued position.
func (h *LedgerHandlers) GetSavingsPositionHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	currency, err := domain.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	position, err := h.savings.Position(r.Context(), address, currency)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildSavingsPositionResponse(position))
}

// ListSavingsPositionsHandler returns every position the caller holds.
func (h *LedgerHandlers) ListSavingsPositionsHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	positions, err := h.savings.ListPositions(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	responses := make([]savingsPositionResponse, 0, len(positions))
	for i := range positions {
		responses = append(responses, buildSavingsPositionResponse(&positions[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": responses})
}
