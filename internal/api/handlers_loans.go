/**
 * @description
 * HTTP handlers for the microloan endpoints: application, operator decisions,
 * repayment, and reads. Operator identity comes from the authenticated token
 * subject; the engine enforces the operator registry check.
 */

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/corridorpay/ledger-service/internal/domain"
)

// loanResponse is the JSON shape for a loan.
type loanResponse struct {
	LoanID           string   `json:"loan_id"`
	Address          string   `json:"address"`
	Principal        string   `json:"principal"`
	Currency         string   `json:"currency"`
	APRBasisPoints   int64    `json:"apr_basis_points"`
	TermDays         int      `json:"term_days"`
	Purpose          string   `json:"purpose"`
	State            string   `json:"state"`
	DisbursedAt      *string  `json:"disbursed_at,omitempty"`
	Deadline         *string  `json:"deadline,omitempty"`
	RemainingBalance string   `json:"remaining_balance"`
	RejectionReason  *string  `json:"rejection_reason,omitempty"`
	RepaymentRefs    []string `json:"repayment_refs,omitempty"`
}

func buildLoanResponse(loan *domain.Loan) loanResponse {
	resp := loanResponse{
		LoanID:           loan.ID.String(),
		Address:          loan.Address,
		Principal:        loan.Principal.String(),
		Currency:         loan.Currency.String(),
		APRBasisPoints:   loan.APRBasisPoints,
		TermDays:         loan.TermDays,
		Purpose:          loan.Purpose,
		State:            loan.State,
		RemainingBalance: loan.RemainingBalance.String(),
		RejectionReason:  loan.RejectionReason,
	}
	if loan.DisbursedAt != nil {
		formatted := loan.DisbursedAt.Format("2006-01-02T15:04:05Z07:00")
		resp.DisbursedAt = &formatted
	}
	if loan.Deadline != nil {
		formatted := loan.Deadline.Format("2006-01-02T15:04:05Z07:00")
		resp.Deadline = &formatted
	}
	for _, ref := range loan.RepaymentRefs {
		resp.RepaymentRefs = append(resp.RepaymentRefs, ref.String())
	}
	return resp
}

// ApplyLoanHandler opens a loan application for the caller.
func (h *LedgerHandlers) ApplyLoanHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	var req domain.LoanApplication
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	loan, err := h.loans.Apply(r.Context(), address, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildLoanResponse(loan))
}

// ApproveLoanHandler activates and disburses a pending loan. Operator-only.
func (h *LedgerHandlers) ApproveLoanHandler(w http.ResponseWriter, r *http.Request) {
	operator, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid loan id")
		return
	}

	loan, err := h.loans.Approve(r.Context(), operator, loanID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildLoanResponse(loan))
}

// RejectLoanHandler finalizes a pending loan as rejected. Operator-only.
func (h *LedgerHandlers) RejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	operator, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid loan id")
		return
	}

	var req domain.LoanDecision
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	loan, err := h.loans.Reject(r.Context(), operator, loanID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildLoanResponse(loan))
}

// RepayLoanHandler applies a repayment to the caller's active loan.
func (h *LedgerHandlers) RepayLoanHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid loan id")
		return
	}

	var req domain.LoanRepaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	loan, err := h.loans.Repay(r.Context(), address, loanID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildLoanResponse(loan))
}

// GetLoanHandler returns a loan by id, settling lazy default first.
func (h *LedgerHandlers) GetLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid loan id")
		return
	}

	loan, err := h.loans.Get(r.Context(), loanID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildLoanResponse(loan))
}

// ListLoansHandler returns the caller's loans, newest first.
func (h *LedgerHandlers) ListLoansHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := GetAccountAddress(r.Context())
	if !ok {
		http.Error(w, "Could not get account address from context", http.StatusInternalServerError)
		return
	}

	loans, err := h.loans.List(r.Context(), address)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	responses := make([]loanResponse, 0, len(loans))
	for i := range loans {
		responses = append(responses, buildLoanResponse(&loans[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"loans": responses})
}
