package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
)

// DepositRequest funds a specific pay period from the employer's escrow.
type DepositRequest struct {
	Depositor string `json:"depositor"`
	PeriodID  uint64 `json:"period_id"`
	Amount    uint64 `json:"amount"`
}

// WithdrawRequest reclaims funds not earmarked by any period balance.
type WithdrawRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// StatusResponse summarizes the vault's custody.
type StatusResponse struct {
	TotalBalance    uint64 `json:"total_balance"`
	ReservedBalance uint64 `json:"reserved_balance"`
	Unallocated     uint64 `json:"unallocated"`
}

// Deposit credits escrow funds to a pay period.
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	depositor, err := payroll.ParseAddress(req.Depositor)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if err := h.cfg.Vault.Deposit(r.Context(), depositor, req.PeriodID, req.Amount); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponseFrom(h.cfg.Vault))
}

// Withdraw returns unallocated funds to the employer.
func (h *Handlers) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	to, err := payroll.ParseAddress(req.To)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if err := h.cfg.Vault.WithdrawUnallocated(r.Context(), to, req.Amount); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponseFrom(h.cfg.Vault))
}

// Status reports the vault's balances.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponseFrom(h.cfg.Vault))
}

// StatusResponseFrom snapshots the vault balances.
func StatusResponseFrom(v Vault) StatusResponse {
	total, reserved := v.Balances()
	return StatusResponse{
		TotalBalance:    total,
		ReservedBalance: reserved,
		Unallocated:     total - reserved,
	}
}
