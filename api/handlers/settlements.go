package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/paystreamlabs/paystream/settlement/pkg/journal"
	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
)

// SubmitSettlementRequest carries a payment proof for a (employee, period)
// pair. Proof bytes are base64-encoded.
type SubmitSettlementRequest struct {
	Employee string `json:"employee"`
	PeriodID uint64 `json:"period_id"`
	Proof    string `json:"proof"`
}

// SettlementResponse reports the outcome of a proof submission.
type SettlementResponse struct {
	Employee         string    `json:"employee"`
	PeriodID         uint64    `json:"period_id"`
	Amount           uint64    `json:"amount,omitempty"`
	Mode             string    `json:"mode,omitempty"`
	ProofHash        string    `json:"proof_hash,omitempty"`
	SettledAt        time.Time `json:"settled_at,omitzero"`
	AlreadyProcessed bool      `json:"already_processed"`
}

// SettlementListResponse pages through journaled settlements.
type SettlementListResponse struct {
	Settlements []journal.SettlementRow `json:"settlements"`
	Total       int                     `json:"total"`
	HasMore     bool                    `json:"has_more"`
}

// SubmitSettlement registers the proof and finalizes the payout. Repeat
// submissions for a settled pair return already_processed instead of
// consuming another proof.
func (h *Handlers) SubmitSettlement(w http.ResponseWriter, r *http.Request) {
	var req SubmitSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	employee, err := payroll.ParseAddress(req.Employee)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	proofBytes, err := base64.StdEncoding.DecodeString(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "proof must be base64-encoded")
		return
	}

	res, err := h.cfg.Settler.Settle(r.Context(), employee, req.PeriodID, proofBytes)
	if err != nil {
		writeCoreError(w, err)
		return
	}

	resp := SettlementResponse{
		Employee:         employee.String(),
		PeriodID:         req.PeriodID,
		AlreadyProcessed: res.AlreadyProcessed,
	}
	if !res.AlreadyProcessed {
		resp.Amount = res.Receipt.Amount
		resp.Mode = string(res.Receipt.Mode)
		resp.ProofHash = res.Receipt.ProofHash.String()
		resp.SettledAt = res.Receipt.SettledAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSettlements returns journaled settlements, newest first.
func (h *Handlers) ListSettlements(w http.ResponseWriter, r *http.Request) {
	if h.cfg.History == nil {
		writeError(w, http.StatusNotFound, "settlement history is not enabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	employee := r.URL.Query().Get("employee")

	ctx := r.Context()
	total, err := h.cfg.History.CountSettlements(ctx, employee)
	if err != nil {
		h.log.Error("handlers: failed to count settlements", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count settlements")
		return
	}
	rows, err := h.cfg.History.ListSettlements(ctx, employee, limit, offset)
	if err != nil {
		h.log.Error("handlers: failed to list settlements", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list settlements")
		return
	}

	writeJSON(w, http.StatusOK, SettlementListResponse{
		Settlements: rows,
		Total:       total,
		HasMore:     offset+len(rows) < total,
	})
}
