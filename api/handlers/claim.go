package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
	"github.com/paystreamlabs/paystream/settlement/pkg/schedule"
)

// PaymentRequired describes the payout a pending claim needs.
type PaymentRequired struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Asset     string `json:"asset"`
	PeriodID  uint64 `json:"period_id"`
}

// ClaimResponse is the read-only projection of an employee's next payout.
type ClaimResponse struct {
	Employee string           `json:"employee"`
	PeriodID uint64           `json:"period_id"`
	Status   string           `json:"status"`
	Message  string           `json:"message"`
	Payment  *PaymentRequired `json:"payment,omitempty"`
}

// Claim computes the employee's next expected period and reports whether a
// payout is pending. Pure projection of schedule + vault state; carries no
// settlement logic.
func (h *Handlers) Claim(w http.ResponseWriter, r *http.Request) {
	employee, err := payroll.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeCoreError(w, err)
		return
	}

	periodID, err := h.cfg.Schedule.NextExpectedPeriod(employee)
	if err != nil {
		if errors.Is(err, schedule.ErrNotAssigned) {
			writeError(w, http.StatusNotFound, "no salary configured")
			return
		}
		writeCoreError(w, err)
		return
	}

	resp := ClaimResponse{Employee: employee.String(), PeriodID: periodID}

	if h.cfg.Vault.IsPaid(employee, periodID) {
		resp.Status = "already_paid"
		resp.Message = "already paid"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	due, reason := h.cfg.Schedule.IsDue(employee, periodID)
	if !due {
		resp.Status = "not_due"
		resp.Message = "not currently due"
		if errors.Is(reason, schedule.ErrAlreadyProcessed) {
			resp.Message = "payout in progress"
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	rec, ok := h.cfg.Schedule.Record(employee)
	if !ok {
		writeError(w, http.StatusNotFound, "no salary configured")
		return
	}
	if h.cfg.Vault.PeriodBalance(periodID) < rec.Salary {
		resp.Status = "unfunded"
		resp.Message = "employer has not funded this period yet"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Status = "payment_required"
	resp.Message = "payout pending"
	resp.Payment = &PaymentRequired{
		Recipient: employee.String(),
		Amount:    rec.Salary,
		Asset:     h.cfg.Asset,
		PeriodID:  periodID,
	}
	writeJSON(w, http.StatusOK, resp)
}
