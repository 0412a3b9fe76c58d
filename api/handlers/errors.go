package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/paystreamlabs/paystream/settlement/pkg/cadence"
	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
	"github.com/paystreamlabs/paystream/settlement/pkg/proof"
	"github.com/paystreamlabs/paystream/settlement/pkg/schedule"
	"github.com/paystreamlabs/paystream/settlement/pkg/settle"
	"github.com/paystreamlabs/paystream/settlement/pkg/vault"
)

// ErrorResponse is the JSON body for all error replies.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeCoreError maps the settlement core's error kinds onto HTTP statuses.
// The core errors pass through verbatim in the body; only the status is a
// presentation concern.
func writeCoreError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schedule.ErrNotAssigned),
		errors.Is(err, vault.ErrEmployeeNotAssigned):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrInsufficientPeriodFunds):
		// The employer has not funded this period yet.
		return http.StatusPaymentRequired
	case errors.Is(err, vault.ErrAlreadyPaid),
		errors.Is(err, schedule.ErrAlreadyProcessed),
		errors.Is(err, proof.ErrProofAlreadyConsumed):
		return http.StatusConflict
	case errors.Is(err, vault.ErrPaymentNotVerified),
		errors.Is(err, schedule.ErrPeriodNotLaterThanLastPaid),
		errors.Is(err, schedule.ErrPeriodNotProcessed),
		errors.Is(err, schedule.ErrTimestampNotLater),
		errors.Is(err, vault.ErrInsufficientUnallocated):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrUnauthorizedDepositor):
		return http.StatusForbidden
	case errors.Is(err, schedule.ErrPeriodMisaligned),
		errors.Is(err, proof.ErrMalformedProof),
		errors.Is(err, settle.ErrProofMismatch),
		errors.Is(err, schedule.ErrInvalidSalary),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, cadence.ErrInvalidCadence),
		errors.Is(err, payroll.ErrInvalidAddress),
		errors.Is(err, payroll.ErrZeroAddress):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
