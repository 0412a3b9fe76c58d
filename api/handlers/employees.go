package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/paystreamlabs/paystream/settlement/pkg/cadence"
	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
)

// AssignEmployeeRequest is the request body for creating or updating an
// employee's payroll record.
type AssignEmployeeRequest struct {
	Address         string `json:"address"`
	Salary          uint64 `json:"salary"`
	Cadence         string `json:"cadence"`
	InitialLastPaid uint64 `json:"initial_last_paid,omitempty"`
}

// EmployeeResponse describes an employee's current payroll record.
type EmployeeResponse struct {
	Address            string `json:"address"`
	Salary             uint64 `json:"salary"`
	Cadence            string `json:"cadence"`
	LastPaidTimestamp  uint64 `json:"last_paid_timestamp"`
	NextExpectedPeriod uint64 `json:"next_expected_period"`
}

// AssignEmployee creates or updates an employee's salary and cadence.
func (h *Handlers) AssignEmployee(w http.ResponseWriter, r *http.Request) {
	var req AssignEmployeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	employee, err := payroll.ParseAddress(req.Address)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	cad, err := cadence.Parse(req.Cadence)
	if err != nil {
		writeCoreError(w, err)
		return
	}

	if err := h.cfg.Schedule.Assign(r.Context(), employee, req.Salary, cad, req.InitialLastPaid); err != nil {
		writeCoreError(w, err)
		return
	}
	h.writeEmployee(w, http.StatusOK, employee)
}

// RemoveEmployee deletes an employee's payroll record.
func (h *Handlers) RemoveEmployee(w http.ResponseWriter, r *http.Request) {
	employee, err := payroll.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	if err := h.cfg.Schedule.Remove(employee); err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEmployee returns an employee's payroll record.
func (h *Handlers) GetEmployee(w http.ResponseWriter, r *http.Request) {
	employee, err := payroll.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	h.writeEmployee(w, http.StatusOK, employee)
}

func (h *Handlers) writeEmployee(w http.ResponseWriter, status int, employee payroll.Address) {
	rec, ok := h.cfg.Schedule.Record(employee)
	if !ok {
		writeError(w, http.StatusNotFound, "no salary configured")
		return
	}
	next, err := h.cfg.Schedule.NextExpectedPeriod(employee)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, status, EmployeeResponse{
		Address:            employee.String(),
		Salary:             rec.Salary,
		Cadence:            rec.Cadence.String(),
		LastPaidTimestamp:  rec.LastPaidTimestamp,
		NextExpectedPeriod: next,
	})
}
