package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
	"github.com/paystreamlabs/paystream/settlement/pkg/proof"
	"github.com/paystreamlabs/paystream/settlement/pkg/schedule"
	"github.com/paystreamlabs/paystream/settlement/pkg/settle"
	"github.com/paystreamlabs/paystream/settlement/pkg/vault"
	paytesting "github.com/paystreamlabs/paystream/utils/pkg/testing"
)

const monthly = uint64(2_592_000)

func testAddr(n int) payroll.Address {
	var a payroll.Address
	for i := range a {
		a[i] = byte(n + i)
	}
	return a
}

var employer = testAddr(200)

type nopTransferor struct{}

func (nopTransferor) Transfer(context.Context, payroll.Address, uint64) error { return nil }

type api struct {
	router   chi.Router
	schedule *schedule.Store
	vault    *vault.Vault
	verifier *proof.Verifier
}

func newAPI(t *testing.T, mutate func(*Config)) *api {
	t.Helper()
	log := paytesting.NewLogger()

	sched, err := schedule.NewStore(schedule.StoreConfig{Logger: log})
	require.NoError(t, err)
	verifier, err := proof.NewVerifier(proof.VerifierConfig{Logger: log})
	require.NoError(t, err)
	v, err := vault.New(vault.Config{
		Logger:     log,
		Schedule:   sched,
		Verifier:   verifier,
		Transferor: nopTransferor{},
		Depositor:  employer,
	})
	require.NoError(t, err)
	orch, err := settle.New(settle.Config{
		Logger: log,
		Vault:  v,
		Proofs: verifier,
		Mode:   settle.ModeExternalRail,
	})
	require.NoError(t, err)

	cfg := Config{
		Logger:   log,
		Schedule: sched,
		Vault:    v,
		Settler:  orch,
		Asset:    "usdc",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return &api{router: h.Router(), schedule: sched, vault: v, verifier: verifier}
}

func (a *api) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func (a *api) assign(t *testing.T, emp payroll.Address, salary uint64) {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/employees", AssignEmployeeRequest{
		Address: emp.String(), Salary: salary, Cadence: "monthly",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func (a *api) deposit(t *testing.T, periodID, amount uint64) {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/deposits", DepositRequest{
		Depositor: employer.String(), PeriodID: periodID, Amount: amount,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestPaystream_Handlers_Employees(t *testing.T) {
	t.Parallel()

	t.Run("assign and fetch", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		emp := testAddr(1)
		a.assign(t, emp, 1_000_000)

		rr := a.do(t, http.MethodGet, "/employees/"+emp.String(), nil)
		require.Equal(t, http.StatusOK, rr.Code)
		got := decode[EmployeeResponse](t, rr)
		require.Equal(t, emp.String(), got.Address)
		require.Equal(t, uint64(1_000_000), got.Salary)
		require.Equal(t, "monthly", got.Cadence)
		require.Zero(t, got.LastPaidTimestamp)
		require.NotZero(t, got.NextExpectedPeriod)
	})

	t.Run("validation failures", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		emp := testAddr(1)

		rr := a.do(t, http.MethodPost, "/employees", AssignEmployeeRequest{Address: "bogus", Salary: 1, Cadence: "monthly"})
		require.Equal(t, http.StatusBadRequest, rr.Code)

		rr = a.do(t, http.MethodPost, "/employees", AssignEmployeeRequest{Address: emp.String(), Salary: 1, Cadence: "fortnightly"})
		require.Equal(t, http.StatusBadRequest, rr.Code)

		rr = a.do(t, http.MethodPost, "/employees", AssignEmployeeRequest{Address: emp.String(), Salary: 0, Cadence: "monthly"})
		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Contains(t, decode[ErrorResponse](t, rr).Error, "salary")
	})

	t.Run("remove", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		emp := testAddr(1)
		a.assign(t, emp, 1_000_000)

		rr := a.do(t, http.MethodDelete, "/employees/"+emp.String(), nil)
		require.Equal(t, http.StatusNoContent, rr.Code)

		rr = a.do(t, http.MethodDelete, "/employees/"+emp.String(), nil)
		require.Equal(t, http.StatusNotFound, rr.Code)

		rr = a.do(t, http.MethodGet, "/employees/"+emp.String(), nil)
		require.Equal(t, http.StatusNotFound, rr.Code)
		require.Equal(t, "no salary configured", decode[ErrorResponse](t, rr).Error)
	})
}

func TestPaystream_Handlers_Claim(t *testing.T) {
	t.Parallel()

	t.Run("unknown employee", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		rr := a.do(t, http.MethodGet, "/employees/"+testAddr(1).String()+"/claim", nil)
		require.Equal(t, http.StatusNotFound, rr.Code)
		require.Equal(t, "no salary configured", decode[ErrorResponse](t, rr).Error)
	})

	t.Run("walks the claim lifecycle", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		emp := testAddr(1)
		a.assign(t, emp, 1_000_000)
		path := "/employees/" + emp.String() + "/claim"

		// Assigned but unfunded.
		rr := a.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		claim := decode[ClaimResponse](t, rr)
		require.Equal(t, "unfunded", claim.Status)
		require.Equal(t, "employer has not funded this period yet", claim.Message)
		require.Nil(t, claim.Payment)
		periodID := claim.PeriodID
		require.NotZero(t, periodID)

		// Funded: the claim carries payment instructions.
		a.deposit(t, periodID, 1_000_000)
		claim = decode[ClaimResponse](t, a.do(t, http.MethodGet, path, nil))
		require.Equal(t, "payment_required", claim.Status)
		require.NotNil(t, claim.Payment)
		require.Equal(t, emp.String(), claim.Payment.Recipient)
		require.Equal(t, uint64(1_000_000), claim.Payment.Amount)
		require.Equal(t, "usdc", claim.Payment.Asset)
		require.Equal(t, periodID, claim.Payment.PeriodID)

		// Settled: the same period reports already paid.
		raw := proof.Encode(emp, periodID, 1_000_000)
		rr = a.do(t, http.MethodPost, "/settlements", SubmitSettlementRequest{
			Employee: emp.String(), PeriodID: periodID, Proof: base64.StdEncoding.EncodeToString(raw),
		})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		claim = decode[ClaimResponse](t, a.do(t, http.MethodGet, path, nil))
		require.Equal(t, "already_paid", claim.Status)
	})
}

func TestPaystream_Handlers_SubmitSettlement(t *testing.T) {
	t.Parallel()

	t.Run("settles and reports repeats as already processed", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		emp := testAddr(1)
		a.assign(t, emp, 1_000_000)
		a.deposit(t, monthly, 1_000_000)

		// The handler passes the submitted period straight through; use an
		// aligned period later than last-paid.
		body := SubmitSettlementRequest{
			Employee: emp.String(),
			PeriodID: monthly,
			Proof:    base64.StdEncoding.EncodeToString(proof.Encode(emp, monthly, 1_000_000)),
		}
		rr := a.do(t, http.MethodPost, "/settlements", body)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		res := decode[SettlementResponse](t, rr)
		require.False(t, res.AlreadyProcessed)
		require.Equal(t, uint64(1_000_000), res.Amount)
		require.Equal(t, "external", res.Mode)
		require.NotEmpty(t, res.ProofHash)

		rr = a.do(t, http.MethodPost, "/settlements", body)
		require.Equal(t, http.StatusOK, rr.Code)
		require.True(t, decode[SettlementResponse](t, rr).AlreadyProcessed)
	})

	t.Run("rejects bad submissions", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		emp := testAddr(1)
		a.assign(t, emp, 1_000_000)
		a.deposit(t, monthly, 1_000_000)

		rr := a.do(t, http.MethodPost, "/settlements", SubmitSettlementRequest{
			Employee: emp.String(), PeriodID: monthly, Proof: "not base64!!!",
		})
		require.Equal(t, http.StatusBadRequest, rr.Code)

		rr = a.do(t, http.MethodPost, "/settlements", SubmitSettlementRequest{
			Employee: emp.String(), PeriodID: monthly,
			Proof: base64.StdEncoding.EncodeToString([]byte("short")),
		})
		require.Equal(t, http.StatusBadRequest, rr.Code)

		// Proof decodes to a different employee.
		rr = a.do(t, http.MethodPost, "/settlements", SubmitSettlementRequest{
			Employee: emp.String(), PeriodID: monthly,
			Proof: base64.StdEncoding.EncodeToString(proof.Encode(testAddr(2), monthly, 1_000_000)),
		})
		require.Equal(t, http.StatusBadRequest, rr.Code)

		// Unfunded period surfaces as payment required.
		rr = a.do(t, http.MethodPost, "/settlements", SubmitSettlementRequest{
			Employee: emp.String(), PeriodID: monthly * 2,
			Proof: base64.StdEncoding.EncodeToString(proof.Encode(emp, monthly*2, 1_000_000)),
		})
		require.Equal(t, http.StatusPaymentRequired, rr.Code)
	})

	t.Run("consumed proof conflicts", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		emp := testAddr(1)
		a.assign(t, emp, 1_000_000)

		// First submission consumes the proof but fails on funding; the
		// identical bytes then conflict instead of reverifying.
		raw := base64.StdEncoding.EncodeToString(proof.Encode(emp, monthly, 1_000_000))
		rr := a.do(t, http.MethodPost, "/settlements", SubmitSettlementRequest{Employee: emp.String(), PeriodID: monthly, Proof: raw})
		require.Equal(t, http.StatusPaymentRequired, rr.Code)

		rr = a.do(t, http.MethodPost, "/settlements", SubmitSettlementRequest{Employee: emp.String(), PeriodID: monthly, Proof: raw})
		require.Equal(t, http.StatusConflict, rr.Code)
	})
}

func TestPaystream_Handlers_Vault(t *testing.T) {
	t.Parallel()

	t.Run("deposit and status", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)

		rr := a.do(t, http.MethodPost, "/deposits", DepositRequest{Depositor: employer.String(), PeriodID: monthly, Amount: 750})
		require.Equal(t, http.StatusOK, rr.Code)
		status := decode[StatusResponse](t, rr)
		require.Equal(t, uint64(750), status.TotalBalance)
		require.Equal(t, uint64(750), status.ReservedBalance)
		require.Zero(t, status.Unallocated)

		status = decode[StatusResponse](t, a.do(t, http.MethodGet, "/status", nil))
		require.Equal(t, uint64(750), status.TotalBalance)
	})

	t.Run("unauthorized depositor", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		rr := a.do(t, http.MethodPost, "/deposits", DepositRequest{Depositor: testAddr(9).String(), PeriodID: monthly, Amount: 100})
		require.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("withdrawal of reserved funds", func(t *testing.T) {
		t.Parallel()
		a := newAPI(t, nil)
		a.deposit(t, monthly, 750)

		rr := a.do(t, http.MethodPost, "/withdrawals", WithdrawRequest{To: employer.String(), Amount: 1})
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})
}

func TestPaystream_Handlers_ListSettlements(t *testing.T) {
	t.Parallel()

	a := newAPI(t, nil)
	rr := a.do(t, http.MethodGet, "/settlements", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "settlement history is not enabled", decode[ErrorResponse](t, rr).Error)
}

func TestPaystream_Handlers_RateLimit(t *testing.T) {
	t.Parallel()

	a := newAPI(t, func(cfg *Config) {
		cfg.RateLimit = rate.Limit(1)
		cfg.RateBurst = 1
	})
	emp := testAddr(1)

	body := AssignEmployeeRequest{Address: emp.String(), Salary: 1, Cadence: "monthly"}
	rr := a.do(t, http.MethodPost, "/employees", body)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = a.do(t, http.MethodPost, "/employees", body)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))

	// Reads are never limited.
	for range 5 {
		rr = a.do(t, http.MethodGet, "/employees/"+emp.String(), nil)
		require.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestPaystream_Handlers_RateLimiterStop(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(rate.Limit(1), 1)
	require.True(t, rl.Allow("10.0.0.1"))

	// Stop is idempotent and does not disable limiting.
	rl.Stop()
	rl.Stop()
	require.False(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.2"))
}

func TestPaystream_Handlers_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: paytesting.NewLogger()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "schedule is required")
}
