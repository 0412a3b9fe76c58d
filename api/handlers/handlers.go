// Package handlers exposes the payroll settlement core over HTTP: employee
// assignment, escrow deposits, proof submission, claims, and settlement
// history. Handlers are a thin projection of core state; every invariant
// lives in the settlement packages.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/paystreamlabs/paystream/api/metrics"
	"github.com/paystreamlabs/paystream/settlement/pkg/cadence"
	"github.com/paystreamlabs/paystream/settlement/pkg/journal"
	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
	"github.com/paystreamlabs/paystream/settlement/pkg/schedule"
	"github.com/paystreamlabs/paystream/settlement/pkg/settle"
)

// Schedule is the slice of the schedule store the API serves.
type Schedule interface {
	Assign(ctx context.Context, employee payroll.Address, salary uint64, cad cadence.Cadence, initialLastPaid uint64) error
	Remove(employee payroll.Address) error
	Record(employee payroll.Address) (schedule.Record, bool)
	IsDue(employee payroll.Address, periodID uint64) (bool, error)
	NextExpectedPeriod(employee payroll.Address) (uint64, error)
}

// Vault is the slice of the escrow ledger the API serves.
type Vault interface {
	Deposit(ctx context.Context, depositor payroll.Address, periodID uint64, amount uint64) error
	WithdrawUnallocated(ctx context.Context, to payroll.Address, amount uint64) error
	IsPaid(employee payroll.Address, periodID uint64) bool
	PeriodBalance(periodID uint64) uint64
	Balances() (total, reserved uint64)
}

// Settler finalizes settlements from submitted proofs.
type Settler interface {
	Settle(ctx context.Context, employee payroll.Address, periodID uint64, proofBytes []byte) (settle.Result, error)
}

// History reads the settlement journal. Optional; without it the history
// endpoint returns 404.
type History interface {
	ListSettlements(ctx context.Context, employee string, limit, offset int) ([]journal.SettlementRow, error)
	CountSettlements(ctx context.Context, employee string) (int, error)
}

type Config struct {
	Logger   *slog.Logger
	Schedule Schedule
	Vault    Vault
	Settler  Settler
	History  History

	// Asset names the currency claims are denominated in, e.g. "usdc".
	Asset string

	// RateLimit applies per-IP to mutating endpoints. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Schedule == nil {
		return errors.New("schedule is required")
	}
	if cfg.Vault == nil {
		return errors.New("vault is required")
	}
	if cfg.Settler == nil {
		return errors.New("settler is required")
	}
	if cfg.Asset == "" {
		cfg.Asset = "units"
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	return nil
}

type Handlers struct {
	log     *slog.Logger
	cfg     Config
	limiter *RateLimiter
}

func New(cfg Config) (*Handlers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Handlers{log: cfg.Logger, cfg: cfg}
	if cfg.RateLimit > 0 {
		h.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return h, nil
}

// Close releases background resources (the rate limiter's cleanup loop).
func (h *Handlers) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Router builds the chi router for the API.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(metrics.Instrument)

	r.Get("/status", h.Status)
	r.Get("/employees/{address}", h.GetEmployee)
	r.Get("/employees/{address}/claim", h.Claim)
	r.Get("/settlements", h.ListSettlements)

	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Post("/employees", h.AssignEmployee)
		r.Delete("/employees/{address}", h.RemoveEmployee)
		r.Post("/deposits", h.Deposit)
		r.Post("/withdrawals", h.Withdraw)
		r.Post("/settlements", h.SubmitSettlement)
	})

	return r
}
