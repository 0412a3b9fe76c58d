// Package settle composes the proof verifier and the vault into one
// idempotent settlement operation per (employee, period) key.
//
// The idempotency design follows the same shape as payment-facilitator
// settlement dedupe: an atomic check against completed results before any
// work, in-flight coalescing so concurrent retries share one execution, and
// no caching of failures so legitimate retries stay possible.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/paystreamlabs/paystream/settlement/pkg/metrics"
	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
	"github.com/paystreamlabs/paystream/settlement/pkg/proof"
)

// Mode selects how the vault records a settlement.
type Mode string

const (
	// ModeCustodial pays out of the vault's own custody (vault Release).
	ModeCustodial Mode = "custodial"
	// ModeExternalRail records a payment that moved over an external rail
	// (vault RecordPayment); the vault never custodied those funds.
	ModeExternalRail Mode = "external"
)

// ErrProofMismatch is returned when a proof decodes to a different
// (employee, period) than the one being settled.
var ErrProofMismatch = errors.New("proof does not match settlement key")

// Vault is the slice of the escrow ledger the orchestrator drives.
type Vault interface {
	Release(ctx context.Context, employee payroll.Address, periodID uint64) error
	RecordPayment(ctx context.Context, employee payroll.Address, periodID uint64) error
	IsPaid(employee payroll.Address, periodID uint64) bool
}

// ProofRegistry registers single-use payment proofs.
type ProofRegistry interface {
	RegisterProof(raw []byte) (proof.ID, proof.Decoded, error)
}

// Receipt describes one committed settlement.
type Receipt struct {
	ID        uuid.UUID
	Employee  payroll.Address
	PeriodID  uint64
	Amount    uint64
	Mode      Mode
	ProofHash proof.ID
	SettledAt time.Time
}

// Journal durably records committed settlements. Appends are best-effort:
// a journal failure never fails an already-committed settlement.
type Journal interface {
	RecordSettlement(ctx context.Context, rec Receipt) error
}

// Result is the outcome of a Settle call. AlreadyProcessed is true when the
// key had settled before this call and no new work was executed.
type Result struct {
	Receipt          Receipt
	AlreadyProcessed bool
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Vault  Vault
	Proofs ProofRegistry
	Mode   Mode

	// Journal is optional.
	Journal Journal

	// OnDrift observes swallowed journal-append failures.
	OnDrift func(kind string, employee payroll.Address, periodID uint64, err error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Vault == nil {
		return errors.New("vault is required")
	}
	if cfg.Proofs == nil {
		return errors.New("proof registry is required")
	}
	if cfg.Mode != ModeCustodial && cfg.Mode != ModeExternalRail {
		return fmt.Errorf("invalid mode %q", cfg.Mode)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Orchestrator holds no settlement state of its own beyond the idempotency
// guard; the vault's paid flag remains the authoritative record.
type Orchestrator struct {
	log *slog.Logger
	cfg Config

	mu   sync.Mutex
	done map[string]Receipt
	sf   singleflight.Group
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:  cfg.Logger,
		cfg:  cfg,
		done: make(map[string]Receipt),
	}, nil
}

func settleKey(employee payroll.Address, periodID uint64) string {
	return employee.String() + "/" + strconv.FormatUint(periodID, 10)
}

// Settle registers the proof and drives the vault settlement for the pair.
// The idempotency guard is checked before the proof is registered, so a
// repeat call for a completed key never consumes a second proof. Concurrent
// callers on the same key coalesce into one execution; the first hard
// failure from the verifier or the vault is surfaced verbatim and not
// cached.
func (o *Orchestrator) Settle(ctx context.Context, employee payroll.Address, periodID uint64, proofBytes []byte) (Result, error) {
	key := settleKey(employee, periodID)

	if rec, ok := o.completed(key); ok {
		return Result{Receipt: rec, AlreadyProcessed: true}, nil
	}

	start := o.cfg.Clock.Now()
	// singleflight runs the closure on exactly one caller's goroutine and
	// hands every coalesced caller the same value, so won distinguishes the
	// caller whose work actually executed.
	var won bool
	res, err, _ := o.sf.Do(key, func() (any, error) {
		won = true
		return o.settleOnce(ctx, key, employee, periodID, proofBytes)
	})
	metrics.SettlementDuration.Observe(o.cfg.Clock.Since(start).Seconds())
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues(string(o.cfg.Mode), "error").Inc()
		return Result{}, err
	}
	out := res.(Result)
	if !won && !out.AlreadyProcessed {
		// A coalesced caller shares the winner's receipt but did not execute
		// a settlement of its own; exactly one caller per key reports fresh
		// work.
		out.AlreadyProcessed = true
	}
	return out, nil
}

func (o *Orchestrator) settleOnce(ctx context.Context, key string, employee payroll.Address, periodID uint64, proofBytes []byte) (Result, error) {
	// Re-check inside the flight: a coalesced caller may arrive after the
	// winner completed.
	if rec, ok := o.completed(key); ok {
		return Result{Receipt: rec, AlreadyProcessed: true}, nil
	}
	// The vault's paid flag survives orchestrator restarts; consult it
	// before consuming a proof unnecessarily.
	if o.cfg.Vault.IsPaid(employee, periodID) {
		o.log.Debug("settle: period already paid in vault", "employee", employee, "period", periodID)
		return Result{AlreadyProcessed: true}, nil
	}

	proofID, dec, err := o.cfg.Proofs.RegisterProof(proofBytes)
	if err != nil {
		return Result{}, err
	}
	if dec.Employee != employee || dec.PeriodID != periodID {
		return Result{}, fmt.Errorf("%w: proof is for %s/%d", ErrProofMismatch, dec.Employee, dec.PeriodID)
	}

	switch o.cfg.Mode {
	case ModeExternalRail:
		err = o.cfg.Vault.RecordPayment(ctx, employee, periodID)
	default:
		err = o.cfg.Vault.Release(ctx, employee, periodID)
	}
	if err != nil {
		return Result{}, err
	}

	rec := Receipt{
		ID:        uuid.New(),
		Employee:  employee,
		PeriodID:  periodID,
		Amount:    dec.Amount,
		Mode:      o.cfg.Mode,
		ProofHash: proofID,
		SettledAt: o.cfg.Clock.Now().UTC(),
	}
	o.mu.Lock()
	o.done[key] = rec
	o.mu.Unlock()

	metrics.SettlementsTotal.WithLabelValues(string(o.cfg.Mode), "ok").Inc()
	o.log.Info("settle: settled", "employee", employee, "period", periodID, "amount", dec.Amount, "mode", o.cfg.Mode)

	if o.cfg.Journal != nil {
		if err := o.cfg.Journal.RecordSettlement(ctx, rec); err != nil {
			metrics.ReconciliationDriftTotal.WithLabelValues("journal_append").Inc()
			if o.cfg.OnDrift != nil {
				o.cfg.OnDrift("journal_append", employee, periodID, err)
			}
			o.log.Warn("settle: journal append failed", "employee", employee, "period", periodID, "error", err)
		}
	}
	return Result{Receipt: rec}, nil
}

// IsSettled reports whether the pair has already settled, consulting both the
// local idempotency guard and the vault's authoritative paid flag. Scanners
// use this to avoid initiating a rail payment for a period that settled but
// whose schedule bookkeeping drifted.
func (o *Orchestrator) IsSettled(employee payroll.Address, periodID uint64) bool {
	if _, ok := o.completed(settleKey(employee, periodID)); ok {
		return true
	}
	return o.cfg.Vault.IsPaid(employee, periodID)
}

func (o *Orchestrator) completed(key string) (Receipt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.done[key]
	return rec, ok
}
