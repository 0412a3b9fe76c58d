// Package vault holds employer-deposited funds earmarked per pay period and
// performs the atomic settlement release. It keeps its own mirror of
// salary/cadence so release amounts are authorized locally, independent of
// the schedule store.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/paystreamlabs/paystream/settlement/pkg/cadence"
	"github.com/paystreamlabs/paystream/settlement/pkg/metrics"
	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
)

var (
	ErrEmployeeNotAssigned     = errors.New("employee is not assigned in the vault")
	ErrAlreadyPaid             = errors.New("period has already been paid")
	ErrPaymentNotVerified      = errors.New("payment is not verified")
	ErrInsufficientPeriodFunds = errors.New("insufficient funds deposited for period")
	ErrInsufficientUnallocated = errors.New("insufficient unallocated funds")
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrUnauthorizedDepositor   = errors.New("depositor is not authorized")
	ErrNoFundTransferor        = errors.New("no fund transferor configured")
)

// Schedule is the slice of the schedule store the vault depends on.
type Schedule interface {
	Assign(ctx context.Context, employee payroll.Address, salary uint64, cad cadence.Cadence, initialLastPaid uint64) error
	IsDue(employee payroll.Address, periodID uint64) (bool, error)
	ConfirmPaid(employee payroll.Address, periodID uint64, paidTimestamp uint64) error
}

// PaymentVerifier answers whether a consumed payment proof covers a pair.
type PaymentVerifier interface {
	IsVerified(employee payroll.Address, periodID uint64) bool
}

// FundTransferor moves funds out of custody. It must either fully succeed or
// fully fail with no partial transfer.
type FundTransferor interface {
	Transfer(ctx context.Context, to payroll.Address, amount uint64) error
}

// FundSource collects a pre-authorized deposit into custody. Optional; when
// nil, custody transfer is assumed to happen out of band.
type FundSource interface {
	CollectDeposit(ctx context.Context, from payroll.Address, amount uint64) error
}

// DriftFunc observes best-effort cross-component failures that were swallowed
// after the primary operation committed. Wired to alerting in the binary.
type DriftFunc func(kind string, employee payroll.Address, periodID uint64, err error)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Schedule Schedule
	Verifier PaymentVerifier

	// Transferor is required for Release (custodial payouts) and for
	// WithdrawUnallocated; RecordPayment works without it.
	Transferor FundTransferor

	// Funding, when set, is invoked before crediting a deposit.
	Funding FundSource

	// Depositor is the only address allowed to deposit and withdraw.
	Depositor payroll.Address

	OnReleased func(ev payroll.ReleasedEvent)
	OnDrift    DriftFunc
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Schedule == nil {
		return errors.New("schedule is required")
	}
	if cfg.Verifier == nil {
		return errors.New("payment verifier is required")
	}
	if cfg.Depositor.IsZero() {
		return errors.New("depositor address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type mirrorRecord struct {
	salary  uint64
	cadence cadence.Cadence
}

type paidKey struct {
	employee payroll.Address
	periodID uint64
}

// Vault owns the period balances, the paid flags, and the employee mirror.
// reserved tracks the sum of all non-zero period balances incrementally so
// WithdrawUnallocated never has to enumerate periods.
type Vault struct {
	log *slog.Logger
	cfg Config

	mu             sync.Mutex
	mirror         map[payroll.Address]mirrorRecord
	periodBalances map[uint64]uint64
	total          uint64
	reserved       uint64
	paid           map[paidKey]bool
}

func New(cfg Config) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Vault{
		log:            cfg.Logger,
		cfg:            cfg,
		mirror:         make(map[payroll.Address]mirrorRecord),
		periodBalances: make(map[uint64]uint64),
		paid:           make(map[paidKey]bool),
	}, nil
}

// Deposit credits amount to the period's escrow balance. The depositor must
// be the authorized employer address and, when a FundSource is configured,
// the custody transfer happens before any balance is credited.
func (v *Vault) Deposit(ctx context.Context, depositor payroll.Address, periodID uint64, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if depositor != v.cfg.Depositor {
		return ErrUnauthorizedDepositor
	}
	if v.cfg.Funding != nil {
		if err := v.cfg.Funding.CollectDeposit(ctx, depositor, amount); err != nil {
			return fmt.Errorf("failed to collect deposit: %w", err)
		}
	}

	v.mu.Lock()
	v.periodBalances[periodID] += amount
	v.total += amount
	v.reserved += amount
	v.mu.Unlock()

	metrics.DepositedAmount.Add(float64(amount))
	v.log.Info("vault: deposit", "period", periodID, "amount", amount)
	return nil
}

// WithdrawUnallocated returns funds not earmarked by any period balance to
// the employer. The withdrawal commits before the outbound transfer; a
// transfer failure after commit is surfaced as drift, never rolled back.
func (v *Vault) WithdrawUnallocated(ctx context.Context, to payroll.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if to != v.cfg.Depositor {
		return ErrUnauthorizedDepositor
	}
	if v.cfg.Transferor == nil {
		return ErrNoFundTransferor
	}

	v.mu.Lock()
	if amount > v.total-v.reserved {
		v.mu.Unlock()
		return ErrInsufficientUnallocated
	}
	v.total -= amount
	v.mu.Unlock()

	if err := v.cfg.Transferor.Transfer(ctx, to, amount); err != nil {
		v.recordDrift("withdraw_transfer", to, 0, err)
		return fmt.Errorf("withdrawal committed but transfer failed: %w", err)
	}
	v.log.Info("vault: unallocated withdrawal", "to", to, "amount", amount)
	return nil
}

// AssignEmployeeMirror records the vault's own copy of salary/cadence and
// best-effort syncs the schedule store. The mirror is authoritative for the
// amounts this vault will release; a sync failure is drift, not an error.
func (v *Vault) AssignEmployeeMirror(ctx context.Context, employee payroll.Address, salary uint64, cad cadence.Cadence, initialLastPaid uint64) error {
	if employee.IsZero() {
		return payroll.ErrZeroAddress
	}
	if salary == 0 {
		return ErrInvalidAmount
	}
	if !cad.Valid() {
		return cadence.ErrInvalidCadence
	}

	v.mu.Lock()
	v.mirror[employee] = mirrorRecord{salary: salary, cadence: cad}
	v.mu.Unlock()
	v.log.Info("vault: employee mirror assigned", "employee", employee, "salary", salary, "cadence", cad)

	if err := v.cfg.Schedule.Assign(ctx, employee, salary, cad, initialLastPaid); err != nil {
		v.recordDrift("schedule_sync", employee, 0, err)
		v.log.Warn("vault: schedule sync failed, mirror retained", "employee", employee, "error", err)
	}
	return nil
}

// NotifyDue implements schedule.SettlementNotifier. The vault uses the due
// notification to flag underfunded periods early; it never mutates state.
func (v *Vault) NotifyDue(ctx context.Context, employee payroll.Address, periodID uint64) error {
	v.mu.Lock()
	rec, ok := v.mirror[employee]
	balance := v.periodBalances[periodID]
	v.mu.Unlock()
	if !ok {
		return ErrEmployeeNotAssigned
	}
	if balance < rec.salary {
		v.log.Warn("vault: due period is underfunded", "employee", employee, "period", periodID,
			"balance", balance, "salary", rec.salary)
	}
	return nil
}

// Release performs the full custodial settlement: verify, mark paid, deduct,
// transfer, confirm. The paid flag and balance deduction commit under the
// lock before the outbound transfer, closing the double-pay window; the
// transfer and the best-effort ConfirmPaid happen with no lock held.
func (v *Vault) Release(ctx context.Context, employee payroll.Address, periodID uint64) error {
	if v.cfg.Transferor == nil {
		return ErrNoFundTransferor
	}
	amount, err := v.settle(employee, periodID, true)
	if err != nil {
		return err
	}

	if err := v.cfg.Transferor.Transfer(ctx, employee, amount); err != nil {
		// State is committed: the period is paid and funds deducted. The
		// failed transfer is operator-reconciled drift, and retries are
		// rejected with ErrAlreadyPaid rather than paying twice.
		v.recordDrift("release_transfer", employee, periodID, err)
		return fmt.Errorf("release committed but transfer failed: %w", err)
	}

	v.finishSettlement(employee, periodID, amount, false)
	return nil
}

// RecordPayment is the external-rail settlement mode: identical ordering and
// double-pay protection as Release, but no outbound transfer and no total
// balance deduction, since the vault never custodied the transferred funds.
// The freed period balance becomes withdrawable by the employer.
func (v *Vault) RecordPayment(ctx context.Context, employee payroll.Address, periodID uint64) error {
	amount, err := v.settle(employee, periodID, false)
	if err != nil {
		return err
	}
	v.finishSettlement(employee, periodID, amount, true)
	return nil
}

// settle runs the ordered checks and commits the paid flag and balance
// deduction atomically. Check order is part of the contract: mirror, paid
// flag, schedule due-ness, proof, funds.
func (v *Vault) settle(employee payroll.Address, periodID uint64, deductTotal bool) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.mirror[employee]
	if !ok {
		return 0, ErrEmployeeNotAssigned
	}
	if v.paid[paidKey{employee, periodID}] {
		return 0, ErrAlreadyPaid
	}
	if due, reason := v.cfg.Schedule.IsDue(employee, periodID); !due {
		return 0, reason
	}
	if !v.cfg.Verifier.IsVerified(employee, periodID) {
		return 0, ErrPaymentNotVerified
	}
	if v.periodBalances[periodID] < rec.salary {
		return 0, ErrInsufficientPeriodFunds
	}

	// Paid flag first: everything after this point is committed.
	v.paid[paidKey{employee, periodID}] = true
	v.periodBalances[periodID] -= rec.salary
	v.reserved -= rec.salary
	if deductTotal {
		v.total -= rec.salary
	}
	return rec.salary, nil
}

func (v *Vault) finishSettlement(employee payroll.Address, periodID uint64, amount uint64, external bool) {
	mode := "custodial"
	if external {
		mode = "external"
	}
	metrics.ReleasedAmount.WithLabelValues(mode).Add(float64(amount))
	v.log.Info("vault: released", "employee", employee, "period", periodID, "amount", amount, "mode", mode)
	if v.cfg.OnReleased != nil {
		v.cfg.OnReleased(payroll.ReleasedEvent{Employee: employee, Amount: amount, PeriodID: periodID, External: external})
	}

	paidAt := uint64(v.cfg.Clock.Now().Unix())
	if err := v.cfg.Schedule.ConfirmPaid(employee, periodID, paidAt); err != nil {
		// The release already succeeded and is not undone by downstream
		// bookkeeping. lastPaidTimestamp drift is reconciled out of band.
		v.recordDrift("confirm_paid", employee, periodID, err)
		v.log.Warn("vault: confirm-paid failed after release", "employee", employee, "period", periodID, "error", err)
	}
}

func (v *Vault) recordDrift(kind string, employee payroll.Address, periodID uint64, err error) {
	metrics.ReconciliationDriftTotal.WithLabelValues(kind).Inc()
	if v.cfg.OnDrift != nil {
		v.cfg.OnDrift(kind, employee, periodID, err)
	}
}

// IsPaid reports whether the specific (employee, period) payout happened.
func (v *Vault) IsPaid(employee payroll.Address, periodID uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paid[paidKey{employee, periodID}]
}

// PeriodBalance returns the remaining escrow balance for a period.
func (v *Vault) PeriodBalance(periodID uint64) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.periodBalances[periodID]
}

// Balances returns the vault's total custody and the portion reserved by
// period balances. Unallocated funds are total minus reserved.
func (v *Vault) Balances() (total, reserved uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total, v.reserved
}
