// Package schedule owns the per-employee payroll records: salary, cadence,
// and last-paid timestamp. It decides due-ness, issues due signals exactly
// once per (employee, period), and advances last-paid on confirmed payment.
package schedule

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
	ErrNotAssigned                = errors.New("employee is not assigned")
	ErrInvalidSalary              = errors.New("salary must be greater than zero")
	ErrPeriodMisaligned           = errors.New("period is not aligned to the employee's cadence")
	ErrAlreadyProcessed           = errors.New("period has already been processed")
	ErrPeriodNotLaterThanLastPaid = errors.New("period is not later than the last paid timestamp")
	ErrPeriodNotProcessed         = errors.New("period was never processed")
	ErrTimestampNotLater          = errors.New("paid timestamp must be later than the last paid timestamp")
)

// Record is a single employee's payroll configuration. LastPaidTimestamp is 0
// until the first confirmed payment (unless seeded at creation).
type Record struct {
	Salary            uint64
	Cadence           cadence.Cadence
	LastPaidTimestamp uint64
}

// SettlementNotifier is the downstream collaborator (the vault) invoked after
// a due signal commits. A notification failure never rolls back the
// processed flag; reconciliation goes through AdminClearProcessed.
type SettlementNotifier interface {
	NotifyDue(ctx context.Context, employee payroll.Address, periodID uint64) error
}

type StoreConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// OnAssigned and OnUpdated are distinct notifications for observers of
	// record creation vs in-place reassignment. Optional.
	OnAssigned func(employee payroll.Address, rec Record)
	OnUpdated  func(employee payroll.Address, rec Record)

	// OnDueSignal observes every emitted due signal. Optional.
	OnDueSignal func(sig payroll.DueSignal)
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type processedKey struct {
	employee payroll.Address
	periodID uint64
}

// Store is the sole owner of employee records and processed-period flags.
// All mutations happen under mu and commit before any observer or downstream
// collaborator is invoked.
type Store struct {
	log *slog.Logger
	cfg StoreConfig

	mu        sync.Mutex
	records   map[payroll.Address]Record
	processed map[processedKey]bool
	notifier  SettlementNotifier
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:       cfg.Logger,
		cfg:       cfg,
		records:   make(map[payroll.Address]Record),
		processed: make(map[processedKey]bool),
	}, nil
}

// SetSettlementNotifier registers the vault-side due-notification callback.
// Registered after construction because the vault is built against this
// store's interface first.
func (s *Store) SetSettlementNotifier(n SettlementNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Assign creates a new record or overwrites salary/cadence on an existing one.
// LastPaidTimestamp is only seeded on creation; updates never touch it, so a
// reassignment cannot reopen already-paid periods.
func (s *Store) Assign(ctx context.Context, employee payroll.Address, salary uint64, cad cadence.Cadence, initialLastPaid uint64) error {
	if employee.IsZero() {
		return payroll.ErrZeroAddress
	}
	if salary == 0 {
		return ErrInvalidSalary
	}
	if !cad.Valid() {
		return cadence.ErrInvalidCadence
	}

	s.mu.Lock()
	existing, updated := s.records[employee]
	rec := Record{Salary: salary, Cadence: cad}
	if updated {
		rec.LastPaidTimestamp = existing.LastPaidTimestamp
	} else {
		rec.LastPaidTimestamp = initialLastPaid
	}
	s.records[employee] = rec
	s.mu.Unlock()

	if updated {
		s.log.Info("schedule: employee updated", "employee", employee, "salary", salary, "cadence", cad)
		if s.cfg.OnUpdated != nil {
			s.cfg.OnUpdated(employee, rec)
		}
	} else {
		s.log.Info("schedule: employee assigned", "employee", employee, "salary", salary, "cadence", cad, "last_paid", rec.LastPaidTimestamp)
		if s.cfg.OnAssigned != nil {
			s.cfg.OnAssigned(employee, rec)
		}
	}
	return nil
}

// Remove deletes the employee record. Processed-period history is retained:
// those flags guard periods that may still be settling, and a reused periodId
// after reassignment is cleared explicitly via AdminClearProcessed.
func (s *Store) Remove(employee payroll.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[employee]; !ok {
		return ErrNotAssigned
	}
	delete(s.records, employee)
	s.log.Info("schedule: employee removed", "employee", employee)
	return nil
}

// Record returns the employee's current payroll record.
func (s *Store) Record(employee payroll.Address) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[employee]
	return rec, ok
}

// Employees returns the addresses of all assigned employees.
func (s *Store) Employees() []payroll.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payroll.Address, 0, len(s.records))
	for a := range s.records {
		out = append(out, a)
	}
	return out
}

// IsDue reports whether the (employee, period) payout should be initiated.
// The first failing condition is returned, in a fixed order: assignment,
// alignment, processed flag, period-after-last-paid. Callers depend on this
// ordering for deterministic diagnostics.
func (s *Store) IsDue(employee payroll.Address, periodID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDueLocked(employee, periodID)
}

func (s *Store) isDueLocked(employee payroll.Address, periodID uint64) (bool, error) {
	rec, ok := s.records[employee]
	if !ok {
		return false, ErrNotAssigned
	}
	if !cadence.IsAligned(rec.Cadence, periodID) {
		return false, ErrPeriodMisaligned
	}
	if s.processed[processedKey{employee, periodID}] {
		return false, ErrAlreadyProcessed
	}
	if periodID <= rec.LastPaidTimestamp {
		return false, ErrPeriodNotLaterThanLastPaid
	}
	return true, nil
}

// TriggerDue re-checks due-ness and, if due, marks the period processed and
// emits the due signal. The processed flag commits before the signal and
// before the notifier callback, so a re-entrant TriggerDue from downstream
// fails with ErrAlreadyProcessed instead of double-triggering.
func (s *Store) TriggerDue(ctx context.Context, employee payroll.Address, periodID uint64) error {
	s.mu.Lock()
	due, reason := s.isDueLocked(employee, periodID)
	if !due {
		s.mu.Unlock()
		return reason
	}
	s.processed[processedKey{employee, periodID}] = true
	amount := s.records[employee].Salary
	notifier := s.notifier
	s.mu.Unlock()

	sig := payroll.DueSignal{Employee: employee, Amount: amount, PeriodID: periodID}
	metrics.DueSignalsTotal.WithLabelValues("trigger").Inc()
	s.log.Info("schedule: due signal", "employee", employee, "period", periodID, "amount", amount)
	if s.cfg.OnDueSignal != nil {
		s.cfg.OnDueSignal(sig)
	}

	if notifier != nil {
		if err := notifier.NotifyDue(ctx, employee, periodID); err != nil {
			// The processed flag stays set; operators reconcile via
			// AdminClearProcessed if the downstream never recovers.
			metrics.ReconciliationDriftTotal.WithLabelValues("due_notify").Inc()
			s.log.Warn("schedule: due notification failed, processed flag retained",
				"employee", employee, "period", periodID, "error", err)
		}
	}
	return nil
}

// ConfirmPaid advances the employee's last-paid timestamp after a settlement.
// The timestamp only moves forward.
func (s *Store) ConfirmPaid(employee payroll.Address, periodID uint64, paidTimestamp uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[employee]
	if !ok {
		return ErrNotAssigned
	}
	if !s.processed[processedKey{employee, periodID}] {
		return ErrPeriodNotProcessed
	}
	if paidTimestamp <= rec.LastPaidTimestamp {
		return ErrTimestampNotLater
	}
	rec.LastPaidTimestamp = paidTimestamp
	s.records[employee] = rec
	s.log.Debug("schedule: payment confirmed", "employee", employee, "period", periodID, "paid_at", paidTimestamp)
	return nil
}

// AdminClearProcessed unconditionally clears the processed flag for the pair.
// Operational escape hatch; deliberately bypasses all invariants.
func (s *Store) AdminClearProcessed(employee payroll.Address, periodID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processed, processedKey{employee, periodID})
	s.log.Warn("schedule: processed flag cleared by admin", "employee", employee, "period", periodID)
}

// AdminEmitDueSignal emits a due signal without setting the processed flag
// and without notifying the vault. Diagnostic path only: it carries none of
// the duplicate-processing protection of TriggerDue.
func (s *Store) AdminEmitDueSignal(employee payroll.Address, periodID uint64) error {
	s.mu.Lock()
	rec, ok := s.records[employee]
	s.mu.Unlock()
	if !ok {
		return ErrNotAssigned
	}

	sig := payroll.DueSignal{Employee: employee, Amount: rec.Salary, PeriodID: periodID}
	metrics.DueSignalsTotal.WithLabelValues("admin").Inc()
	s.log.Warn("schedule: admin due signal emitted without processed flag", "employee", employee, "period", periodID)
	if s.cfg.OnDueSignal != nil {
		s.cfg.OnDueSignal(sig)
	}
	return nil
}

// NextExpectedPeriod computes the next period boundary the employee should be
// paid for, using the current clock time when the employee was never paid.
func (s *Store) NextExpectedPeriod(employee payroll.Address) (uint64, error) {
	s.mu.Lock()
	rec, ok := s.records[employee]
	s.mu.Unlock()
	if !ok {
		return 0, ErrNotAssigned
	}
	now := uint64(s.cfg.Clock.Now().Unix())
	p, err := cadence.NextAlignedPeriodOnOrAfter(rec.Cadence, rec.LastPaidTimestamp, now)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next period: %w", err)
	}
	return p, nil
}
