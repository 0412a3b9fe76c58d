// Package watcher drives the off-chain payment flow: it scans the schedule
// for employees whose next period has arrived, triggers the due signal, asks
// the payment rail to execute the payout, and submits the returned proof to
// the settlement orchestrator.
//
// The watcher is deliberately stateless: every decision re-derives from the
// schedule store, so a crashed or duplicated watcher can only produce
// duplicate signals and proofs, which the core rejects, never duplicate
// payouts.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
	"github.com/paystreamlabs/paystream/settlement/pkg/schedule"
	"github.com/paystreamlabs/paystream/settlement/pkg/settle"
	"github.com/paystreamlabs/paystream/utils/pkg/retry"
)

// Schedule is the slice of the schedule store the watcher reads. The watcher
// deliberately polls IsDue instead of calling TriggerDue: the processed flag
// set by TriggerDue makes the vault's own due-check fail, so the trigger path
// belongs to push subscribers, not to the settlement flow.
type Schedule interface {
	Employees() []payroll.Address
	Record(employee payroll.Address) (schedule.Record, bool)
	NextExpectedPeriod(employee payroll.Address) (uint64, error)
	IsDue(employee payroll.Address, periodID uint64) (bool, error)
}

// PaymentRail executes the actual payout off-chain and returns the proof
// bytes attesting to it.
type PaymentRail interface {
	Pay(ctx context.Context, employee payroll.Address, periodID, amount uint64) ([]byte, error)
}

// Settler accepts a payment proof and finalizes the settlement. IsSettled is
// consulted before any rail payment: a settled period can still look due to
// the schedule when the post-release ConfirmPaid drifted, and the rail must
// never be asked to pay it again.
type Settler interface {
	Settle(ctx context.Context, employee payroll.Address, periodID uint64, proofBytes []byte) (settle.Result, error)
	IsSettled(employee payroll.Address, periodID uint64) bool
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Schedule Schedule
	Rail     PaymentRail
	Settler  Settler
	Interval time.Duration
	Retry    retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Schedule == nil {
		return errors.New("schedule is required")
	}
	if cfg.Rail == nil {
		return errors.New("payment rail is required")
	}
	if cfg.Settler == nil {
		return errors.New("settler is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Watcher struct {
	log *slog.Logger
	cfg Config

	tickMu    sync.Mutex
	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Watcher{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

// Ready reports whether at least one full scan has completed.
func (w *Watcher) Ready() bool {
	select {
	case <-w.readyCh:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the first scan completes or the context ends.
func (w *Watcher) WaitReady(ctx context.Context) error {
	select {
	case <-w.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run scans on the configured interval until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watcher: starting", "interval", w.cfg.Interval)
	w.Tick(ctx)

	ticker := w.cfg.Clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher: stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			w.Tick(ctx)
		}
	}
}

// Tick performs one scan over all assigned employees. Concurrent ticks are
// serialized; a slow rail never stacks scans.
func (w *Watcher) Tick(ctx context.Context) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	now := uint64(w.cfg.Clock.Now().Unix())
	for _, employee := range w.cfg.Schedule.Employees() {
		if ctx.Err() != nil {
			return
		}
		w.scanEmployee(ctx, employee, now)
	}
	w.readyOnce.Do(func() { close(w.readyCh) })
}

func (w *Watcher) scanEmployee(ctx context.Context, employee payroll.Address, now uint64) {
	periodID, err := w.cfg.Schedule.NextExpectedPeriod(employee)
	if err != nil {
		// Removed between Employees() and here.
		w.log.Debug("watcher: skipping employee", "employee", employee, "error", err)
		return
	}
	if periodID == 0 || periodID > now {
		return
	}

	if w.cfg.Settler.IsSettled(employee, periodID) {
		return
	}

	due, reason := w.cfg.Schedule.IsDue(employee, periodID)
	if !due {
		switch {
		case errors.Is(reason, schedule.ErrAlreadyProcessed),
			errors.Is(reason, schedule.ErrPeriodNotLaterThanLastPaid):
			// Another watcher or a previous tick got here first.
			w.log.Debug("watcher: period already handled", "employee", employee, "period", periodID)
		default:
			w.log.Warn("watcher: period not due", "employee", employee, "period", periodID, "reason", reason)
		}
		return
	}

	rec, ok := w.cfg.Schedule.Record(employee)
	if !ok {
		w.log.Warn("watcher: employee removed during scan", "employee", employee, "period", periodID)
		return
	}
	w.settleDue(ctx, employee, periodID, rec.Salary)
}

func (w *Watcher) settleDue(ctx context.Context, employee payroll.Address, periodID, amount uint64) {
	var proofBytes []byte
	err := retry.Do(ctx, w.cfg.Retry, func() error {
		var payErr error
		proofBytes, payErr = w.cfg.Rail.Pay(ctx, employee, periodID, amount)
		return payErr
	})
	if err != nil {
		// The period stays due and is retried next tick. If the rail paid
		// but never returned a proof, the operator submits it manually.
		w.log.Error("watcher: payment rail failed",
			"employee", employee, "period", periodID, "amount", amount, "error", err)
		return
	}

	res, err := w.cfg.Settler.Settle(ctx, employee, periodID, proofBytes)
	if err != nil {
		w.log.Error("watcher: settlement failed", "employee", employee, "period", periodID, "error", err)
		return
	}
	if res.AlreadyProcessed {
		w.log.Debug("watcher: settlement already processed", "employee", employee, "period", periodID)
		return
	}
	w.log.Info("watcher: settled", "employee", employee, "period", periodID, "amount", res.Receipt.Amount)
}
