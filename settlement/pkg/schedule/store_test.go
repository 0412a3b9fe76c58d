package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/paystreamlabs/paystream/settlement/pkg/cadence"
	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
	paytesting "github.com/paystreamlabs/paystream/utils/pkg/testing"
)

func testAddr(n int) payroll.Address {
	var a payroll.Address
	for i := range a {
		a[i] = byte(n + i)
	}
	return a
}

const monthly = uint64(2_592_000)

func testStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = paytesting.NewLogger()
	}
	store, err := NewStore(cfg)
	require.NoError(t, err)
	return store
}

func TestPaystream_Schedule_NewStore(t *testing.T) {
	t.Parallel()

	t.Run("requires logger", func(t *testing.T) {
		t.Parallel()
		store, err := NewStore(StoreConfig{})
		require.Error(t, err)
		require.Nil(t, store)
		require.Contains(t, err.Error(), "logger is required")
	})
}

func TestPaystream_Schedule_Assign(t *testing.T) {
	t.Parallel()

	t.Run("creates a record and emits assigned", func(t *testing.T) {
		t.Parallel()
		var assigned, updated int
		store := testStore(t, StoreConfig{
			OnAssigned: func(payroll.Address, Record) { assigned++ },
			OnUpdated:  func(payroll.Address, Record) { updated++ },
		})

		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))
		require.Equal(t, 1, assigned)
		require.Equal(t, 0, updated)

		rec, ok := store.Record(emp)
		require.True(t, ok)
		require.Equal(t, uint64(1_000_000), rec.Salary)
		require.Equal(t, cadence.Monthly, rec.Cadence)
		require.Equal(t, uint64(0), rec.LastPaidTimestamp)
	})

	t.Run("update overwrites salary and cadence but not last paid", func(t *testing.T) {
		t.Parallel()
		var assigned, updated int
		store := testStore(t, StoreConfig{
			OnAssigned: func(payroll.Address, Record) { assigned++ },
			OnUpdated:  func(payroll.Address, Record) { updated++ },
		})

		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, monthly*3))
		require.NoError(t, store.Assign(t.Context(), emp, 2_000_000, cadence.Biweekly, 0))
		require.Equal(t, 1, assigned)
		require.Equal(t, 1, updated)

		rec, ok := store.Record(emp)
		require.True(t, ok)
		require.Equal(t, uint64(2_000_000), rec.Salary)
		require.Equal(t, cadence.Biweekly, rec.Cadence)
		require.Equal(t, monthly*3, rec.LastPaidTimestamp, "update must not touch last paid")
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		t.Parallel()
		store := testStore(t, StoreConfig{})
		require.ErrorIs(t, store.Assign(t.Context(), payroll.Address{}, 1, cadence.Monthly, 0), payroll.ErrZeroAddress)
		require.ErrorIs(t, store.Assign(t.Context(), testAddr(1), 0, cadence.Monthly, 0), ErrInvalidSalary)
		require.ErrorIs(t, store.Assign(t.Context(), testAddr(1), 1, cadence.Cadence(0), 0), cadence.ErrInvalidCadence)
	})
}

func TestPaystream_Schedule_Remove(t *testing.T) {
	t.Parallel()

	store := testStore(t, StoreConfig{})
	emp := testAddr(1)

	require.ErrorIs(t, store.Remove(emp), ErrNotAssigned)

	require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))
	require.NoError(t, store.Remove(emp))
	_, ok := store.Record(emp)
	require.False(t, ok)
	require.ErrorIs(t, store.Remove(emp), ErrNotAssigned)
}

func TestPaystream_Schedule_IsDue(t *testing.T) {
	t.Parallel()

	t.Run("unassigned employee fails with not assigned first", func(t *testing.T) {
		t.Parallel()
		store := testStore(t, StoreConfig{})
		// Any period, aligned or not: the first reason is always assignment.
		for _, periodID := range []uint64{0, 1, monthly, monthly + 1} {
			due, reason := store.IsDue(testAddr(9), periodID)
			require.False(t, due)
			require.ErrorIs(t, reason, ErrNotAssigned)
		}
	})

	t.Run("reason ordering", func(t *testing.T) {
		t.Parallel()
		store := testStore(t, StoreConfig{})
		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, monthly*5))

		due, reason := store.IsDue(emp, monthly+1)
		require.False(t, due)
		require.ErrorIs(t, reason, ErrPeriodMisaligned)

		// Aligned but not later than last paid.
		due, reason = store.IsDue(emp, monthly*5)
		require.False(t, due)
		require.ErrorIs(t, reason, ErrPeriodNotLaterThanLastPaid)

		// Processed wins over the last-paid comparison.
		require.NoError(t, store.TriggerDue(t.Context(), emp, monthly*6))
		due, reason = store.IsDue(emp, monthly*6)
		require.False(t, due)
		require.ErrorIs(t, reason, ErrAlreadyProcessed)

		due, reason = store.IsDue(emp, monthly*7)
		require.True(t, due)
		require.NoError(t, reason)
	})

	t.Run("period zero is never due", func(t *testing.T) {
		t.Parallel()
		store := testStore(t, StoreConfig{})
		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))
		due, reason := store.IsDue(emp, 0)
		require.False(t, due)
		require.ErrorIs(t, reason, ErrPeriodMisaligned)
	})
}

type notifierFunc func(ctx context.Context, employee payroll.Address, periodID uint64) error

func (f notifierFunc) NotifyDue(ctx context.Context, employee payroll.Address, periodID uint64) error {
	return f(ctx, employee, periodID)
}

func TestPaystream_Schedule_TriggerDue(t *testing.T) {
	t.Parallel()

	t.Run("emits signal and marks processed", func(t *testing.T) {
		t.Parallel()
		var signals []payroll.DueSignal
		store := testStore(t, StoreConfig{
			OnDueSignal: func(sig payroll.DueSignal) { signals = append(signals, sig) },
		})
		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))

		require.NoError(t, store.TriggerDue(t.Context(), emp, monthly))
		require.Len(t, signals, 1)
		require.Equal(t, payroll.DueSignal{Employee: emp, Amount: 1_000_000, PeriodID: monthly}, signals[0])

		require.ErrorIs(t, store.TriggerDue(t.Context(), emp, monthly), ErrAlreadyProcessed)
		require.Len(t, signals, 1)
	})

	t.Run("propagates due-check failure", func(t *testing.T) {
		t.Parallel()
		store := testStore(t, StoreConfig{})
		require.ErrorIs(t, store.TriggerDue(t.Context(), testAddr(1), monthly), ErrNotAssigned)
	})

	t.Run("processed flag commits before the notifier runs", func(t *testing.T) {
		t.Parallel()
		store := testStore(t, StoreConfig{})
		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))

		var reentrant error
		store.SetSettlementNotifier(notifierFunc(func(ctx context.Context, e payroll.Address, p uint64) error {
			// A re-entrant trigger from downstream must see the flag already set.
			reentrant = store.TriggerDue(ctx, e, p)
			return nil
		}))

		require.NoError(t, store.TriggerDue(t.Context(), emp, monthly))
		require.ErrorIs(t, reentrant, ErrAlreadyProcessed)
	})

	t.Run("notifier failure does not roll back the flag", func(t *testing.T) {
		t.Parallel()
		store := testStore(t, StoreConfig{})
		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))
		store.SetSettlementNotifier(notifierFunc(func(context.Context, payroll.Address, uint64) error {
			return context.DeadlineExceeded
		}))

		require.NoError(t, store.TriggerDue(t.Context(), emp, monthly))
		due, reason := store.IsDue(emp, monthly)
		require.False(t, due)
		require.ErrorIs(t, reason, ErrAlreadyProcessed)
	})
}

func TestPaystream_Schedule_ConfirmPaid(t *testing.T) {
	t.Parallel()

	store := testStore(t, StoreConfig{})
	emp := testAddr(1)
	require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))

	require.ErrorIs(t, store.ConfirmPaid(testAddr(9), monthly, monthly), ErrNotAssigned)
	require.ErrorIs(t, store.ConfirmPaid(emp, monthly, monthly), ErrPeriodNotProcessed)

	require.NoError(t, store.TriggerDue(t.Context(), emp, monthly))
	require.NoError(t, store.ConfirmPaid(emp, monthly, monthly+100))

	rec, _ := store.Record(emp)
	require.Equal(t, monthly+100, rec.LastPaidTimestamp)

	// Last paid only moves forward.
	require.NoError(t, store.TriggerDue(t.Context(), emp, monthly*2))
	require.ErrorIs(t, store.ConfirmPaid(emp, monthly*2, monthly+100), ErrTimestampNotLater)
	require.ErrorIs(t, store.ConfirmPaid(emp, monthly*2, monthly), ErrTimestampNotLater)
	require.NoError(t, store.ConfirmPaid(emp, monthly*2, monthly*2+100))
}

func TestPaystream_Schedule_AdminOps(t *testing.T) {
	t.Parallel()

	t.Run("clear processed reopens the period", func(t *testing.T) {
		t.Parallel()
		store := testStore(t, StoreConfig{})
		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))
		require.NoError(t, store.TriggerDue(t.Context(), emp, monthly))

		store.AdminClearProcessed(emp, monthly)
		due, reason := store.IsDue(emp, monthly)
		require.True(t, due)
		require.NoError(t, reason)
	})

	t.Run("admin signal bypasses the processed flag", func(t *testing.T) {
		t.Parallel()
		var signals int
		notified := false
		store := testStore(t, StoreConfig{
			OnDueSignal: func(payroll.DueSignal) { signals++ },
		})
		store.SetSettlementNotifier(notifierFunc(func(context.Context, payroll.Address, uint64) error {
			notified = true
			return nil
		}))
		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))

		require.ErrorIs(t, store.AdminEmitDueSignal(testAddr(9), monthly), ErrNotAssigned)
		require.NoError(t, store.AdminEmitDueSignal(emp, monthly))
		require.Equal(t, 1, signals)
		require.False(t, notified, "admin signal must not notify the vault")

		due, reason := store.IsDue(emp, monthly)
		require.True(t, due, "admin signal must not set the processed flag")
		require.NoError(t, reason)
	})

	t.Run("processed history survives removal", func(t *testing.T) {
		t.Parallel()
		store := testStore(t, StoreConfig{})
		emp := testAddr(1)
		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))
		require.NoError(t, store.TriggerDue(t.Context(), emp, monthly))
		require.NoError(t, store.Remove(emp))

		require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))
		due, reason := store.IsDue(emp, monthly)
		require.False(t, due)
		require.ErrorIs(t, reason, ErrAlreadyProcessed)
	})
}

func TestPaystream_Schedule_NextExpectedPeriod(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Unix(int64(monthly*10+1_234), 0))
	store := testStore(t, StoreConfig{Clock: clock})
	emp := testAddr(1)

	_, err := store.NextExpectedPeriod(emp)
	require.ErrorIs(t, err, ErrNotAssigned)

	// Never paid: now rounded down to the cadence boundary.
	require.NoError(t, store.Assign(t.Context(), emp, 1_000_000, cadence.Monthly, 0))
	p, err := store.NextExpectedPeriod(emp)
	require.NoError(t, err)
	require.Equal(t, monthly*10, p)

	// Paid: exactly one cadence step past the last paid period.
	require.NoError(t, store.TriggerDue(t.Context(), emp, monthly*10))
	require.NoError(t, store.ConfirmPaid(emp, monthly*10, monthly*10))
	p, err = store.NextExpectedPeriod(emp)
	require.NoError(t, err)
	require.Equal(t, monthly*11, p)
}
