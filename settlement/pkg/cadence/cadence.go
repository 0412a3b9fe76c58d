// Package cadence maps pay-frequency categories to fixed period lengths and
// validates period alignment. It is pure and holds no state; every other
// component derives period math from this single table.
package cadence

import (
	"errors"
	"fmt"
)

// Cadence is the pay-frequency category determining period length.
type Cadence uint8

const (
	Minute Cadence = iota + 1
	Hourly
	Biweekly
	Monthly
)

var ErrInvalidCadence = errors.New("invalid cadence")

// DurationSeconds returns the fixed period length for the cadence, in
// seconds. Returns 0 for an unknown cadence; use Valid to distinguish.
func (c Cadence) DurationSeconds() uint64 {
	switch c {
	case Minute:
		return 60
	case Hourly:
		return 3_600
	case Biweekly:
		return 1_209_600
	case Monthly:
		// 30-day months; calendar drift is accepted for escrow periods.
		return 2_592_000
	default:
		return 0
	}
}

func (c Cadence) Valid() bool {
	return c.DurationSeconds() != 0
}

func (c Cadence) String() string {
	switch c {
	case Minute:
		return "minute"
	case Hourly:
		return "hourly"
	case Biweekly:
		return "biweekly"
	case Monthly:
		return "monthly"
	default:
		return fmt.Sprintf("cadence(%d)", uint8(c))
	}
}

// Parse converts the text form used by the API and config back to a Cadence.
func Parse(s string) (Cadence, error) {
	switch s {
	case "minute":
		return Minute, nil
	case "hourly":
		return Hourly, nil
	case "biweekly":
		return Biweekly, nil
	case "monthly":
		return Monthly, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidCadence, s)
	}
}

// IsAligned reports whether periodID is a valid period boundary for the
// cadence. Period 0 is reserved and never aligned: 0 mod n == 0 would
// otherwise make it trivially valid for every cadence.
func IsAligned(c Cadence, periodID uint64) bool {
	d := c.DurationSeconds()
	if d == 0 || periodID == 0 {
		return false
	}
	return periodID%d == 0
}

// NextAlignedPeriodOnOrAfter computes the next expected period boundary.
// When the employee has never been paid (lastPaid == 0) it is now rounded
// down to the cadence boundary; otherwise it is exactly one cadence step past
// the last paid period, not "now rounded" — an employee behind on payouts
// stays behind until each period settles in order.
func NextAlignedPeriodOnOrAfter(c Cadence, lastPaid, now uint64) (uint64, error) {
	d := c.DurationSeconds()
	if d == 0 {
		return 0, ErrInvalidCadence
	}
	if lastPaid == 0 {
		return (now / d) * d, nil
	}
	return ((lastPaid + d) / d) * d, nil
}
