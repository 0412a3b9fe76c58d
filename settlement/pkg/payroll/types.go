// Package payroll holds the domain types shared across the settlement core:
// employee addresses, amounts, and the events the core emits.
package payroll

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// AddressLength is the fixed byte width of an employee/recipient identifier.
const AddressLength = 32

var (
	ErrZeroAddress    = errors.New("address must not be zero")
	ErrInvalidAddress = errors.New("invalid address")
)

// Address is an opaque fixed-width employee/recipient identifier. The text
// form is base58 so addresses survive copy/paste through logs and URLs.
// The zero value is reserved and never refers to a real employee.
type Address [AddressLength]byte

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

// ParseAddress decodes the base58 text form of an address.
func ParseAddress(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return AddressFromBytes(raw)
}

// AddressFromBytes builds an Address from exactly AddressLength raw bytes.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAddress, AddressLength, len(b))
	}
	var a Address
	copy(a[:], b)
	if a.IsZero() {
		return Address{}, ErrZeroAddress
	}
	return a, nil
}

// DueSignal announces that a specific (employee, period) payout should now be
// initiated. Amount is the employee's salary in smallest currency units.
type DueSignal struct {
	Employee Address
	Amount   uint64
	PeriodID uint64
}

// ReleasedEvent is emitted by the vault after a settlement commits.
type ReleasedEvent struct {
	Employee Address
	Amount   uint64
	PeriodID uint64
	// External is true when the funds moved over an external payment rail
	// rather than out of the vault's own custody.
	External bool
}
