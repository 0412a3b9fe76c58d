// Package proof records opaque attestations that an off-chain payment
// occurred. A proof is consumed exactly once, keyed by the SHA-256 of its raw
// bytes, and decodes structurally into (employee, period, amount).
//
// The structural decode is a shape check, not a cryptographic guarantee.
// Deployments must layer a real attestation (payment-rail signature or oracle
// callback) on top before trusting IsVerified; the trailing bytes of a proof
// are reserved for that material and ignored here.
package proof

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/paystreamlabs/paystream/settlement/pkg/metrics"
	"github.com/paystreamlabs/paystream/settlement/pkg/payroll"
)

const (
	periodIDWidth = 8
	amountWidth   = 8

	// MinProofLength is the structural minimum: address, then big-endian
	// period id and amount. Trailing bytes are permitted.
	MinProofLength = payroll.AddressLength + periodIDWidth + amountWidth
)

var (
	ErrMalformedProof       = errors.New("malformed proof")
	ErrProofAlreadyConsumed = errors.New("proof has already been consumed")
)

// ID identifies a consumed proof by the SHA-256 of its raw bytes.
type ID [sha256.Size]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Decoded is the structural content of a proof.
type Decoded struct {
	Employee payroll.Address
	PeriodID uint64
	Amount   uint64
}

type VerifierConfig struct {
	Logger *slog.Logger
}

func (cfg *VerifierConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// Verifier owns the consumed-proof set and the verified (employee, period)
// map. Both only ever grow; consumption is permanent replay protection.
type Verifier struct {
	log *slog.Logger

	mu       sync.Mutex
	consumed map[ID]bool
	verified map[verifiedKey]bool
}

type verifiedKey struct {
	employee payroll.Address
	periodID uint64
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{
		log:      cfg.Logger,
		consumed: make(map[ID]bool),
		verified: make(map[verifiedKey]bool),
	}, nil
}

// Decode validates the structural layout of raw proof bytes without
// consuming them.
func Decode(raw []byte) (Decoded, error) {
	if len(raw) < MinProofLength {
		return Decoded{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedProof, len(raw), MinProofLength)
	}
	employee, err := payroll.AddressFromBytes(raw[:payroll.AddressLength])
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	periodID := binary.BigEndian.Uint64(raw[payroll.AddressLength : payroll.AddressLength+periodIDWidth])
	amount := binary.BigEndian.Uint64(raw[payroll.AddressLength+periodIDWidth : MinProofLength])
	if periodID == 0 {
		return Decoded{}, fmt.Errorf("%w: zero period id", ErrMalformedProof)
	}
	if amount == 0 {
		return Decoded{}, fmt.Errorf("%w: zero amount", ErrMalformedProof)
	}
	return Decoded{Employee: employee, PeriodID: periodID, Amount: amount}, nil
}

// Encode builds the structural byte layout for a proof. Used by payment
// rails and tests; a real rail appends attestation material after the fixed
// fields.
func Encode(employee payroll.Address, periodID, amount uint64) []byte {
	raw := make([]byte, MinProofLength)
	copy(raw, employee[:])
	binary.BigEndian.PutUint64(raw[payroll.AddressLength:], periodID)
	binary.BigEndian.PutUint64(raw[payroll.AddressLength+periodIDWidth:], amount)
	return raw
}

// RegisterProof decodes and consumes a proof, marking the (employee, period)
// pair verified. The exact same raw bytes are never accepted twice.
func (v *Verifier) RegisterProof(raw []byte) (ID, Decoded, error) {
	dec, err := Decode(raw)
	if err != nil {
		return ID{}, Decoded{}, err
	}
	id := ID(sha256.Sum256(raw))

	v.mu.Lock()
	if v.consumed[id] {
		v.mu.Unlock()
		metrics.ProofReplaysTotal.Inc()
		v.log.Warn("proof: replay rejected", "proof", id, "employee", dec.Employee, "period", dec.PeriodID)
		return ID{}, Decoded{}, ErrProofAlreadyConsumed
	}
	v.consumed[id] = true
	v.verified[verifiedKey{dec.Employee, dec.PeriodID}] = true
	v.mu.Unlock()

	v.log.Debug("proof: registered", "proof", id, "employee", dec.Employee, "period", dec.PeriodID, "amount", dec.Amount)
	return id, dec, nil
}

// IsVerified reports whether a consumed proof covers the pair.
func (v *Verifier) IsVerified(employee payroll.Address, periodID uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verified[verifiedKey{employee, periodID}]
}
