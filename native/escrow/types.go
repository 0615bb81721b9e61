package escrow

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle states of a single escrowed trade.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusCompleted
	StatusCancelled
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is permitted from the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Escrow captures the durable state of one trade. The identifier is the
// keccak256 hash of the seller address and the listing identifier, so one
// seller can run multiple concurrent trades while IDs stay deterministic.
// Seller, ListingID, Amount, CreatedAt and ExpireAt never change after
// creation; Buyer is bound at most once, by the first successful Fund.
type Escrow struct {
	ID            [32]byte
	Seller        [20]byte
	Buyer         [20]byte
	ListingID     string
	Amount        *big.Int
	Status        Status
	CreatedAt     int64
	ExpireAt      int64
	AuthoritySalt [32]byte
	Authority     [20]byte
}

// HasBuyer reports whether a buyer has been bound to the record. The zero
// address is the "unset" sentinel.
func (e *Escrow) HasBuyer() bool {
	return e != nil && e.Buyer != ([20]byte{})
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizeEscrow validates the supplied escrow definition, returning a cloned
// instance with a non-nil amount field. The function does not mutate the
// original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if clone.Status == StatusCreated && clone.HasBuyer() {
		return nil, fmt.Errorf("escrow in created status must not have a buyer")
	}
	return clone, nil
}
