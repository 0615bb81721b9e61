package escrow

import "errors"

// Error taxonomy surfaced to callers. Every precondition check happens before
// any mutation; on failure the operation aborts with no observable change.
var (
	// ErrNotFound is returned when no escrow record exists for the identifier.
	ErrNotFound = errors.New("escrow: record not found")
	// ErrAlreadyExists is returned by Create when a record already exists for
	// the same (seller, listing) key.
	ErrAlreadyExists = errors.New("escrow: record already exists")
	// ErrWrongBuyer is returned when the caller does not match the buyer bound
	// to the record.
	ErrWrongBuyer = errors.New("escrow: caller does not match escrow buyer")
	// ErrWrongSeller is returned when the caller or payout target does not
	// match the record's seller.
	ErrWrongSeller = errors.New("escrow: caller does not match escrow seller")
	// ErrInvalidStatus is returned when the requested operation is not a legal
	// transition from the record's current status.
	ErrInvalidStatus = errors.New("escrow: operation not allowed in current status")
	// ErrAlreadyHasBuyer is returned by Cancel once a buyer has engaged with
	// the trade; the buyer must use Refund instead.
	ErrAlreadyHasBuyer = errors.New("escrow: buyer already bound to trade")
)
