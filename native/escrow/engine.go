package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"safeswap/core/events"
	"safeswap/core/types"
	"safeswap/crypto"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilSeed  = errors.New("escrow engine: authority seed not configured")
)

var (
	escrowIDTag   = []byte("safeswap/escrow/v1")
	escrowSaltTag = []byte("safeswap/escrow-salt/v1")
)

// engineState is the narrow view of the ledger the engine operates on. The
// implementation must apply each operation atomically: either every mutation
// performed during one engine call becomes visible, or none does.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	VaultAddress(id [32]byte) ([20]byte, error)
	Transfer(from, to [20]byte, amount *big.Int) error
	TransferFromVault(id [32]byte, to [20]byte, amount *big.Int, sig []byte) error
	EscrowCredit(id [32]byte, amount *big.Int) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow state machine with external state and event
// emitters. Each operation validates every precondition against the record and
// the caller identity before mutating anything; any failure aborts with no
// observable side effect.
type Engine struct {
	state         engineState
	emitter       events.Emitter
	authoritySeed []byte
	nowFn         func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAuthoritySeed configures the process-wide seed from which per-record
// signing authorities are derived.
func (e *Engine) SetAuthoritySeed(seed []byte) {
	e.authoritySeed = append([]byte(nil), seed...)
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// EscrowID computes the deterministic record identifier for a seller and
// listing pair.
func EscrowID(seller [20]byte, listingID string) [32]byte {
	return ethcrypto.Keccak256Hash(escrowIDTag, seller[:], []byte(strings.TrimSpace(listingID)))
}

func escrowSalt(id [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(escrowSaltTag, id[:])
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

func (e *Engine) authority(esc *Escrow) (*crypto.Authority, error) {
	if len(e.authoritySeed) == 0 {
		return nil, errNilSeed
	}
	return crypto.DeriveAuthority(e.authoritySeed, esc.ID, esc.AuthoritySalt)
}

// Create initialises and persists a new escrow record for the seller's
// listing. The buyer stays unset until funding begins and no transfer occurs.
// ExpireAt is stored for clients but no transition acts on it; a zero value
// means the listing carries no deadline.
func (e *Engine) Create(seller [20]byte, listingID string, amount *big.Int, expireAt int64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if len(e.authoritySeed) == 0 {
		return nil, errNilSeed
	}
	trimmed := strings.TrimSpace(listingID)
	if trimmed == "" {
		return nil, fmt.Errorf("escrow: listing id is required")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	now := e.now()
	if expireAt != 0 && expireAt < now {
		return nil, fmt.Errorf("escrow: expiry before creation time")
	}
	id := EscrowID(seller, trimmed)
	if _, ok := e.state.EscrowGet(id); ok {
		return nil, ErrAlreadyExists
	}
	salt := escrowSalt(id)
	auth, err := crypto.DeriveAuthority(e.authoritySeed, id, salt)
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:            id,
		Seller:        seller,
		ListingID:     trimmed,
		Amount:        amt,
		Status:        StatusCreated,
		CreatedAt:     now,
		ExpireAt:      expireAt,
		AuthoritySalt: salt,
		Authority:     auth.Address(),
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Fund moves the escrow amount from the caller into the record's vault and
// marks the escrow as funded. The first caller to fund an unclaimed record
// becomes the permanently bound buyer; afterwards only that buyer may retry.
func (e *Engine) Fund(id [32]byte, buyer [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.HasBuyer() && esc.Buyer != buyer {
		return ErrWrongBuyer
	}
	if esc.Status != StatusCreated {
		return ErrInvalidStatus
	}
	if !esc.HasBuyer() {
		esc.Buyer = buyer
	}
	vault, err := e.state.VaultAddress(id)
	if err != nil {
		return err
	}
	if err := e.state.Transfer(buyer, vault, esc.Amount); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, esc.Amount); err != nil {
		return err
	}
	esc.Status = StatusFunded
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewFundedEvent(esc))
	return nil
}

// Complete releases the escrowed funds to the seller. The buyer is the signer,
// modeling "buyer confirms satisfactory trade"; the payout itself is
// authorized by the record's derived authority, not by either party's key.
func (e *Engine) Complete(id [32]byte, buyer, seller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Buyer != buyer {
		return ErrWrongBuyer
	}
	if esc.Seller != seller {
		return ErrWrongSeller
	}
	if esc.Status != StatusFunded {
		return ErrInvalidStatus
	}
	auth, err := e.authority(esc)
	if err != nil {
		return err
	}
	sig, err := auth.SignTransfer(esc.Seller, esc.Amount)
	if err != nil {
		return err
	}
	if err := e.state.TransferFromVault(id, esc.Seller, esc.Amount, sig); err != nil {
		return err
	}
	esc.Status = StatusCompleted
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCompletedEvent(esc))
	return nil
}

// Cancel closes a trade before any funds moved. Only the seller may cancel,
// and only while no buyer has engaged; once a buyer is bound the trade must be
// unwound through Refund. The record is retained as history.
func (e *Engine) Cancel(id [32]byte, seller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Seller != seller {
		return ErrWrongSeller
	}
	if esc.Status != StatusCreated {
		return ErrInvalidStatus
	}
	if esc.HasBuyer() {
		return ErrAlreadyHasBuyer
	}
	esc.Status = StatusCancelled
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(esc))
	return nil
}

// Refund returns the escrowed funds to the buyer and closes the trade. Only
// the bound buyer may walk away from a funded trade.
func (e *Engine) Refund(id [32]byte, buyer [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.Buyer != buyer {
		return ErrWrongBuyer
	}
	if esc.Status != StatusFunded {
		return ErrInvalidStatus
	}
	auth, err := e.authority(esc)
	if err != nil {
		return err
	}
	sig, err := auth.SignTransfer(esc.Buyer, esc.Amount)
	if err != nil {
		return err
	}
	if err := e.state.TransferFromVault(id, esc.Buyer, esc.Amount, sig); err != nil {
		return err
	}
	esc.Status = StatusRefunded
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(esc))
	return nil
}
