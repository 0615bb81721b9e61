package core

import (
	"errors"
	"math/big"
	"sync"

	"safeswap/core/events"
	"safeswap/core/state"
	"safeswap/native/escrow"
	"safeswap/storage"
)

// Node owns the database and serializes every escrow operation behind a single
// lock, reproducing the per-record exclusive-transaction guarantee the engine
// relies on. Each operation runs against a fresh state manager and its writes
// are committed only when the whole operation succeeds.
type Node struct {
	stateMu sync.Mutex

	db            storage.Database
	authoritySeed []byte
	emitter       events.Emitter
	nowFn         func() int64
}

// NewNode constructs a node over the given database. The authority seed is the
// process-wide material from which every record's signing capability is
// derived; it must stay stable across restarts or custody payouts become
// impossible.
func NewNode(db storage.Database, authoritySeed []byte) (*Node, error) {
	if db == nil {
		return nil, errors.New("node: database is required")
	}
	if len(authoritySeed) == 0 {
		return nil, errors.New("node: authority seed is required")
	}
	return &Node{
		db:            db,
		authoritySeed: append([]byte(nil), authoritySeed...),
		emitter:       events.NoopEmitter{},
	}, nil
}

// SetEmitter configures the event emitter handed to the engine. Passing nil
// resets it to a no-op implementation.
func (n *Node) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		n.emitter = events.NoopEmitter{}
		return
	}
	n.emitter = emitter
}

// SetNowFunc overrides the engine time source, primarily for tests.
func (n *Node) SetNowFunc(now func() int64) { n.nowFn = now }

func (n *Node) newEngine(mgr *state.Manager) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(mgr)
	engine.SetAuthoritySeed(n.authoritySeed)
	engine.SetEmitter(n.emitter)
	if n.nowFn != nil {
		engine.SetNowFunc(n.nowFn)
	}
	return engine
}

// CreateEscrow opens a new trade for the seller's listing.
func (n *Node) CreateEscrow(seller [20]byte, listingID string, amount *big.Int, expireAt int64) (*escrow.Escrow, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	mgr := state.NewManager(n.db)
	esc, err := n.newEngine(mgr).Create(seller, listingID, amount, expireAt)
	if err != nil {
		return nil, err
	}
	if err := mgr.Commit(); err != nil {
		return nil, err
	}
	return esc, nil
}

// FundEscrow moves the expected amount from the buyer into custody.
func (n *Node) FundEscrow(id [32]byte, buyer [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	mgr := state.NewManager(n.db)
	if err := n.newEngine(mgr).Fund(id, buyer); err != nil {
		return err
	}
	return mgr.Commit()
}

// CompleteEscrow releases custody funds to the seller on the buyer's say-so.
func (n *Node) CompleteEscrow(id [32]byte, buyer, seller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	mgr := state.NewManager(n.db)
	if err := n.newEngine(mgr).Complete(id, buyer, seller); err != nil {
		return err
	}
	return mgr.Commit()
}

// CancelEscrow closes an unfunded trade.
func (n *Node) CancelEscrow(id [32]byte, seller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	mgr := state.NewManager(n.db)
	if err := n.newEngine(mgr).Cancel(id, seller); err != nil {
		return err
	}
	return mgr.Commit()
}

// RefundEscrow returns custody funds to the buyer.
func (n *Node) RefundEscrow(id [32]byte, buyer [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	mgr := state.NewManager(n.db)
	if err := n.newEngine(mgr).Refund(id, buyer); err != nil {
		return err
	}
	return mgr.Commit()
}

// GetEscrow loads a single escrow record.
func (n *Node) GetEscrow(id [32]byte) (*escrow.Escrow, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	esc, ok := state.NewManager(n.db).EscrowGet(id)
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return esc, nil
}

// GetBalance reports the ledger balance for an address.
func (n *Node) GetBalance(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	acc, err := state.NewManager(n.db).GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// Mint credits an account out of thin air. Used for genesis allocations and
// development faucets only; nothing in the escrow state machine calls it.
func (n *Node) Mint(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errors.New("node: mint amount must be positive")
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	mgr := state.NewManager(n.db)
	acc, err := mgr.GetAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	if err := mgr.PutAccount(addr, acc); err != nil {
		return err
	}
	return mgr.Commit()
}
