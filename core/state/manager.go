package state

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"safeswap/core/types"
	"safeswap/crypto"
	"safeswap/native/escrow"
	"safeswap/storage"
)

// ErrInsufficientBalance is returned when a transfer would overdraw the
// debited account.
var ErrInsufficientBalance = errors.New("state: insufficient balance")

var (
	escrowPrefix  = []byte("escrow:")
	accountPrefix = []byte("account:")
	custodyPrefix = []byte("custody:")
	vaultTag      = []byte("safeswap/vault/v1")
)

// Manager provides transactional access to escrow records, accounts and
// custody balances on top of a key-value store. Writes are buffered in memory
// until Commit; a failed operation is discarded wholesale by dropping the
// manager, so callers never observe a partially applied operation.
type Manager struct {
	db    storage.Database
	dirty map[string][]byte
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, dirty: make(map[string][]byte)}
}

func escrowKey(id [32]byte) []byte {
	return ethcrypto.Keccak256(escrowPrefix, id[:])
}

func accountKey(addr [20]byte) []byte {
	return ethcrypto.Keccak256(accountPrefix, addr[:])
}

func custodyKey(id [32]byte) []byte {
	return ethcrypto.Keccak256(custodyPrefix, id[:])
}

func (m *Manager) get(key []byte) ([]byte, error) {
	if value, ok := m.dirty[string(key)]; ok {
		return value, nil
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (m *Manager) put(key, value []byte) {
	m.dirty[string(key)] = value
}

// Commit flushes all buffered writes to the underlying database in a single
// atomic batch. A failed flush leaves the database untouched, so an operation
// can never become partially durable.
func (m *Manager) Commit() error {
	if len(m.dirty) == 0 {
		return nil
	}
	if err := m.db.WriteBatch(m.dirty); err != nil {
		return err
	}
	m.dirty = make(map[string][]byte)
	return nil
}

// storedEscrow is the RLP shape of an escrow record. RLP has no signed
// integers, so timestamps are persisted as uint64.
type storedEscrow struct {
	Seller        [20]byte
	Buyer         [20]byte
	ListingID     string
	Amount        *big.Int
	Status        uint8
	CreatedAt     uint64
	ExpireAt      uint64
	AuthoritySalt [32]byte
	Authority     [20]byte
}

// EscrowPut persists a sanitized copy of the escrow record. Records are never
// deleted; terminal records remain as the audit trail.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	stored := storedEscrow{
		Seller:        sanitized.Seller,
		Buyer:         sanitized.Buyer,
		ListingID:     sanitized.ListingID,
		Amount:        sanitized.Amount,
		Status:        uint8(sanitized.Status),
		CreatedAt:     uint64(sanitized.CreatedAt),
		ExpireAt:      uint64(sanitized.ExpireAt),
		AuthoritySalt: sanitized.AuthoritySalt,
		Authority:     sanitized.Authority,
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return err
	}
	m.put(escrowKey(sanitized.ID), encoded)
	return nil
}

// EscrowGet loads the escrow record for the identifier. The returned record is
// a copy; mutating it does not affect stored state.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	data, err := m.get(escrowKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	esc := &escrow.Escrow{
		ID:            id,
		Seller:        stored.Seller,
		Buyer:         stored.Buyer,
		ListingID:     stored.ListingID,
		Amount:        stored.Amount,
		Status:        escrow.Status(stored.Status),
		CreatedAt:     int64(stored.CreatedAt),
		ExpireAt:      int64(stored.ExpireAt),
		AuthoritySalt: stored.AuthoritySalt,
		Authority:     stored.Authority,
	}
	return esc, true
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// GetAccount loads the account for the address, returning a zero-balance
// account when none is stored yet.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	data, err := m.get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	acc := new(types.Account)
	if err := rlp.DecodeBytes(data, acc); err != nil {
		return nil, err
	}
	return ensureAccount(acc), nil
}

// PutAccount persists the account for the address.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	encoded, err := rlp.EncodeToBytes(ensureAccount(acc))
	if err != nil {
		return err
	}
	m.put(accountKey(addr), encoded)
	return nil
}

// VaultAddress returns the deterministic custody address for the escrow
// record. The address is derived from the record identifier alone, so every
// record gets its own vault.
func (m *Manager) VaultAddress(id [32]byte) ([20]byte, error) {
	digest := ethcrypto.Keccak256(vaultTag, id[:])
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr, nil
}

// Transfer moves amount from one account to another. The debit is
// balance-checked and the operation applies both sides or neither.
func (m *Manager) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: transfer amount must be positive")
	}
	fromAcc, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := m.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return m.PutAccount(to, toAcc)
}

// TransferFromVault pays out from the escrow's vault. The payout must carry a
// signature from the record's derived authority covering the exact
// (escrow, recipient, amount) tuple; no other identity can move custody funds.
func (m *Manager) TransferFromVault(id [32]byte, to [20]byte, amount *big.Int, sig []byte) error {
	esc, ok := m.EscrowGet(id)
	if !ok {
		return escrow.ErrNotFound
	}
	if err := crypto.VerifyTransferSig(esc.Authority, id, to, amount, sig); err != nil {
		return err
	}
	held, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if held.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	vault, err := m.VaultAddress(id)
	if err != nil {
		return err
	}
	if err := m.Transfer(vault, to, amount); err != nil {
		return err
	}
	return m.escrowSetBalance(id, new(big.Int).Sub(held, amount))
}

// EscrowBalance reports the amount currently held in custody for the record.
func (m *Manager) EscrowBalance(id [32]byte) (*big.Int, error) {
	data, err := m.get(custodyKey(id))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, err
	}
	return balance, nil
}

func (m *Manager) escrowSetBalance(id [32]byte, balance *big.Int) error {
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	m.put(custodyKey(id), encoded)
	return nil
}

// EscrowCredit records custody funds received for the escrow.
func (m *Manager) EscrowCredit(id [32]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: negative credit")
	}
	if _, ok := m.EscrowGet(id); !ok {
		return escrow.ErrNotFound
	}
	current, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	return m.escrowSetBalance(id, new(big.Int).Add(current, amount))
}
