package state

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"safeswap/crypto"
	"safeswap/native/escrow"
	"safeswap/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return NewManager(db)
}

func testID(fill byte) [32]byte {
	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{fill}, 32))
	return id
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func TestManagerEscrowPutGet(t *testing.T) {
	mgr := newTestManager(t)
	id := testID(0xAB)
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	amount := big.NewInt(1_000_000)
	created := int64(1_695_000_000)

	record := &escrow.Escrow{
		ID:            id,
		Seller:        seller,
		Buyer:         buyer,
		ListingID:     "listing-42",
		Amount:        amount,
		Status:        escrow.StatusFunded,
		CreatedAt:     created,
		ExpireAt:      1_700_000_000,
		AuthoritySalt: testID(0xCC),
		Authority:     testAddr(0x03),
	}

	if err := mgr.EscrowPut(record); err != nil {
		t.Fatalf("EscrowPut: %v", err)
	}

	stored, ok := mgr.EscrowGet(id)
	if !ok {
		t.Fatalf("EscrowGet: expected escrow to exist")
	}
	if stored.Seller != seller || stored.Buyer != buyer {
		t.Fatalf("addresses mutated during round trip")
	}
	if stored.ListingID != "listing-42" {
		t.Fatalf("unexpected listing id: %q", stored.ListingID)
	}
	if stored.Amount == nil || stored.Amount.Cmp(amount) != 0 {
		t.Fatalf("unexpected amount: %v", stored.Amount)
	}
	if stored.Amount == amount {
		t.Fatalf("EscrowGet should clone amount pointer")
	}
	if stored.Status != escrow.StatusFunded {
		t.Fatalf("unexpected status: %s", stored.Status)
	}
	if stored.CreatedAt != created || stored.ExpireAt != 1_700_000_000 {
		t.Fatalf("timestamps mutated during round trip")
	}
	if stored.AuthoritySalt != record.AuthoritySalt || stored.Authority != record.Authority {
		t.Fatalf("authority reference mutated during round trip")
	}
}

func TestManagerEscrowPutRejectsInvalid(t *testing.T) {
	mgr := newTestManager(t)
	invalid := &escrow.Escrow{ID: testID(0x01), Amount: big.NewInt(-1)}
	if err := mgr.EscrowPut(invalid); err == nil {
		t.Fatalf("expected sanitize failure")
	}
}

func TestManagerTransfer(t *testing.T) {
	mgr := newTestManager(t)
	from := testAddr(0x01)
	to := testAddr(0x02)

	fromAcc, err := mgr.GetAccount(from)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	fromAcc.Balance = big.NewInt(100)
	if err := mgr.PutAccount(from, fromAcc); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}

	if err := mgr.Transfer(from, to, big.NewInt(60)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := mgr.Transfer(from, to, big.NewInt(60)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := mgr.Transfer(from, to, big.NewInt(0)); err == nil {
		t.Fatalf("expected error for zero amount")
	}

	toAcc, err := mgr.GetAccount(to)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if toAcc.Balance.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("unexpected recipient balance: %s", toAcc.Balance)
	}
}

func TestManagerCustodyCreditAndPayout(t *testing.T) {
	mgr := newTestManager(t)
	id := testID(0xCD)
	seed := []byte("manager-test-seed")
	salt := testID(0xEE)
	buyer := testAddr(0x04)

	auth, err := crypto.DeriveAuthority(seed, id, salt)
	if err != nil {
		t.Fatalf("DeriveAuthority: %v", err)
	}
	record := &escrow.Escrow{
		ID:            id,
		Seller:        testAddr(0x03),
		Buyer:         buyer,
		ListingID:     "listing-7",
		Amount:        big.NewInt(5000),
		Status:        escrow.StatusFunded,
		AuthoritySalt: salt,
		Authority:     auth.Address(),
	}
	if err := mgr.EscrowPut(record); err != nil {
		t.Fatalf("EscrowPut: %v", err)
	}

	// Seed the vault the way Fund does: account transfer plus custody credit.
	vault, err := mgr.VaultAddress(id)
	if err != nil {
		t.Fatalf("VaultAddress: %v", err)
	}
	vaultAcc, _ := mgr.GetAccount(vault)
	vaultAcc.Balance = big.NewInt(5000)
	if err := mgr.PutAccount(vault, vaultAcc); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	if err := mgr.EscrowCredit(id, big.NewInt(5000)); err != nil {
		t.Fatalf("EscrowCredit: %v", err)
	}
	held, err := mgr.EscrowBalance(id)
	if err != nil || held.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("unexpected custody balance: %v %v", held, err)
	}

	sig, err := auth.SignTransfer(buyer, big.NewInt(5000))
	if err != nil {
		t.Fatalf("SignTransfer: %v", err)
	}
	if err := mgr.TransferFromVault(id, buyer, big.NewInt(5000), sig); err != nil {
		t.Fatalf("TransferFromVault: %v", err)
	}
	buyerAcc, _ := mgr.GetAccount(buyer)
	if buyerAcc.Balance.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("payout not credited: %s", buyerAcc.Balance)
	}
	held, _ = mgr.EscrowBalance(id)
	if held.Sign() != 0 {
		t.Fatalf("custody balance not drained: %s", held)
	}
}

func TestManagerVaultPayoutRejectsBadSignature(t *testing.T) {
	mgr := newTestManager(t)
	id := testID(0x11)
	seed := []byte("manager-test-seed")
	salt := testID(0x22)
	buyer := testAddr(0x04)

	auth, err := crypto.DeriveAuthority(seed, id, salt)
	if err != nil {
		t.Fatalf("DeriveAuthority: %v", err)
	}
	record := &escrow.Escrow{
		ID:            id,
		Seller:        testAddr(0x03),
		Buyer:         buyer,
		ListingID:     "listing-9",
		Amount:        big.NewInt(100),
		Status:        escrow.StatusFunded,
		AuthoritySalt: salt,
		Authority:     auth.Address(),
	}
	if err := mgr.EscrowPut(record); err != nil {
		t.Fatalf("EscrowPut: %v", err)
	}
	if err := mgr.EscrowCredit(id, big.NewInt(100)); err != nil {
		t.Fatalf("EscrowCredit: %v", err)
	}

	// A signature from a different record's authority must be rejected.
	otherAuth, err := crypto.DeriveAuthority(seed, testID(0x12), salt)
	if err != nil {
		t.Fatalf("DeriveAuthority: %v", err)
	}
	sig, err := otherAuth.SignTransfer(buyer, big.NewInt(100))
	if err != nil {
		t.Fatalf("SignTransfer: %v", err)
	}
	if err := mgr.TransferFromVault(id, buyer, big.NewInt(100), sig); !errors.Is(err, crypto.ErrInvalidTransferSig) {
		t.Fatalf("expected ErrInvalidTransferSig, got %v", err)
	}
}

func TestManagerCommitPersists(t *testing.T) {
	db := storage.NewMemDB()
	t.Cleanup(db.Close)

	mgr := NewManager(db)
	record := &escrow.Escrow{
		ID:        testID(0x77),
		Seller:    testAddr(0x01),
		ListingID: "listing-1",
		Amount:    big.NewInt(10),
		Status:    escrow.StatusCreated,
	}
	if err := mgr.EscrowPut(record); err != nil {
		t.Fatalf("EscrowPut: %v", err)
	}

	// A fresh manager over the same db must not see uncommitted writes.
	if _, ok := NewManager(db).EscrowGet(record.ID); ok {
		t.Fatalf("uncommitted write visible to new manager")
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, ok := NewManager(db).EscrowGet(record.ID); !ok {
		t.Fatalf("committed write not visible to new manager")
	}
}

// brokenBatchDB refuses batch writes, simulating an I/O failure at flush time.
type brokenBatchDB struct {
	*storage.MemDB
}

func (db brokenBatchDB) WriteBatch(map[string][]byte) error {
	return errors.New("disk full")
}

func TestManagerCommitIsAllOrNothing(t *testing.T) {
	mem := storage.NewMemDB()
	t.Cleanup(mem.Close)
	db := brokenBatchDB{MemDB: mem}

	mgr := NewManager(db)
	record := &escrow.Escrow{
		ID:        testID(0x78),
		Seller:    testAddr(0x01),
		ListingID: "listing-1",
		Amount:    big.NewInt(10),
		Status:    escrow.StatusCreated,
	}
	if err := mgr.EscrowPut(record); err != nil {
		t.Fatalf("EscrowPut: %v", err)
	}
	if err := mgr.EscrowCredit(record.ID, big.NewInt(10)); err != nil {
		t.Fatalf("EscrowCredit: %v", err)
	}

	if err := mgr.Commit(); err == nil {
		t.Fatalf("expected commit failure")
	}

	// The failed flush must not leave any key behind, not even a subset.
	fresh := NewManager(mem)
	if _, ok := fresh.EscrowGet(record.ID); ok {
		t.Fatalf("record persisted despite failed commit")
	}
	held, err := fresh.EscrowBalance(record.ID)
	if err != nil {
		t.Fatalf("EscrowBalance: %v", err)
	}
	if held.Sign() != 0 {
		t.Fatalf("custody balance persisted despite failed commit: %s", held)
	}
}
