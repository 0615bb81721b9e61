package core

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"

	"safeswap/native/escrow"
	"safeswap/storage"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	node, err := NewNode(db, []byte("node-test-seed"))
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	return node
}

func addr(fill byte) [20]byte {
	var a [20]byte
	copy(a[:], bytes.Repeat([]byte{fill}, 20))
	return a
}

func TestNodeRequiresSeedAndDB(t *testing.T) {
	if _, err := NewNode(nil, []byte("seed")); err == nil {
		t.Fatalf("expected error for nil database")
	}
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	if _, err := NewNode(db, nil); err == nil {
		t.Fatalf("expected error for missing seed")
	}
}

func TestNodeFullLifecycle(t *testing.T) {
	node := newTestNode(t)
	seller := addr(0x01)
	buyer := addr(0x02)
	if err := node.Mint(buyer, big.NewInt(500)); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	esc, err := node.CreateEscrow(seller, "listing-1", big.NewInt(100), 0)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := node.FundEscrow(esc.ID, buyer); err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	if err := node.CompleteEscrow(esc.ID, buyer, seller); err != nil {
		t.Fatalf("CompleteEscrow: %v", err)
	}

	stored, err := node.GetEscrow(esc.ID)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if stored.Status != escrow.StatusCompleted {
		t.Fatalf("unexpected status: %s", stored.Status)
	}
	sellerBal, err := node.GetBalance(seller)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if sellerBal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller not paid: %s", sellerBal)
	}
	buyerBal, _ := node.GetBalance(buyer)
	if buyerBal.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("buyer balance wrong: %s", buyerBal)
	}
}

func TestNodeFailedOperationLeavesNoWrites(t *testing.T) {
	node := newTestNode(t)
	seller := addr(0x01)
	buyer := addr(0x02)
	// Buyer has no balance at all, so funding must fail.
	esc, err := node.CreateEscrow(seller, "listing-1", big.NewInt(100), 0)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := node.FundEscrow(esc.ID, buyer); err == nil {
		t.Fatalf("expected fund failure")
	}
	stored, err := node.GetEscrow(esc.ID)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if stored.Status != escrow.StatusCreated || stored.HasBuyer() {
		t.Fatalf("failed fund left writes behind: %+v", stored)
	}
}

func TestNodeGetEscrowNotFound(t *testing.T) {
	node := newTestNode(t)
	var id [32]byte
	id[0] = 0x01
	if _, err := node.GetEscrow(id); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNodeSerializesConcurrentFunds(t *testing.T) {
	node := newTestNode(t)
	seller := addr(0x01)

	esc, err := node.CreateEscrow(seller, "listing-1", big.NewInt(10), 0)
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}

	const contenders = 8
	buyers := make([][20]byte, contenders)
	for i := range buyers {
		buyers[i] = addr(byte(0x10 + i))
		if err := node.Mint(buyers[i], big.NewInt(10)); err != nil {
			t.Fatalf("Mint: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, buyer := range buyers {
		wg.Add(1)
		go func(b [20]byte) {
			defer wg.Done()
			if err := node.FundEscrow(esc.ID, b); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(buyer)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("exactly one funder must win, got %d", succeeded)
	}
	stored, err := node.GetEscrow(esc.ID)
	if err != nil {
		t.Fatalf("GetEscrow: %v", err)
	}
	if stored.Status != escrow.StatusFunded || !stored.HasBuyer() {
		t.Fatalf("unexpected record after contention: %+v", stored)
	}
	// Custody received exactly one payment.
	winnerBal, _ := node.GetBalance(stored.Buyer)
	if winnerBal.Sign() != 0 {
		t.Fatalf("winning buyer balance not debited: %s", winnerBal)
	}
}
