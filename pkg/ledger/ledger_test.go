package ledger

import (
	"testing"
	"time"

	"github.com/digitalruble/settlement-core/pkg/block"
	"github.com/digitalruble/settlement-core/pkg/txn"
)

func newGenesisLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewGenesis(NewMemKV(), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewGenesis: %v", err)
	}
	return l
}

func TestGenesisHeightZero(t *testing.T) {
	l := newGenesisLedger(t)
	if l.Height() != 0 {
		t.Fatalf("got height %d, want 0", l.Height())
	}
	if err := l.ValidateChain(); err != nil {
		t.Fatalf("expected fresh genesis chain to validate, got %v", err)
	}
}

func TestAppendCommittedAdvancesTip(t *testing.T) {
	l := newGenesisLedger(t)
	tx, _ := txn.Create("alice", "bob", 10, txn.KindOnlineTransfer, time.Unix(1700000001, 0), nil)
	b1 := block.New(1, l.TipHash(), time.Unix(1700000001, 0), []*txn.Transaction{tx}, "replica-0")
	if err := l.AppendCommitted(b1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if l.Height() != 1 {
		t.Fatalf("got height %d, want 1", l.Height())
	}
	if !l.ContainsTransaction(tx.ID) {
		t.Fatal("expected committed transaction to be indexed")
	}
	if err := l.ValidateChain(); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
}

func TestAppendCommittedRejectsHeightGap(t *testing.T) {
	l := newGenesisLedger(t)
	bad := block.New(2, l.TipHash(), time.Now(), []*txn.Transaction{}, "replica-0")
	if err := l.AppendCommitted(bad); err != ErrLedgerConflict {
		t.Fatalf("got %v, want ErrLedgerConflict", err)
	}
}

func TestAppendCommittedRejectsWrongParentHash(t *testing.T) {
	l := newGenesisLedger(t)
	bad := block.New(1, "deadbeef", time.Now(), []*txn.Transaction{}, "replica-0")
	if err := l.AppendCommitted(bad); err != ErrLedgerConflict {
		t.Fatalf("got %v, want ErrLedgerConflict", err)
	}
}

func TestAppendCommittedRejectsDuplicateTransaction(t *testing.T) {
	l := newGenesisLedger(t)
	tx, _ := txn.Create("alice", "bob", 10, txn.KindOnlineTransfer, time.Unix(1700000001, 0), nil)
	b1 := block.New(1, l.TipHash(), time.Unix(1700000001, 0), []*txn.Transaction{tx}, "replica-0")
	if err := l.AppendCommitted(b1); err != nil {
		t.Fatalf("append b1: %v", err)
	}
	b2 := block.New(2, l.TipHash(), time.Unix(1700000002, 0), []*txn.Transaction{tx}, "replica-1")
	if err := l.AppendCommitted(b2); err != ErrDuplicateTransaction {
		t.Fatalf("got %v, want ErrDuplicateTransaction", err)
	}
}

func TestGetByHeightNotFound(t *testing.T) {
	l := newGenesisLedger(t)
	if _, err := l.GetByHeight(5); err != ErrBlockNotFound {
		t.Fatalf("got %v, want ErrBlockNotFound", err)
	}
}

func TestIterTransactionsFilters(t *testing.T) {
	l := newGenesisLedger(t)
	tx1, _ := txn.Create("alice", "bob", 10, txn.KindOnlineTransfer, time.Unix(1700000001, 0), nil)
	tx2, _ := txn.Create("bob", "carol", 5, txn.KindOnlineTransfer, time.Unix(1700000002, 0), nil)
	b1 := block.New(1, l.TipHash(), time.Unix(1700000001, 0), []*txn.Transaction{tx1}, "replica-0")
	if err := l.AppendCommitted(b1); err != nil {
		t.Fatalf("append b1: %v", err)
	}
	b2 := block.New(2, l.TipHash(), time.Unix(1700000002, 0), []*txn.Transaction{tx2}, "replica-1")
	if err := l.AppendCommitted(b2); err != nil {
		t.Fatalf("append b2: %v", err)
	}
	got, err := l.IterTransactions(func(t *txn.Transaction) bool { return t.Sender == "bob" })
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(got) != 1 || got[0].ID != tx2.ID {
		t.Fatalf("expected exactly tx2 filtered by sender=bob, got %d results", len(got))
	}
}

func TestOpenReconstructsState(t *testing.T) {
	kv := NewMemKV()
	l, err := NewGenesis(kv, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewGenesis: %v", err)
	}
	tx, _ := txn.Create("alice", "bob", 10, txn.KindOnlineTransfer, time.Unix(1700000001, 0), nil)
	b1 := block.New(1, l.TipHash(), time.Unix(1700000001, 0), []*txn.Transaction{tx}, "replica-0")
	if err := l.AppendCommitted(b1); err != nil {
		t.Fatalf("append: %v", err)
	}

	reopened, err := Open(kv)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Height() != 1 {
		t.Fatalf("got height %d, want 1", reopened.Height())
	}
	if !reopened.ContainsTransaction(tx.ID) {
		t.Fatal("expected reopened ledger to re-index the committed transaction")
	}
	if reopened.TipHash() != l.TipHash() {
		t.Fatal("expected reopened tip hash to match original")
	}
}
