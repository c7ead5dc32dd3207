package txn

import (
	"testing"
	"time"
)

func TestCreateRejectsNegativeAmount(t *testing.T) {
	_, err := Create("alice", "bob", -1, KindOnlineTransfer, time.Now(), nil)
	if err != ErrNegativeAmount {
		t.Fatalf("got %v, want ErrNegativeAmount", err)
	}
}

func TestCreateZeroAmountOnlyForRegistration(t *testing.T) {
	if _, err := Create("alice", "bob", 0, KindOnlineTransfer, time.Now(), nil); err != ErrZeroAmountNotAllowed {
		t.Fatalf("got %v, want ErrZeroAmountNotAllowed", err)
	}
	tx, err := Create(AuthorityID, "alice", 0, KindRegistration, time.Now(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Status != StatusCreated {
		t.Fatalf("got status %v, want CREATED", tx.Status)
	}
}

func TestCreateSetsOfflineFlag(t *testing.T) {
	tx, err := Create("alice", "bob", 10, KindOfflineTransfer, time.Now(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.Offline {
		t.Fatal("expected Offline to be true for OFFLINE_TRANSFER")
	}
	online, err := Create("alice", "bob", 10, KindOnlineTransfer, time.Now(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if online.Offline {
		t.Fatal("expected Offline to be false for ONLINE_TRANSFER")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	tx, err := Create("alice", "bob", 100, KindOnlineTransfer, time.Now(), map[string]string{"note": "rent"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secret := []byte("shared-secret")
	if err := tx.Sign(secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := tx.Verify(secret)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify with the signing secret")
	}
	ok, err = tx.Verify([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected signature to fail verification with the wrong secret")
	}
}

func TestSignTwiceFails(t *testing.T) {
	tx, _ := Create("alice", "bob", 5, KindOnlineTransfer, time.Now(), nil)
	if err := tx.Sign([]byte("s")); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := tx.Sign([]byte("s")); err != ErrAlreadySigned {
		t.Fatalf("got %v, want ErrAlreadySigned", err)
	}
}

func TestVerifyBeforeSignFails(t *testing.T) {
	tx, _ := Create("alice", "bob", 5, KindOnlineTransfer, time.Now(), nil)
	if _, err := tx.Verify([]byte("s")); err != ErrNotSigned {
		t.Fatalf("got %v, want ErrNotSigned", err)
	}
}

func TestContentHashStableUnderMetadataKeyOrder(t *testing.T) {
	ts := time.Now()
	a, _ := Create("alice", "bob", 5, KindOnlineTransfer, ts, map[string]string{"a": "1", "b": "2"})
	b, _ := Create("alice", "bob", 5, KindOnlineTransfer, ts, map[string]string{"b": "2", "a": "1"})
	b.ID = a.ID
	ha, err := a.ContentHash()
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	hb, err := b.ContentHash()
	if err != nil {
		t.Fatalf("content hash: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected stable hash regardless of metadata key insertion order, got %s != %s", ha, hb)
	}
}

func TestStatusLifecycle(t *testing.T) {
	tx, _ := Create("alice", "bob", 5, KindOnlineTransfer, time.Now(), nil)
	if err := tx.Enqueue(); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Confirm(); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !tx.IsTerminal() {
		t.Fatal("expected CONFIRMED to be terminal")
	}
	if err := tx.Confirm(); err != ErrInvalidTransition {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestRejectFromCommittedIsTerminal(t *testing.T) {
	tx, _ := Create("alice", "bob", 5, KindOnlineTransfer, time.Now(), nil)
	tx.Enqueue()
	tx.Commit()
	if err := tx.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !tx.IsTerminal() {
		t.Fatal("expected REJECTED to be terminal")
	}
	if err := tx.Reject(); err != ErrInvalidTransition {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}
