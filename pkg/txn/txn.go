// Package txn implements the settlement core's transaction model: immutable,
// signed records of ledger-changing intent.
package txn

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/digitalruble/settlement-core/pkg/commitment"
	"github.com/digitalruble/settlement-core/pkg/crypto"
)

// Kind enumerates the transaction types the ledger can carry.
type Kind string

const (
	KindRegistration   Kind = "REGISTRATION"
	KindIssuance       Kind = "ISSUANCE"
	KindExchange       Kind = "EXCHANGE"
	KindOnlineTransfer Kind = "ONLINE_TRANSFER"
	KindOfflineTransfer Kind = "OFFLINE_TRANSFER"
	KindContractCall   Kind = "CONTRACT_CALL"
)

// Status tracks a transaction's lifecycle. It progresses CREATED -> QUEUED ->
// COMMITTED -> CONFIRMED, with REJECTED as a terminal failure state reachable
// from CREATED, QUEUED or COMMITTED (post-commit rejection).
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusQueued    Status = "QUEUED"
	StatusCommitted Status = "COMMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
)

// AuthorityID is the sender/recipient id used for transactions originated or
// received by the settlement authority itself (issuance, registration).
const AuthorityID = "AUTHORITY"

var (
	// ErrNegativeAmount is returned when Create is given a negative amount.
	ErrNegativeAmount = errors.New("txn: amount must not be negative")
	// ErrZeroAmountNotAllowed is returned when a non-REGISTRATION transaction
	// is created with amount 0.
	ErrZeroAmountNotAllowed = errors.New("txn: amount 0 is only allowed for REGISTRATION transactions")
	// ErrAlreadySigned is returned when Sign is called on a transaction that
	// already carries a signature tag.
	ErrAlreadySigned = errors.New("txn: transaction is already signed")
	// ErrNotSigned is returned when Verify is called before Sign.
	ErrNotSigned = errors.New("txn: transaction is not signed")
	// ErrInvalidTransition is returned by status-advancing methods when the
	// current status does not permit the requested transition.
	ErrInvalidTransition = errors.New("txn: invalid status transition")
)

// Transaction is an immutable (once signed) ledger-changing intent.
type Transaction struct {
	ID        string            `json:"id"`
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Amount    int64             `json:"amount"`
	Kind      Kind              `json:"transaction_type"`
	Timestamp float64           `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
	Offline   bool              `json:"offline"`
	Signature string            `json:"signature,omitempty"`
	Status    Status            `json:"status"`
}

// Create builds a new Transaction in CREATED status with a fresh id and the
// given timestamp. Amount must be non-negative; amount 0 is only permitted
// for REGISTRATION transactions.
func Create(sender, recipient string, amount int64, kind Kind, timestamp time.Time, metadata map[string]string) (*Transaction, error) {
	if amount < 0 {
		return nil, ErrNegativeAmount
	}
	if amount == 0 && kind != KindRegistration {
		return nil, ErrZeroAmountNotAllowed
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Transaction{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Amount:    amount,
		Kind:      kind,
		Timestamp: float64(timestamp.UnixNano()) / 1e9,
		Metadata:  metadata,
		Offline:   kind == KindOfflineTransfer,
		Status:    StatusCreated,
	}, nil
}

// signingView is the field subset, in canonical order, that feeds
// CanonicalSigningString (the content hash uses hashView). Fields are plain (not tagged
// with the full JSON struct) so the signature never depends on metadata or
// status, matching spec.md §4.1's "sender||recipient||amount||timestamp".
type signingView struct {
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Amount    int64   `json:"amount"`
	Timestamp float64 `json:"timestamp"`
}

// CanonicalSigningString returns the canonical byte form of the fields that
// are signed: sender, recipient, amount, timestamp.
func (t *Transaction) CanonicalSigningString() ([]byte, error) {
	return commitment.MarshalCanonical(signingView{
		Sender:    t.Sender,
		Recipient: t.Recipient,
		Amount:    t.Amount,
		Timestamp: t.Timestamp,
	})
}

// hashView is the field set (excluding id, offline flag, signature and
// status) hashed to
// produce the transaction's content hash, in the canonical form spec.md §6
// names: sender, recipient, amount, transaction_type, timestamp, metadata.
type hashView struct {
	Sender      string            `json:"sender"`
	Recipient   string            `json:"recipient"`
	Amount      int64             `json:"amount"`
	TxType      Kind              `json:"transaction_type"`
	Timestamp   float64           `json:"timestamp"`
	Metadata    map[string]string `json:"metadata"`
}

// ContentHash computes the SHA-256 digest over the canonical, key-sorted
// serialisation of sender, recipient, amount, transaction_type, timestamp
// and metadata; id, offline flag, signature and status are not hashed.
func (t *Transaction) ContentHash() (string, error) {
	return commitment.HashCanonical(hashView{
		Sender:    t.Sender,
		Recipient: t.Recipient,
		Amount:    t.Amount,
		TxType:    t.Kind,
		Timestamp: t.Timestamp,
		Metadata:  t.Metadata,
	})
}

// Sign writes a keyed-hash signature tag over the transaction's canonical
// signing string. It fails if the transaction already carries a signature.
func (t *Transaction) Sign(secret []byte) error {
	if t.Signature != "" {
		return ErrAlreadySigned
	}
	msg, err := t.CanonicalSigningString()
	if err != nil {
		return fmt.Errorf("txn: sign: %w", err)
	}
	t.Signature = crypto.SignMessage(msg, secret)
	return nil
}

// Verify recomputes the keyed-hash tag for the transaction's canonical
// signing string using secret and compares it against the stored signature.
func (t *Transaction) Verify(secret []byte) (bool, error) {
	if t.Signature == "" {
		return false, ErrNotSigned
	}
	msg, err := t.CanonicalSigningString()
	if err != nil {
		return false, fmt.Errorf("txn: verify: %w", err)
	}
	return crypto.VerifyMessage(msg, secret, t.Signature), nil
}

// Enqueue advances a CREATED transaction to QUEUED.
func (t *Transaction) Enqueue() error {
	if t.Status != StatusCreated {
		return ErrInvalidTransition
	}
	t.Status = StatusQueued
	return nil
}

// Commit advances a QUEUED transaction to COMMITTED.
func (t *Transaction) Commit() error {
	if t.Status != StatusQueued {
		return ErrInvalidTransition
	}
	t.Status = StatusCommitted
	return nil
}

// Confirm advances a COMMITTED transaction to CONFIRMED.
func (t *Transaction) Confirm() error {
	if t.Status != StatusCommitted {
		return ErrInvalidTransition
	}
	t.Status = StatusConfirmed
	return nil
}

// Reject marks the transaction REJECTED. Per spec.md §4.4, rejection may
// happen at post-commit (from COMMITTED, when consensus committed the block but
// the post-commit hook could not apply the effect) or earlier (from
// CREATED/QUEUED, for synchronous submission failures).
func (t *Transaction) Reject() error {
	switch t.Status {
	case StatusCreated, StatusQueued, StatusCommitted:
		t.Status = StatusRejected
		return nil
	default:
		return ErrInvalidTransition
	}
}

// IsTerminal reports whether the transaction's status cannot change further.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusConfirmed || t.Status == StatusRejected
}
