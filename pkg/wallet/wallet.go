// Package wallet implements per-owner online/offline balance state and the
// offline-transfer deferred-settlement protocol described in spec.md §4.5.
package wallet

import (
	"errors"
	"sync"
	"time"

	"github.com/digitalruble/settlement-core/pkg/txn"
)

var (
	// ErrOfflineNotActivated is returned when an offline operation is
	// attempted before the wallet's offline balance has been activated.
	ErrOfflineNotActivated = errors.New("wallet: offline balance not activated")
	// ErrOfflineExpired is returned when a new offline transfer is created
	// after the wallet's offline lifespan has elapsed (W3).
	ErrOfflineExpired = errors.New("wallet: offline wallet expired")
	// ErrOfflineCapExceeded is returned when a withdrawal to offline balance
	// would exceed the configured maximum offline balance.
	ErrOfflineCapExceeded = errors.New("wallet: offline balance cap exceeded")
	// ErrInsufficientOnlineBalance is returned when an online debit would
	// drive the online balance negative (W1).
	ErrInsufficientOnlineBalance = errors.New("wallet: insufficient online balance")
	// ErrInsufficientOfflineBalance is returned when an offline debit would
	// drive the offline balance negative (W1).
	ErrInsufficientOfflineBalance = errors.New("wallet: insufficient offline balance")
	// ErrPendingNotFound is returned when a commit/removal references a
	// transaction id not present in the wallet's pending list.
	ErrPendingNotFound = errors.New("wallet: pending transaction not found")
)

// HistoryKind enumerates the wallet history log's record kinds.
type HistoryKind string

const (
	HistoryDeposit          HistoryKind = "deposit"
	HistoryWithdrawal       HistoryKind = "withdrawal"
	HistoryOfflineSubmitted HistoryKind = "offline_submitted"
	HistoryConfirmed        HistoryKind = "confirmed"
)

// HistoryRecord is one append-only entry in a wallet's transaction history.
type HistoryRecord struct {
	Kind      HistoryKind
	TxID      string
	BlockHash string
	At        time.Time
}

// Wallet holds one owner's online and offline digital balances, their
// pending offline transactions (ordered, per O3), and an append-only
// history log. Per spec.md §5, a wallet is a single-writer resource: the
// authority mutates balances only through the wallet's own methods
// (CreditOnline/DebitOnline from its post-commit hook, WithdrawToOffline on
// a withdrawal), never directly.
type Wallet struct {
	mu sync.Mutex

	OwnerID string

	onlineBalance  int64
	offlineBalance int64

	offlineActive bool
	activatedAt   time.Time
	expiresAt     time.Time

	pending []*txn.Transaction
	history []HistoryRecord
}

// New constructs a wallet with a zero online balance and an inactive
// offline balance.
func New(ownerID string) *Wallet {
	return &Wallet{OwnerID: ownerID}
}

// ActivateOffline opens the wallet's offline balance, starting its
// configured-day expiry clock from now.
func (w *Wallet) ActivateOffline(now time.Time, expiry time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.offlineActive = true
	w.activatedAt = now
	w.expiresAt = now.Add(expiry)
}

// IsOfflineExpired reports whether the offline wallet is inactive or its
// expiry time has passed (W3: "current time > expiry or active=false").
func (w *Wallet) IsOfflineExpired(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.offlineActive || now.After(w.expiresAt)
}

// OnlineBalance returns the current online digital balance.
func (w *Wallet) OnlineBalance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.onlineBalance
}

// OfflineBalance returns the current offline digital balance.
func (w *Wallet) OfflineBalance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offlineBalance
}

// PendingCount returns the number of offline transfers awaiting settlement.
func (w *Wallet) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// History returns a copy of the wallet's append-only history log.
func (w *Wallet) History() []HistoryRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]HistoryRecord, len(w.history))
	copy(out, w.history)
	return out
}

// CreditOnline adds amount to the online balance. Called by the authority's
// post-commit hook for EXCHANGE, ONLINE_TRANSFER (recipient) and
// OFFLINE_TRANSFER (recipient, on settlement) commits.
func (w *Wallet) CreditOnline(amount int64, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onlineBalance += amount
	w.history = append(w.history, HistoryRecord{Kind: HistoryDeposit, At: now})
}

// DebitOnline subtracts amount from the online balance, failing with
// ErrInsufficientOnlineBalance if that would make it negative (W1). Called
// by the authority's post-commit hook for ONLINE_TRANSFER (sender)
// commits.
func (w *Wallet) DebitOnline(amount int64, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onlineBalance < amount {
		return ErrInsufficientOnlineBalance
	}
	w.onlineBalance -= amount
	w.history = append(w.history, HistoryRecord{Kind: HistoryWithdrawal, At: now})
	return nil
}

// WithdrawToOffline moves amount from the online balance into the offline
// balance (spec.md §4.5 step 1): a local operation with no ledger event.
// It fails if the offline balance is not activated, if the online balance
// is insufficient (W1/W2: offline funds are drawn from online only), or if
// the resulting offline balance would exceed maxOfflineBalance.
func (w *Wallet) WithdrawToOffline(amount int64, maxOfflineBalance int64, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.offlineActive {
		return ErrOfflineNotActivated
	}
	if w.onlineBalance < amount {
		return ErrInsufficientOnlineBalance
	}
	if w.offlineBalance+amount > maxOfflineBalance {
		return ErrOfflineCapExceeded
	}
	w.onlineBalance -= amount
	w.offlineBalance += amount
	w.history = append(w.history, HistoryRecord{Kind: HistoryWithdrawal, At: now})
	return nil
}

// CreateOfflineTransfer builds, signs and enqueues an OFFLINE_TRANSFER
// transaction from this wallet's owner to recipient (spec.md §4.5 step 2).
// The sender's offline balance is decremented immediately; the recipient is
// not credited until the transaction commits. Fails with ErrOfflineExpired
// if the wallet's offline lifespan has elapsed (W3), or
// ErrInsufficientOfflineBalance if the offline balance cannot cover amount.
func (w *Wallet) CreateOfflineTransfer(recipient string, amount int64, now time.Time, secret []byte) (*txn.Transaction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.offlineActive || now.After(w.expiresAt) {
		return nil, ErrOfflineExpired
	}
	if w.offlineBalance < amount {
		return nil, ErrInsufficientOfflineBalance
	}

	tx, err := txn.Create(w.OwnerID, recipient, amount, txn.KindOfflineTransfer, now, nil)
	if err != nil {
		return nil, err
	}
	if err := tx.Sign(secret); err != nil {
		return nil, err
	}

	w.offlineBalance -= amount
	w.pending = append(w.pending, tx)
	w.history = append(w.history, HistoryRecord{Kind: HistoryOfflineSubmitted, TxID: tx.ID, At: now})
	return tx, nil
}

// PendingTransactions returns a copy of the wallet's pending offline
// transfers, in the order they were created (O3).
func (w *Wallet) PendingTransactions() []*txn.Transaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*txn.Transaction, len(w.pending))
	copy(out, w.pending)
	return out
}

// SettleOfflinePending removes txID from the pending list and records the
// committing block hash in history, transitioning it to confirmed exactly
// once (W4). It returns ErrPendingNotFound if txID is not (or no longer) in
// the pending list -- the double-submit guard: a replayed reconnect that
// re-delivers an already-settled transaction finds nothing to remove.
func (w *Wallet) SettleOfflinePending(txID, blockHash string, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, p := range w.pending {
		if p.ID == txID {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			w.history = append(w.history, HistoryRecord{Kind: HistoryConfirmed, TxID: txID, BlockHash: blockHash, At: now})
			return nil
		}
	}
	return ErrPendingNotFound
}

// RecordHistory appends a bare history entry, used for recipient-side
// confirmation records that don't carry a pending-list removal.
func (w *Wallet) RecordHistory(kind HistoryKind, txID, blockHash string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, HistoryRecord{Kind: kind, TxID: txID, BlockHash: blockHash, At: now})
}
