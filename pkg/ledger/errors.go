package ledger

import (
	"errors"
	"strconv"
)

// Sentinel errors for ledger operations, per spec.md §7.
var (
	// ErrLedgerConflict is returned by AppendCommitted when the block's
	// height or parent hash does not follow the current tip. This should
	// not occur in normal operation; it indicates a bug or corrupted state
	// and is treated as fatal by callers (spec.md §7).
	ErrLedgerConflict = errors.New("LEDGER_CONFLICT")

	// ErrDuplicateTransaction is returned by AppendCommitted when a
	// transaction id in the proposed block already appears in a previously
	// committed block (violates L3).
	ErrDuplicateTransaction = errors.New("DUPLICATE_TRANSACTION")

	// ErrBlockNotFound is returned by GetByHeight when no block exists at
	// the requested height.
	ErrBlockNotFound = errors.New("ledger: block not found")
)

// ChainViolation describes the first invariant failure ValidateChain finds.
type ChainViolation struct {
	Height uint64
	Reason string
}

func (v *ChainViolation) Error() string {
	return "ledger: chain invalid at height " + strconv.FormatUint(v.Height, 10) + ": " + v.Reason
}
