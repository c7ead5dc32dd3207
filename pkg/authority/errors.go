package authority

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the core, per spec.md §7.
var (
	// ErrValidation covers submission-time precondition failures: unknown
	// account, inactive intermediary, non-positive amount, expired wallet.
	ErrValidation = errors.New("VALIDATION")

	// ErrInsufficientFunds is returned when a balance check fails at
	// submission; at post-commit (after a race) it is the recorded reason a
	// transaction is marked REJECTED.
	ErrInsufficientFunds = errors.New("INSUFFICIENT_FUNDS")

	// ErrDuplicateTransaction mirrors pkg/ledger's sentinel for the
	// authority-level surface: id already present in the committed ledger.
	ErrDuplicateTransaction = errors.New("DUPLICATE_TRANSACTION")

	// ErrConsensusTimeout is returned by ProcessPending (never by submit_*)
	// when a round aborts without quorum; the caller may retry by calling
	// ProcessPending again.
	ErrConsensusTimeout = errors.New("CONSENSUS_TIMEOUT")

	// ErrContractMethodUnknown mirrors pkg/contract's sentinel for the
	// authority-level surface.
	ErrContractMethodUnknown = errors.New("CONTRACT_METHOD_UNKNOWN")

	// ErrWalletExpired is the validation failure for an expired wallet. No
	// Authority method returns it; an expired offline wallet is reported by
	// pkg/wallet as wallet.ErrOfflineExpired.
	ErrWalletExpired = fmt.Errorf("%w: wallet expired", ErrValidation)

	// ErrUnknownOwner / ErrUnknownIntermediary are validation failures for
	// an id that was never registered.
	ErrUnknownOwner        = fmt.Errorf("%w: authority: unknown owner", ErrValidation)
	ErrUnknownIntermediary = fmt.Errorf("%w: authority: unknown intermediary", ErrValidation)

	// ErrIntermediaryNotActive is a validation failure for an emission or
	// exchange request against a non-ACTIVE intermediary.
	ErrIntermediaryNotActive = fmt.Errorf("%w: authority: intermediary is not ACTIVE", ErrValidation)

	// ErrNonPositiveAmount is a validation failure for a non-positive
	// transfer/exchange/emission amount.
	ErrNonPositiveAmount = fmt.Errorf("%w: authority: amount must be positive", ErrValidation)

	// FatalInvariantError wraps an internal invariant violation (ledger
	// conflict, consensus safety violation) that halts the process per
	// spec.md §7.
)

// FatalInvariantError signals that the process must halt: an internal
// invariant (LEDGER_CONFLICT, a consensus safety violation) was violated.
// The audit log entry recording it is written before this error is
// returned.
type FatalInvariantError struct {
	Reason string
}

func (e *FatalInvariantError) Error() string {
	return "authority: fatal invariant violation: " + e.Reason
}
