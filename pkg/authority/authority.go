// Package authority implements the settlement authority: the central
// bookkeeper that registers owners and intermediaries, accepts transaction
// submissions, and drives them through consensus to commitment (spec.md
// §4.4/§4.7).
package authority

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digitalruble/settlement-core/pkg/block"
	"github.com/digitalruble/settlement-core/pkg/consensus"
	"github.com/digitalruble/settlement-core/pkg/contract"
	"github.com/digitalruble/settlement-core/pkg/ledger"
	"github.com/digitalruble/settlement-core/pkg/snapshot"
	"github.com/digitalruble/settlement-core/pkg/txn"
	"github.com/digitalruble/settlement-core/pkg/wallet"
)

// Config configures a new Authority. NewAuthority applies spec.md §6
// defaults to WalletExpiry, WalletMaxBalance and MinTxAmount, and a fresh
// Registry and Logger, when left zero; the other fields have no default.
type Config struct {
	Ledger   *ledger.Ledger
	Engine   *consensus.Engine
	Registry *contract.Registry
	Logger   *log.Logger

	// SigningSecret authenticates transactions the authority itself
	// originates (REGISTRATION, ISSUANCE) and is also used as the shared
	// secret for user-submitted transfers, per spec.md §9's explicit
	// non-goal of per-user asymmetric identity.
	SigningSecret []byte

	WalletExpiry      time.Duration
	WalletMaxBalance  int64
	MinTxAmount       int64

	// AuditSink optionally mirrors audit entries to a durable store (see
	// pkg/auditstore). Left nil, the authority runs on its in-memory audit
	// log alone -- durability is an add-on, never a dependency of core
	// settlement semantics.
	AuditSink AuditSink

	// Metrics optionally receives ambient observability updates (see
	// pkg/metrics). Left nil, the authority runs with no metrics exported.
	Metrics MetricsSink
}

// AuditSink durably records audit entries the authority already keeps
// in-memory. Implementations must not block: the authority calls
// AppendAsync while holding its own lock.
type AuditSink interface {
	AppendAsync(at time.Time, kind, detail string)
}

// MetricsSink receives ambient observability updates after each
// consensus round commits. Implementations (see pkg/metrics) must not
// block or error: no settlement behavior depends on these values.
type MetricsSink interface {
	ObserveCommit(height uint64, kindCounts map[string]int)
	ObserveWalletOfflineBalance(total int64)
}

// Authority is the settlement core's single point of bookkeeping: it owns
// the registries of owners and intermediaries, the pending submission
// queue, the audit log, and the consensus engine that commits blocks to the
// ledger. Per spec.md §5, each resource below is mutated only by Authority
// methods under mu -- no caller reaches into Owner/Intermediary/Wallet
// state directly outside a post-commit hook.
type Authority struct {
	mu sync.Mutex

	owners           map[string]*Owner
	intermediaries   map[string]*Intermediary
	emissionRequests map[string]*EmissionRequest

	pending []*txn.Transaction

	auditLog []AuditEntry

	ledger   *ledger.Ledger
	engine   *consensus.Engine
	registry *contract.Registry
	logger   *log.Logger

	signingSecret    []byte
	walletExpiry     time.Duration
	walletMaxBalance int64
	minTxAmount      int64

	auditSink AuditSink
	metrics   MetricsSink
}

// NewAuthority constructs an Authority over an already-initialized ledger
// and consensus engine.
func NewAuthority(cfg Config) *Authority {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[authority] ", log.LstdFlags)
	}
	expiry := cfg.WalletExpiry
	if expiry <= 0 {
		expiry = 14 * 24 * time.Hour
	}
	maxBalance := cfg.WalletMaxBalance
	if maxBalance <= 0 {
		maxBalance = 1_000_000
	}
	minAmount := cfg.MinTxAmount
	if minAmount <= 0 {
		minAmount = 1
	}
	registry := cfg.Registry
	if registry == nil {
		registry = contract.NewRegistry()
	}
	return &Authority{
		owners:           make(map[string]*Owner),
		intermediaries:   make(map[string]*Intermediary),
		emissionRequests: make(map[string]*EmissionRequest),
		ledger:           cfg.Ledger,
		engine:           cfg.Engine,
		registry:         registry,
		logger:           logger,
		signingSecret:    cfg.SigningSecret,
		walletExpiry:     expiry,
		walletMaxBalance: maxBalance,
		minTxAmount:      minAmount,
		auditSink:        cfg.AuditSink,
		metrics:          cfg.Metrics,
	}
}

// aggregateOfflineBalanceLocked sums the offline balance across every
// registered owner's wallet. Assumes the caller holds a.mu.
func (a *Authority) aggregateOfflineBalanceLocked() int64 {
	var total int64
	for _, owner := range a.owners {
		total += owner.Wallet.OfflineBalance()
	}
	return total
}

// audit assumes the caller already holds a.mu. It mirrors the entry to
// the durable sink, if configured; a sink outage is logged by the sink
// itself and never blocks or fails the caller.
func (a *Authority) audit(kind, detail string) {
	now := time.Now()
	a.auditLog = append(a.auditLog, AuditEntry{At: now, Kind: kind, Detail: detail})
	a.logger.Printf("%s: %s", kind, detail)
	if a.auditSink != nil {
		a.auditSink.AppendAsync(now, kind, detail)
	}
}

// AuditLog returns a copy of the authority's append-only audit log.
func (a *Authority) AuditLog() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, len(a.auditLog))
	copy(out, a.auditLog)
	return out
}

// SetEngine attaches the consensus engine ProcessPending drives blocks
// through. It exists because of the unavoidable construction cycle
// between the two: consensus.NewEngine requires a Validator (this
// Authority) up front, so the engine cannot be built until after
// NewAuthority returns. Callers outside this package build the ledger
// and Authority first, then the engine with Validator: authority, then
// call SetEngine once before the first ProcessPending.
func (a *Authority) SetEngine(engine *consensus.Engine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.engine = engine
}

// RegisterOwner registers a new end user with an empty wallet and
// non-digital balance, submitting a REGISTRATION transaction for audit
// continuity (amount 0 is the one case txn.Create permits it).
func (a *Authority) RegisterOwner(id string, category OwnerCategory, now time.Time) (*Owner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.owners[id]; exists {
		return nil, fmt.Errorf("%w: owner %s already registered", ErrValidation, id)
	}
	owner := &Owner{
		ID:           id,
		Category:     category,
		Wallet:       wallet.New(id),
		RegisteredAt: now,
	}
	a.owners[id] = owner

	tx, err := txn.Create(txn.AuthorityID, id, 0, txn.KindRegistration, now, map[string]string{"category": string(category)})
	if err != nil {
		return nil, err
	}
	if err := a.signAndEnqueueLocked(tx); err != nil {
		return nil, err
	}
	a.audit("OWNER_REGISTERED", id)
	return owner, nil
}

// RegisterIntermediary registers a new commercial-bank intermediary in
// PENDING status; it must be activated via SetIntermediaryStatus before it
// can request emissions or participate in exchange.
func (a *Authority) RegisterIntermediary(id, name, routingCode string, now time.Time) (*Intermediary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.intermediaries[id]; exists {
		return nil, fmt.Errorf("%w: intermediary %s already registered", ErrValidation, id)
	}
	im := &Intermediary{
		ID:           id,
		Name:         name,
		RoutingCode:  routingCode,
		Status:       IntermediaryPending,
		RegisteredAt: now,
	}
	a.intermediaries[id] = im
	a.audit("INTERMEDIARY_REGISTERED", id)
	return im, nil
}

// SetIntermediaryStatus transitions an intermediary between
// PENDING/ACTIVE/SUSPENDED.
func (a *Authority) SetIntermediaryStatus(id string, status IntermediaryStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	im, ok := a.intermediaries[id]
	if !ok {
		return ErrUnknownIntermediary
	}
	im.Status = status
	a.audit("INTERMEDIARY_STATUS_CHANGED", fmt.Sprintf("%s -> %s", id, status))
	return nil
}

// Exchange converts an owner's non-digital balance into online digital
// balance through an intermediary, synthesizing an EXCHANGE transaction.
// amount must be positive; the post-commit hook always moves funds from
// non-digital to digital.
func (a *Authority) Exchange(ownerID, intermediaryID string, amount int64, now time.Time) (*txn.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	owner, ok := a.owners[ownerID]
	if !ok {
		return nil, ErrUnknownOwner
	}
	im, ok := a.intermediaries[intermediaryID]
	if !ok {
		return nil, ErrUnknownIntermediary
	}
	if im.Status != IntermediaryActive {
		return nil, ErrIntermediaryNotActive
	}
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	if owner.NonDigitalBalance < amount {
		return nil, ErrInsufficientFunds
	}

	tx, err := txn.Create(ownerID, intermediaryID, amount, txn.KindExchange, now, map[string]string{"intermediary": intermediaryID})
	if err != nil {
		return nil, err
	}
	if err := a.signAndEnqueueLocked(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// RequestEmission records a PENDING emission request from an ACTIVE
// intermediary; it is realized as an ISSUANCE transaction only once
// DecideEmission approves it.
func (a *Authority) RequestEmission(intermediaryID string, amount int64, purpose string, now time.Time) (*EmissionRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	im, ok := a.intermediaries[intermediaryID]
	if !ok {
		return nil, ErrUnknownIntermediary
	}
	if im.Status != IntermediaryActive {
		return nil, ErrIntermediaryNotActive
	}
	if amount <= 0 {
		return nil, ErrNonPositiveAmount
	}

	req := &EmissionRequest{
		ID:             uuid.NewString(),
		IntermediaryID: intermediaryID,
		Amount:         amount,
		Purpose:        purpose,
		State:          EmissionPending,
		CreatedAt:      now,
	}
	a.emissionRequests[req.ID] = req
	a.audit("EMISSION_REQUESTED", req.ID)
	return req, nil
}

// DecideEmission approves or rejects a PENDING emission request. Approval
// synthesizes an ISSUANCE transaction naming the intermediary as
// recipient; the intermediary's reserves are adjusted only on commit, by
// the post-commit hook.
func (a *Authority) DecideEmission(requestID string, approve bool, now time.Time) (*txn.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	req, ok := a.emissionRequests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown emission request %s", ErrValidation, requestID)
	}
	if req.State != EmissionPending {
		return nil, fmt.Errorf("%w: emission request %s already decided", ErrValidation, requestID)
	}

	if !approve {
		req.State = EmissionRejected
		req.DecidedAt = now
		a.audit("EMISSION_REJECTED", requestID)
		return nil, nil
	}

	req.State = EmissionApproved
	req.DecidedAt = now
	a.audit("EMISSION_APPROVED", requestID)

	tx, err := txn.Create(txn.AuthorityID, req.IntermediaryID, req.Amount, txn.KindIssuance, now, map[string]string{"request_id": req.ID})
	if err != nil {
		return nil, err
	}
	if err := a.signAndEnqueueLocked(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// SubmitOnlineTransfer creates, signs and enqueues an ONLINE_TRANSFER
// between two owners' wallets, after a synchronous balance check (§7:
// submission errors are synchronous).
func (a *Authority) SubmitOnlineTransfer(senderID, recipientID string, amount int64, now time.Time) (*txn.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sender, ok := a.owners[senderID]
	if !ok {
		return nil, ErrUnknownOwner
	}
	if _, ok := a.owners[recipientID]; !ok {
		return nil, ErrUnknownOwner
	}
	if amount < a.minTxAmount {
		return nil, ErrNonPositiveAmount
	}
	if sender.Wallet.OnlineBalance() < amount {
		return nil, ErrInsufficientFunds
	}

	tx, err := txn.Create(senderID, recipientID, amount, txn.KindOnlineTransfer, now, nil)
	if err != nil {
		return nil, err
	}
	if err := a.signAndEnqueueLocked(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// SubmitOfflineTransfer enqueues a transaction the owner's wallet already
// built and signed client-side (spec.md §4.5 step 2); the authority's role
// is limited to batching and committing it -- the sender's offline balance
// was already decremented locally when wallet.CreateOfflineTransfer ran.
func (a *Authority) SubmitOfflineTransfer(tx *txn.Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.owners[tx.Sender]; !ok {
		return ErrUnknownOwner
	}
	if _, ok := a.owners[tx.Recipient]; !ok {
		return ErrUnknownOwner
	}
	if ok, err := tx.Verify(a.signingSecret); err != nil || !ok {
		return fmt.Errorf("%w: offline transfer signature does not verify", ErrValidation)
	}
	return a.enqueueLocked(tx)
}

// OpenOfflineWallet activates an owner's offline balance, starting its
// expiry clock from the configured wallet_expiry_days.
func (a *Authority) OpenOfflineWallet(ownerID string, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.owners[ownerID]
	if !ok {
		return ErrUnknownOwner
	}
	owner.Wallet.ActivateOffline(now, a.walletExpiry)
	a.audit("OFFLINE_WALLET_OPENED", ownerID)
	return nil
}

// WithdrawToOffline moves amount from an owner's online balance into their
// offline balance, enforcing the configured wallet_max_balance cap.
func (a *Authority) WithdrawToOffline(ownerID string, amount int64, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.owners[ownerID]
	if !ok {
		return ErrUnknownOwner
	}
	if amount < a.minTxAmount {
		return ErrNonPositiveAmount
	}
	return owner.Wallet.WithdrawToOffline(amount, a.walletMaxBalance, now)
}

// ReconnectWallet re-delivers an owner's still-pending offline transfers to
// the submission queue (spec.md §4.5 step 4). A transfer is enqueued only
// once: transfers already committed are skipped because the ledger's
// transaction index is the source of truth, and transfers already sitting
// in the submission queue (status no longer CREATED) from an earlier
// ReconnectWallet call that process_pending hasn't drained yet are skipped
// too, rather than re-enqueued. Without the latter check, two reconnects
// before the next process_pending round would call tx.Enqueue() twice on
// the same still-pending transaction and surface its internal
// ErrInvalidTransition, instead of the no-op the second call must be.
func (a *Authority) ReconnectWallet(ownerID string, now time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	owner, ok := a.owners[ownerID]
	if !ok {
		return 0, ErrUnknownOwner
	}

	submitted := 0
	for _, tx := range owner.Wallet.PendingTransactions() {
		if a.ledger.ContainsTransaction(tx.ID) {
			continue
		}
		if tx.Status != txn.StatusCreated {
			continue
		}
		if err := a.enqueueLocked(tx); err != nil {
			return submitted, err
		}
		submitted++
	}
	return submitted, nil
}

// RequestContractCreate enqueues a CONTRACT_CALL transaction of method
// "create" carrying the contract's initial storage; the contract is
// registered only at post-commit, keeping registry mutation inside the
// same deterministic, block-ordered hook as every other contract effect.
func (a *Authority) RequestContractCreate(id, creator string, initial map[string]int64, now time.Time) (*txn.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.owners[creator]; !ok {
		return nil, ErrUnknownOwner
	}
	if a.registry.Get(id) != nil {
		return nil, fmt.Errorf("%w: contract %s already exists", ErrValidation, id)
	}

	metadata := map[string]string{"contract_id": id, "method": "create"}
	for k, v := range initial {
		metadata["init_"+k] = fmt.Sprintf("%d", v)
	}

	tx, err := txn.Create(creator, id, 0, txn.KindContractCall, now, metadata)
	if err != nil {
		return nil, err
	}
	if err := a.signAndEnqueueLocked(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// RequestContractCall enqueues a CONTRACT_CALL transaction naming method
// and args; dispatch happens at post-commit.
func (a *Authority) RequestContractCall(contractID, method, caller string, args []string, now time.Time) (*txn.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.registry.Get(contractID) == nil {
		return nil, contract.ErrContractNotFound
	}
	metadata := map[string]string{"contract_id": contractID, "method": method}
	for i, arg := range args {
		metadata[fmt.Sprintf("arg%d", i)] = arg
	}

	tx, err := txn.Create(caller, contractID, 0, txn.KindContractCall, now, metadata)
	if err != nil {
		return nil, err
	}
	if err := a.signAndEnqueueLocked(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (a *Authority) signAndEnqueueLocked(tx *txn.Transaction) error {
	if err := tx.Sign(a.signingSecret); err != nil {
		return err
	}
	return a.enqueueLocked(tx)
}

func (a *Authority) enqueueLocked(tx *txn.Transaction) error {
	if err := tx.Enqueue(); err != nil {
		return err
	}
	a.pending = append(a.pending, tx)
	return nil
}

// LedgerInfo reports the current chain tip height and hash.
func (a *Authority) LedgerInfo() (height uint64, tipHash string) {
	return a.ledger.Height(), a.ledger.TipHash()
}

// TransactionHistory returns every committed transaction touching
// accountID, as either sender or recipient, in ledger order.
func (a *Authority) TransactionHistory(accountID string) ([]*txn.Transaction, error) {
	return a.ledger.IterTransactions(func(t *txn.Transaction) bool {
		return t.Sender == accountID || t.Recipient == accountID
	})
}

// Snapshot produces the periodic restart artifact named in spec.md §6: a
// versioned dump of ledger heights/hashes, owner balances, contract
// storage, and intermediary reserve totals. The format is opaque to the
// core -- nothing here reads a snapshot back into live state.
func (a *Authority) Snapshot() (snapshot.Snapshot, error) {
	a.mu.Lock()
	balances := make(map[string]snapshot.OwnerBalance, len(a.owners))
	for id, owner := range a.owners {
		balances[id] = snapshot.OwnerBalance{
			NonDigitalBalance: owner.NonDigitalBalance,
			OnlineBalance:     owner.Wallet.OnlineBalance(),
			OfflineBalance:    owner.Wallet.OfflineBalance(),
		}
	}
	emissionTotals := make(map[string]snapshot.EmissionTotal, len(a.intermediaries))
	for id, im := range a.intermediaries {
		emissionTotals[id] = snapshot.EmissionTotal{
			DigitalReserve:    im.DigitalReserve,
			NonDigitalReserve: im.NonDigitalReserve,
		}
	}
	a.mu.Unlock()

	height := a.ledger.Height()
	heights := make([]snapshot.HeightHash, 0, height+1)
	for h := uint64(0); h <= height; h++ {
		b, err := a.ledger.GetByHeight(h)
		if err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("authority: snapshot: read block %d: %w", h, err)
		}
		heights = append(heights, snapshot.HeightHash{Height: h, Hash: b.Hash()})
	}

	return snapshot.Snapshot{
		LedgerHeightsAndHashes: heights,
		Balances:               balances,
		ContractStorage:        a.registry.All(),
		EmissionTotals:         emissionTotals,
	}, nil
}

// ValidateBlock implements consensus.Validator: it re-checks each proposed
// transaction's precondition against current owner/intermediary/contract
// state, without mutating anything. A failure here causes the replica to
// withhold its vote.
func (a *Authority) ValidateBlock(b *block.Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tx := range b.Transactions {
		if err := a.validateOneLocked(tx); err != nil {
			return fmt.Errorf("authority: block height %d rejects tx %s: %w", b.Height, tx.ID, err)
		}
	}
	return nil
}

func (a *Authority) validateOneLocked(tx *txn.Transaction) error {
	switch tx.Kind {
	case txn.KindRegistration:
		return nil
	case txn.KindIssuance:
		im, ok := a.intermediaries[tx.Recipient]
		if !ok {
			return ErrUnknownIntermediary
		}
		if im.Status != IntermediaryActive {
			return ErrIntermediaryNotActive
		}
		return nil
	case txn.KindExchange:
		owner, ok := a.owners[tx.Sender]
		if !ok {
			return ErrUnknownOwner
		}
		if owner.NonDigitalBalance < tx.Amount {
			return ErrInsufficientFunds
		}
		return nil
	case txn.KindOnlineTransfer:
		sender, ok := a.owners[tx.Sender]
		if !ok {
			return ErrUnknownOwner
		}
		if sender.Wallet.OnlineBalance() < tx.Amount {
			return ErrInsufficientFunds
		}
		return nil
	case txn.KindOfflineTransfer:
		if _, ok := a.owners[tx.Sender]; !ok {
			return ErrUnknownOwner
		}
		if a.ledger.ContainsTransaction(tx.ID) {
			return ErrDuplicateTransaction
		}
		return nil
	case txn.KindContractCall:
		if a.registry.Get(tx.Recipient) == nil {
			if tx.Metadata["method"] == "create" {
				return nil
			}
			return contract.ErrContractNotFound
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown transaction kind %s", ErrValidation, tx.Kind)
	}
}
