package consensus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/digitalruble/settlement-core/pkg/block"
	"github.com/digitalruble/settlement-core/pkg/ledger"
	"github.com/digitalruble/settlement-core/pkg/txn"
)

var (
	// ErrNoPendingTransactions is returned by RunRound when the pending
	// queue is empty; the leader abstains from proposing rather than
	// producing an empty block (spec.md §4.3 bullet "Empty pending queue").
	ErrNoPendingTransactions = errors.New("consensus: no pending transactions, leader abstains")

	// ErrRoundTimedOut is returned when a round fails to reach quorum within
	// the configured round timeout; the caller should log and retry with
	// the same pending queue (spec.md §7's propagation policy).
	ErrRoundTimedOut = errors.New("consensus: round timed out before reaching quorum")
)

// Validator checks that a proposed block's transactions pass local validity
// (spec.md §4.3 bullet 2 references §4.4/§4.5/§4.7) -- wallet balances,
// contract preconditions, emission/exchange preconditions. It is supplied
// by the settlement authority, which owns that state.
type Validator interface {
	ValidateBlock(b *block.Block) error
}

// Config configures a consensus Engine.
type Config struct {
	ReplicaIDs     []string
	Ledger         *ledger.Ledger
	Validator      Validator
	RoundTimeout   time.Duration
	BlockSizeLimit int
	Logger         *log.Logger

	// OnSafetyViolation is invoked whenever a replica detects a safety
	// violation (spec.md §4.3's "logs the second as a safety violation").
	OnSafetyViolation func(*SafetyViolation)

	// OnViewChange is invoked whenever a round times out and the engine
	// advances to the next view -- wired to pkg/metrics in production.
	OnViewChange func(newView uint64)
}

// Engine is the leader-rotated BFT coordinator. It drives a fixed replica
// set (size N = 3f+1) through PROPOSE/VOTE/COMMIT/VIEW_CHANGE rounds,
// committing agreed blocks to the ledger.
type Engine struct {
	mu sync.Mutex

	replicas       []*Replica
	n              int
	f              int
	q              int
	roundTimeout   time.Duration
	blockSizeLimit int

	ledger    *ledger.Ledger
	validator Validator
	logger    *log.Logger

	view uint64

	onSafetyViolation func(*SafetyViolation)
	onViewChange      func(uint64)
}

// NewEngine constructs an Engine over a fixed replica set. It returns an
// error if the replica count cannot tolerate at least one Byzantine fault
// (n must be >= 4, i.e. f >= 1).
func NewEngine(cfg Config) (*Engine, error) {
	n := len(cfg.ReplicaIDs)
	f := MaxFaultsFor(n)
	if f < 1 || !IsByzantineFaultTolerant(n, f) {
		return nil, fmt.Errorf("consensus: replica set of size %d cannot tolerate any Byzantine fault (need n >= 3f+1, f >= 1)", n)
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("consensus: ledger is required")
	}
	roundTimeout := cfg.RoundTimeout
	if roundTimeout <= 0 {
		roundTimeout = defaultRoundTimeout
	}
	blockSizeLimit := cfg.BlockSizeLimit
	if blockSizeLimit <= 0 {
		blockSizeLimit = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[consensus] ", log.LstdFlags)
	}

	replicas := make([]*Replica, n)
	for i, id := range cfg.ReplicaIDs {
		replicas[i] = NewReplica(id)
	}

	return &Engine{
		replicas:          replicas,
		n:                 n,
		f:                 f,
		q:                 QuorumSize(f),
		roundTimeout:      roundTimeout,
		blockSizeLimit:    blockSizeLimit,
		ledger:            cfg.Ledger,
		validator:         cfg.Validator,
		logger:            logger,
		onSafetyViolation: cfg.OnSafetyViolation,
		onViewChange:      cfg.OnViewChange,
	}, nil
}

// View returns the engine's current view number.
func (e *Engine) View() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Leader returns the replica id that leads the current view:
// replicas[view mod N].
func (e *Engine) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replicas[e.view%uint64(e.n)].ID
}

// Quorum returns Q = 2f+1 for this engine's replica set.
func (e *Engine) Quorum() int { return e.q }

// RunRound drives one consensus round to completion: the current leader
// proposes a block carrying up to blockSizeLimit transactions taken in FIFO
// order from pending, followers vote, and on reaching quorum the block is
// committed to the ledger. It returns the committed block and the remaining
// (unconsumed) pending transactions.
//
// If pending is empty the leader abstains (ErrNoPendingTransactions). If
// quorum is not reached within the round timeout, the engine advances to
// view+1 (VIEW_CHANGE) and returns ErrRoundTimedOut with pending unchanged.
func (e *Engine) RunRound(ctx context.Context, pending []*txn.Transaction) (*block.Block, []*txn.Transaction, error) {
	if len(pending) == 0 {
		return nil, pending, ErrNoPendingTransactions
	}

	e.mu.Lock()
	view := e.view
	leaderIdx := int(view % uint64(e.n))
	leader := e.replicas[leaderIdx]
	for i, r := range e.replicas {
		if i == leaderIdx {
			r.setRole(RoleLeader)
		} else {
			r.setRole(RoleFollower)
		}
	}
	ledgerHeight := e.ledger.Height()
	tipHash := e.ledger.TipHash()
	e.mu.Unlock()

	batchLen := len(pending)
	if batchLen > e.blockSizeLimit {
		batchLen = e.blockSizeLimit
	}
	batch := pending[:batchLen]
	remaining := pending[batchLen:]

	proposed := block.New(ledgerHeight+1, tipHash, time.Now(), batch, leader.ID)
	leader.propose(proposed)
	e.logger.Printf("view=%d leader=%s proposing block height=%d txs=%d", view, leader.ID, proposed.Height, len(batch))

	type voteMsg struct {
		voterID string
		hash    string
	}
	votes := make(chan voteMsg, e.n)
	var wg sync.WaitGroup
	for _, r := range e.replicas {
		r := r
		if r.ID == leader.ID {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, violation := r.HandleProposal(view, proposed, ledgerHeight, tipHash, e.validate)
			if violation != nil {
				e.logger.Printf("%v", violation)
				if sv, ok := violation.(*SafetyViolation); ok && e.onSafetyViolation != nil {
					e.onSafetyViolation(sv)
				}
			}
			if ok {
				votes <- voteMsg{voterID: r.ID, hash: proposed.Hash()}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(votes)
	}()

	timer := time.NewTimer(e.roundTimeout)
	defer timer.Stop()

	quorumReached := leader.RecordVote(proposed.Hash(), leader.ID, e.q)
	for !quorumReached {
		select {
		case v, ok := <-votes:
			if !ok {
				// all followers have responded and quorum still not met;
				// no further votes can arrive, so wait out the remaining
				// timeout (or cancellation) and then change view.
				select {
				case <-timer.C:
					return e.viewChange(view, pending)
				case <-ctx.Done():
					return e.viewChange(view, pending)
				}
			}
			quorumReached = leader.RecordVote(v.hash, v.voterID, e.q)
		case <-timer.C:
			return e.viewChange(view, pending)
		case <-ctx.Done():
			return e.viewChange(view, pending)
		}
	}

	e.logger.Printf("view=%d leader=%s quorum reached for block height=%d, committing", view, leader.ID, proposed.Height)
	if err := e.ledger.AppendCommitted(proposed); err != nil {
		return nil, pending, fmt.Errorf("consensus: commit: %w", err)
	}
	e.mu.Lock()
	for _, r := range e.replicas {
		r.Commit()
	}
	e.view++
	e.mu.Unlock()

	return proposed, remaining, nil
}

func (e *Engine) validate(b *block.Block) error {
	if e.validator == nil {
		return nil
	}
	return e.validator.ValidateBlock(b)
}

func (e *Engine) viewChange(view uint64, remaining []*txn.Transaction) (*block.Block, []*txn.Transaction, error) {
	e.mu.Lock()
	newView := view + 1
	for _, r := range e.replicas {
		r.ViewChange(newView)
	}
	e.view = newView
	e.mu.Unlock()

	e.logger.Printf("view=%d timed out without quorum, advancing to view=%d", view, newView)
	if e.onViewChange != nil {
		e.onViewChange(newView)
	}
	return nil, remaining, ErrRoundTimedOut
}
