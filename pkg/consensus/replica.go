package consensus

import (
	"fmt"
	"sync"

	"github.com/digitalruble/settlement-core/pkg/block"
)

// SafetyViolation describes a detected breach of the replica's voting
// discipline -- never fatal to the process by itself, but always logged
// (spec.md §4.3: "logs the second as a safety violation").
type SafetyViolation struct {
	ReplicaID string
	View      uint64
	Reason    string
}

func (v *SafetyViolation) Error() string {
	return fmt.Sprintf("consensus: safety violation on replica %s at view %d: %s", v.ReplicaID, v.View, v.Reason)
}

// Replica holds one consensus participant's per-view state: its role, the
// last block it proposed or voted for, the votes it has collected (when
// acting as leader), and its locked block for the current view.
type Replica struct {
	mu sync.Mutex

	ID   string
	Role Role

	view             uint64
	lastProposedHash string
	lastVotedHash    string
	locked           *block.Block

	// votesReceived is meaningful only while this replica is leader: block
	// hash -> set of replica ids that voted for it.
	votesReceived map[string]map[string]bool

	// proposalSeenThisView records the first proposal hash accepted in the
	// current view, so a second, distinct proposal from the same leader is
	// detected and rejected rather than silently re-voted.
	proposalSeenThisView string
}

// NewReplica constructs a follower replica at view 0.
func NewReplica(id string) *Replica {
	return &Replica{
		ID:            id,
		Role:          RoleFollower,
		votesReceived: make(map[string]map[string]bool),
	}
}

// View returns the replica's current view number.
func (r *Replica) View() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Locked returns the block this replica has voted for in the current view,
// or nil if it has not yet voted.
func (r *Replica) Locked() *block.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// setRole assigns the replica's role for the current view. Engine calls this
// once per round after computing the leader via view-rotation.
func (r *Replica) setRole(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Role = role
}

// propose is called on the leader replica to record its own proposal. The
// leader's own intent counts as a vote (spec.md §4.3 bullet 3).
func (r *Replica) propose(b *block.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastProposedHash = b.Hash()
	r.votesReceived[b.Hash()] = map[string]bool{r.ID: true}
}

// HandleProposal implements the follower's validation of a PROPOSE message
// (spec.md §4.3 bullet 2): the block must extend the ledger tip, the
// replica must not have already voted this view, and the block must pass
// the caller-supplied validity check. It returns whether the replica casts
// a vote, and a non-nil *SafetyViolation if a second, distinct proposal for
// the same view was observed (the replica votes only for the first).
func (r *Replica) HandleProposal(view uint64, b *block.Block, ledgerHeight uint64, ledgerTipHash string, validate func(*block.Block) error) (vote bool, violation error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if view != r.view {
		return false, nil
	}
	if r.proposalSeenThisView != "" && r.proposalSeenThisView != b.Hash() {
		return false, &SafetyViolation{ReplicaID: r.ID, View: view, Reason: "received a second distinct proposal in the same view"}
	}
	r.proposalSeenThisView = b.Hash()

	if r.lastVotedHash != "" {
		return false, nil
	}
	if b.Height != ledgerHeight+1 {
		return false, nil
	}
	if b.ParentHash != ledgerTipHash {
		return false, nil
	}
	if validate != nil {
		if err := validate(b); err != nil {
			return false, nil
		}
	}

	r.locked = b
	r.lastVotedHash = b.Hash()
	return true, nil
}

// RecordVote tallies a vote for blockHash from voterID. It is a no-op unless
// this replica is the current leader. It returns true the first time the
// distinct-voter count for blockHash reaches quorum.
func (r *Replica) RecordVote(blockHash, voterID string, quorum int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Role != RoleLeader {
		return false
	}
	voters, ok := r.votesReceived[blockHash]
	if !ok {
		voters = make(map[string]bool)
		r.votesReceived[blockHash] = voters
	}
	alreadyHadQuorum := len(voters) >= quorum
	voters[voterID] = true
	return !alreadyHadQuorum && len(voters) >= quorum
}

// Commit clears the replica's locked block and votes, and advances it to
// the next view. Per spec.md §4.3 bullet 4, this happens on COMMIT for
// every replica -- leader and followers alike.
func (r *Replica) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = nil
	r.lastVotedHash = ""
	r.proposalSeenThisView = ""
	r.votesReceived = make(map[string]map[string]bool)
	r.view++
}

// ViewChange advances the replica to newView without committing a block,
// clearing per-view vote/proposal state but leaving pending transactions
// untouched (they remain in the caller's queue).
func (r *Replica) ViewChange(newView uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newView <= r.view {
		return
	}
	r.view = newView
	r.locked = nil
	r.lastVotedHash = ""
	r.proposalSeenThisView = ""
	r.votesReceived = make(map[string]map[string]bool)
}
