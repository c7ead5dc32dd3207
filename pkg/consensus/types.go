// Package consensus implements the leader-rotated Byzantine fault tolerant
// protocol that orders candidate blocks across a fixed replica set.
package consensus

import (
	"time"

	"github.com/digitalruble/settlement-core/pkg/block"
)

// Role is a replica's role in the current view.
type Role string

const (
	RoleLeader   Role = "LEADER"
	RoleFollower Role = "FOLLOWER"
)

// MessageType enumerates the in-view consensus messages.
type MessageType string

const (
	MsgPropose    MessageType = "PROPOSE"
	MsgVote       MessageType = "VOTE"
	MsgCommit     MessageType = "COMMIT"
	MsgViewChange MessageType = "VIEW_CHANGE"
)

// Message is the envelope passed between replicas. There is no network in
// this implementation -- replicas are in-process goroutines -- but every
// interaction is modelled as a message so a transport could be substituted
// without changing replica logic.
type Message struct {
	Type      MessageType
	View      uint64
	Block     *block.Block
	BlockHash string
	VoterID   string
}

// IsByzantineFaultTolerant reports whether a replica set of the given size
// can tolerate maxFaults Byzantine replicas: n >= 3f + 1.
func IsByzantineFaultTolerant(totalReplicas, maxFaults int) bool {
	return totalReplicas >= 3*maxFaults+1
}

// QuorumSize returns Q = 2f+1 for a replica set that tolerates f faults.
func QuorumSize(maxFaults int) int {
	return 2*maxFaults + 1
}

// MaxFaultsFor returns the largest f such that n >= 3f+1 holds for n
// replicas -- the standard BFT fault tolerance for a fixed replica count.
func MaxFaultsFor(totalReplicas int) int {
	return (totalReplicas - 1) / 3
}

// defaultRoundTimeout is used when Config.RoundTimeout is zero.
const defaultRoundTimeout = 2 * time.Second
