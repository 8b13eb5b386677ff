package server

import (
	"time"

	"raftkv/internal/raft/membership"
	"raftkv/internal/raft/store"
)

// nodeState holds every mutable variable of a node. It has no lock: only the loop goroutine of the Node touches it.
type nodeState struct {
	role Role
	// The latest term the node has seen. It only grows, except when the node undoes the increment of an election it
	// started and lost.
	term uint64
	// The node this one voted for, or followed, in the current term. Empty means the node is free to vote and trusts
	// the next heartbeat it receives.
	votedFor      NodeID
	currentLeader NodeID
	// Refreshed by an accepted heartbeat, a granted vote, an election start and, on the leader, every heartbeat sent.
	lastHeartbeatAt time.Time
	// The effective election timeout: Config.ElectionTimeout plus the jitter drawn on entering Follower or starting an
	// election.
	electionTimeout time.Duration

	peers   *membership.Registry
	changes *store.ChangeLog

	// electionSeq identifies the current election so replies of an older one are dropped
	electionSeq      uint64
	electionInFlight bool
	// heartbeatSeq numbers heartbeat rounds. A round that concludes after a newer one must not commit.
	heartbeatSeq       uint64
	heartbeatConcluded uint64
}

func newNodeState(peers []string) nodeState {
	return nodeState{
		role:    Follower,
		peers:   membership.NewRegistry(peers...),
		changes: store.NewChangeLog(),
	}
}

// lapsed reports whether the heartbeat deadline passed at now
func (s *nodeState) lapsed(now time.Time) bool {
	return now.Sub(s.lastHeartbeatAt) > s.electionTimeout
}

// trusts reports whether a heartbeat from `from` with term may be accepted as coming from the leader
func (s *nodeState) trusts(from NodeID, term uint64) bool {
	return s.votedFor == "" || from == s.votedFor || from == s.currentLeader || term > s.term
}

// hasQuorum reports whether acks from peers plus the node's own vote form a strict majority of the cluster. For an
// odd cluster size this is the same as acks+1 > peers/2. An even cluster needs one more ack than that formula: with a
// single peer the node cannot win on its own vote, and with three peers it needs two acks.
func hasQuorum(acks, peers int) bool {
	return 2*(acks+1) > peers+1
}
