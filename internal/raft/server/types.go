package server

import (
	"context"
	"time"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft/rpc"
	"raftkv/internal/raft/store"
)

// NodeID is the advertised host:port of a node. It identifies the node in votes and heartbeats and is the address
// peers dial.
type NodeID string

// A Role is the part a node plays in the cluster at any given point: follower, candidate or leader
type Role uint64

// As Golang does not support Enums this is a common pattern for implementing one
const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

const (
	// RoleChanged is published on every role transition. The payload is RoleChangedPayload.
	RoleChanged pubsub.EventType = iota
	// LeaderChanged is published when the node learns about a different leader, itself included. The payload is
	// LeaderChangedPayload.
	LeaderChanged
	// ChangesCommitted is published by a leader after a heartbeat majority committed pending changes. The payload is
	// ChangesCommittedPayload.
	ChangesCommitted
	// NodeStopped is published once the node has shut down. The payload is an empty struct.
	NodeStopped
)

type RoleChangedPayload struct {
	Node NodeID
	From Role
	To   Role
	Term uint64
}

type LeaderChangedPayload struct {
	Node   NodeID
	Leader NodeID
	Term   uint64
}

type ChangesCommittedPayload struct {
	Node  NodeID
	Count int
	Term  uint64
}

// MetricsCollector is an optional interface for collecting node metrics. metrics.Metrics implements it.
type MetricsCollector interface {
	rpc.Recorder
	RecordElection()
	RecordElectionWon()
	RecordElectionDuration(duration time.Duration)
	RecordCommandCommitted()
	RecordCommandLatency(latency time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordRequestVote()                   {}
func (noopMetrics) RecordHeartbeat()                     {}
func (noopMetrics) RecordTransportFailure()              {}
func (noopMetrics) RecordElection()                      {}
func (noopMetrics) RecordElectionWon()                   {}
func (noopMetrics) RecordElectionDuration(time.Duration) {}
func (noopMetrics) RecordCommandCommitted()              {}
func (noopMetrics) RecordCommandLatency(time.Duration)   {}

// PeerClient sends RPCs to other nodes. rpc.Client implements it.
type PeerClient interface {
	RequestVote(ctx context.Context, peer string, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error)
	Heartbeat(ctx context.Context, peer string, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error)
	Set(ctx context.Context, peer string, req *rpc.SetRequest) (*rpc.SetResponse, error)
	// Forget releases resources held for a peer that left the cluster
	Forget(peer string)
}

// VoteResult is the answer to a RequestVote
type VoteResult struct {
	Granted bool
	// Term is the voter's term after handling the request
	Term uint64
}

// HeartbeatResult is the answer to a Heartbeat
type HeartbeatResult struct {
	Ack  bool
	Term uint64
}

// Snapshot is a point in time copy of a node's state, for diagnostics
type Snapshot struct {
	ID              NodeID
	Incarnation     string
	Role            Role
	Term            uint64
	VotedFor        NodeID
	CurrentLeader   NodeID
	LastHeartbeatAt time.Time
	ElectionTimeout time.Duration
	Fellows         []string
	Pending         []store.ChangeEntry
	Committed       map[string]string
}
