package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"raftkv/internal"
	"raftkv/internal/pubsub"
	"raftkv/internal/raft/rpc"
	"raftkv/internal/raft/store"
)

func TestHeartbeatChanges(t *testing.T) {
	committed := map[string]string{"b": "2", "a": "1"}
	pending := []store.ChangeEntry{{Key: "c", Value: "3", Status: store.Pending}, {Key: "a", Value: "9", Status: store.Pending}}

	got := heartbeatChanges(committed, pending)

	assert.Equal(t, []*rpc.Change{
		{Key: "a", Value: "1", Status: rpc.StatusCommitted},
		{Key: "b", Value: "2", Status: rpc.StatusCommitted},
		{Key: "c", Value: "3", Status: rpc.StatusPending},
		{Key: "a", Value: "9", Status: rpc.StatusPending},
	}, got)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	tn := newTestNode(t, peerA, peerB)
	tn.start(t)

	t.Run("adopts the view of the first leader", func(t *testing.T) {
		ack, err := tn.Heartbeat(ctx, peerA, 1, []*rpc.Change{
			{Key: "a", Value: "1", Status: rpc.StatusCommitted},
			{Key: "b", Value: "2", Status: rpc.StatusPending},
		})
		require.NoError(t, err)
		assert.Equal(t, HeartbeatResult{Ack: true, Term: 1}, ack)

		values, err := tn.ReadAll()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "2"}, values)

		snap := tn.snapshot(t)
		assert.Equal(t, NodeID(peerA), snap.CurrentLeader)
		assert.Equal(t, NodeID(peerA), snap.VotedFor)
		assert.Equal(t, uint64(1), snap.Term)
	})

	t.Run("later entries of the same key win", func(t *testing.T) {
		ack, err := tn.Heartbeat(ctx, peerA, 1, []*rpc.Change{
			{Key: "a", Value: "1", Status: rpc.StatusCommitted},
			{Key: "a", Value: "5", Status: rpc.StatusPending},
		})
		require.NoError(t, err)
		assert.True(t, ack.Ack)

		values, err := tn.Read("a")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "5"}, values)

		values, err = tn.Read("b")
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("ignores another node of the same term", func(t *testing.T) {
		ack, err := tn.Heartbeat(ctx, peerB, 1, []*rpc.Change{{Key: "x", Value: "y"}})
		require.NoError(t, err)
		assert.Equal(t, HeartbeatResult{Ack: false, Term: 1}, ack)

		values, err := tn.ReadAll()
		require.NoError(t, err)
		assert.NotContains(t, values, "x")
		assert.Equal(t, NodeID(peerA), tn.snapshot(t).CurrentLeader)
	})

	t.Run("rejects stale term", func(t *testing.T) {
		ack, err := tn.Heartbeat(ctx, peerB, 0, nil)
		assert.ErrorIs(t, err, ErrStaleTerm)
		assert.Equal(t, HeartbeatResult{Ack: false, Term: 1}, ack)
	})

	t.Run("follows a higher term leader", func(t *testing.T) {
		ack, err := tn.Heartbeat(ctx, peerB, 2, []*rpc.Change{{Key: "c", Value: "3", Status: rpc.StatusCommitted}})
		require.NoError(t, err)
		assert.Equal(t, HeartbeatResult{Ack: true, Term: 2}, ack)

		values, err := tn.ReadAll()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"c": "3"}, values)
		assert.Equal(t, NodeID(peerB), tn.snapshot(t).CurrentLeader)
	})
}

func TestHeartbeat_RefreshesDeadline(t *testing.T) {
	tn := newTestNode(t, peerA, peerB)
	tn.start(t)

	tn.clock.Advance(100 * time.Millisecond)
	_, err := tn.Heartbeat(context.Background(), peerA, 1, nil)
	require.NoError(t, err)

	// the original deadline passes, the node re-arms instead of running for election
	tn.clock.Advance(60 * time.Millisecond)
	tn.waitTimer(t)
	tn.peers.AssertNotCalled(t, "RequestVote", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, Follower, tn.snapshot(t).Role)
}

func TestHeartbeat_LeaderStepsDownOnHigherTerm(t *testing.T) {
	tn := newTestNode(t, peerA, peerB)
	tn.electLeader(t)

	_, err := tn.Propose(context.Background(), "k", "v")
	require.NoError(t, err)

	ack, err := tn.Heartbeat(context.Background(), peerA, 3, nil)
	require.NoError(t, err)
	assert.True(t, ack.Ack)

	snap := tn.snapshot(t)
	assert.Equal(t, Follower, snap.Role)
	assert.Equal(t, uint64(3), snap.Term)
	assert.Equal(t, NodeID(peerA), snap.CurrentLeader)
	assert.Empty(t, snap.Pending)
}

func TestLeader_CommitsOnMajority(t *testing.T) {
	tn := newTestNode(t, peerA, peerB)
	committed := make(chan *pubsub.Event[ChangesCommittedPayload], 1)
	pubsub.Subscribe(tn.events, ChangesCommitted, committed, pubsub.SubscriptionOptions{})
	tn.electLeader(t)

	ok, err := tn.Propose(context.Background(), "k", "v")
	require.NoError(t, err)
	assert.True(t, ok)

	// a write is acknowledged before it is committed
	values, err := tn.ReadAll()
	require.NoError(t, err)
	assert.NotContains(t, values, "k")

	tn.clock.Advance(testHeartbeat)

	assert.Equal(t, ChangesCommittedPayload{Node: selfAddr, Count: 1, Term: 1}, nextEvent(t, committed))
	values, err = tn.Read("k")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, values)
	assert.Empty(t, tn.snapshot(t).Pending)
	assert.Equal(t, 1, tn.metrics.Committed())

	tn.peers.AssertCalled(t, "Heartbeat", mock.Anything, peerA, mock.MatchedBy(func(req *rpc.HeartbeatRequest) bool {
		return len(req.Changes) == 1 && req.Changes[0].Key == "k" && req.Changes[0].Status == rpc.StatusPending
	}))
}

func TestLeader_KeepsPendingWithoutMajority(t *testing.T) {
	tn := newTestNode(t, peerA, peerB)
	var heartbeats atomic.Int64
	tn.peers.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).
		Return(&rpc.RequestVoteResponse{Granted: true, Term: 1}, nil)
	tn.peers.On("Heartbeat", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { heartbeats.Add(1) }).
		Return(&rpc.HeartbeatResponse{Ack: false, Term: 1}, nil)
	tn.start(t)
	tn.clock.Advance(pastElection)
	tn.waitRole(t, Leader)

	_, err := tn.Propose(context.Background(), "k", "v")
	require.NoError(t, err)
	before := heartbeats.Load()

	tn.clock.Advance(testHeartbeat)
	require.Eventually(t, func() bool { return heartbeats.Load() >= before+2 }, time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool {
		values, err := tn.ReadAll()
		return err != nil || values["k"] != ""
	}, 100*time.Millisecond, 10*time.Millisecond)

	snap := tn.snapshot(t)
	assert.Equal(t, Leader, snap.Role)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, store.Pending, snap.Pending[0].Status)
}

func TestLeader_CommitsDespiteUnresponsivePeer(t *testing.T) {
	tn := newTestNode(t, peerA, peerB)
	stuck := make(chan time.Time)
	t.Cleanup(func() { close(stuck) })
	committed := make(chan *pubsub.Event[ChangesCommittedPayload], 1)
	pubsub.Subscribe(tn.events, ChangesCommitted, committed, pubsub.SubscriptionOptions{})

	tn.peers.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).
		Return(&rpc.RequestVoteResponse{Granted: true, Term: 1}, nil)
	tn.peers.On("Heartbeat", mock.Anything, peerA, mock.Anything).
		Return(&rpc.HeartbeatResponse{Ack: true, Term: 1}, nil)
	tn.peers.On("Heartbeat", mock.Anything, peerB, mock.Anything).
		WaitUntil(stuck).
		Return(&rpc.HeartbeatResponse{Ack: true, Term: 1}, nil)
	tn.start(t)
	tn.clock.Advance(pastElection)
	tn.waitRole(t, Leader)

	_, err := tn.Propose(context.Background(), "k", "v")
	require.NoError(t, err)
	tn.clock.Advance(testHeartbeat)

	assert.Equal(t, ChangesCommittedPayload{Node: selfAddr, Count: 1, Term: 1}, nextEvent(t, committed))
	values, err := tn.Read("k")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, values)
}

func TestLeader_StepsDownOnHigherTermAck(t *testing.T) {
	tn := newTestNode(t, peerA, peerB)
	tn.peers.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).
		Return(&rpc.RequestVoteResponse{Granted: true, Term: 1}, nil)
	tn.peers.On("Heartbeat", mock.Anything, mock.Anything, mock.Anything).
		Return(&rpc.HeartbeatResponse{Ack: false, Term: 7}, nil)
	tn.start(t)
	tn.clock.Advance(pastElection)

	tn.waitFor(t, func(s Snapshot) bool { return s.Role == Follower && s.Term == 7 })
}

func TestPropose(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects an empty key", func(t *testing.T) {
		tn := newTestNode(t, peerA)
		tn.start(t)

		_, err := tn.Propose(ctx, "", "v")
		assert.ErrorIs(t, err, ErrEmptyKey)
	})

	t.Run("fails without a known leader", func(t *testing.T) {
		tn := newTestNode(t, peerA)
		tn.start(t)

		ok, err := tn.Propose(ctx, "k", "v")
		assert.ErrorIs(t, err, ErrNoLeaderAvailable)
		assert.False(t, ok)
	})

	t.Run("forwards to the leader", func(t *testing.T) {
		tn := newTestNode(t, peerA)
		tn.start(t)
		_, err := tn.Heartbeat(ctx, peerA, 1, nil)
		require.NoError(t, err)

		tn.peers.On("Set", mock.Anything, peerA, &rpc.SetRequest{Key: "k", Value: "v", Hops: 1, RequestID: "req-1"}).
			Return(&rpc.SetResponse{Success: true}, nil).Once()

		ok, err := tn.Propose(internal.WithRequestID(ctx, "req-1"), "k", "v")
		require.NoError(t, err)
		assert.True(t, ok)
		tn.peers.AssertExpectations(t)

		// nothing is kept locally, the leader owns the write
		assert.Empty(t, tn.snapshot(t).Pending)
	})

	t.Run("stops at the hop limit", func(t *testing.T) {
		tn := newTestNode(t, peerA)
		tn.start(t)
		_, err := tn.Heartbeat(ctx, peerA, 1, nil)
		require.NoError(t, err)

		_, err = tn.propose(ctx, "k", "v", DefaultMaxForwardHops)
		assert.ErrorIs(t, err, ErrNoLeaderAvailable)
		tn.peers.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("reports an unreachable leader as not accepted", func(t *testing.T) {
		tn := newTestNode(t, peerA)
		tn.start(t)
		_, err := tn.Heartbeat(ctx, peerA, 1, nil)
		require.NoError(t, err)

		tn.peers.On("Set", mock.Anything, peerA, mock.Anything).
			Return(nil, fmt.Errorf("%w: connection refused", rpc.ErrTransportFailure))

		ok, err := tn.Propose(ctx, "k", "v")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("passes on a refusal of the leader", func(t *testing.T) {
		tn := newTestNode(t, peerA)
		tn.start(t)
		_, err := tn.Heartbeat(ctx, peerA, 1, nil)
		require.NoError(t, err)

		tn.peers.On("Set", mock.Anything, peerA, mock.Anything).
			Return(nil, fmt.Errorf("%w: forwarded too often", rpc.ErrNoLeaderAvailable))

		_, err = tn.Propose(ctx, "k", "v")
		assert.True(t, errors.Is(err, ErrNoLeaderAvailable))
	})

	t.Run("leader overwrites a pending key in place", func(t *testing.T) {
		tn := newTestNode(t, peerA, peerB)
		tn.electLeader(t)

		for _, v := range []string{"1", "2"} {
			ok, err := tn.Propose(ctx, "k", v)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := tn.Propose(ctx, "j", "3")
		require.NoError(t, err)
		assert.True(t, ok)

		pending := tn.snapshot(t).Pending
		require.Len(t, pending, 2)
		assert.Equal(t, "k", pending[0].Key)
		assert.Equal(t, "2", pending[0].Value)
		assert.Equal(t, "j", pending[1].Key)
	})
}
