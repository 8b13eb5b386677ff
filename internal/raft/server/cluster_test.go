package server

import (
	"context"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"raftkv/internal/raft/rpc"
)

// startCluster runs one server per election timeout on loopback TCP. Every node knows every other node.
func startCluster(t *testing.T, timeouts ...time.Duration) []*Server {
	t.Helper()

	listeners := make([]net.Listener, len(timeouts))
	addrs := make([]string, len(timeouts))
	for i := range timeouts {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = lis
		addrs[i] = lis.Addr().String()
	}

	servers := make([]*Server, len(timeouts))
	for i, timeout := range timeouts {
		cfg := DefaultConfig(NodeID(addrs[i]))
		cfg.Peers = slices.Delete(slices.Clone(addrs), i, i+1)
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.ElectionTimeout = timeout

		srv, err := NewServer(cfg, listeners[i])
		require.NoError(t, err)
		servers[i] = srv
		go func() { _ = srv.Serve() }()
		t.Cleanup(srv.ForceShutdown)
	}
	return servers
}

// waitLeader waits until exactly one of the running servers leads and every other one follows it
func waitLeader(t *testing.T, servers []*Server) *Server {
	t.Helper()

	var leader *Server
	require.Eventually(t, func() bool {
		leader = nil
		var leaders []NodeID
		for _, srv := range servers {
			snap, err := srv.Node().State(context.Background())
			if err != nil {
				return false
			}
			if snap.Role == Leader {
				leader = srv
			}
			leaders = append(leaders, snap.CurrentLeader)
		}
		if leader == nil {
			return false
		}
		for _, l := range leaders {
			if l != leader.Node().ID() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}

func followerOf(servers []*Server, leader *Server) *Server {
	for _, srv := range servers {
		if srv != leader {
			return srv
		}
	}
	return nil
}

func TestCluster_ElectsSingleLeader(t *testing.T) {
	servers := startCluster(t, 225*time.Millisecond, 250*time.Millisecond, 275*time.Millisecond)

	leader := waitLeader(t, servers)

	snap, err := leader.Node().State(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Term, uint64(1))
	assert.Len(t, snap.Fellows, 2)
}

func TestCluster_ReplicatesWrites(t *testing.T) {
	servers := startCluster(t, 225*time.Millisecond, 250*time.Millisecond, 275*time.Millisecond)
	leader := waitLeader(t, servers)
	ctx := context.Background()

	ok, err := leader.Node().Propose(ctx, "from-leader", "1")
	require.NoError(t, err)
	assert.True(t, ok)

	// a follower forwards to the leader
	ok, err = followerOf(servers, leader).Node().Propose(ctx, "from-follower", "2")
	require.NoError(t, err)
	assert.True(t, ok)

	want := map[string]string{"from-leader": "1", "from-follower": "2"}
	for _, srv := range servers {
		require.Eventually(t, func() bool {
			values, err := srv.Node().ReadAll()
			return err == nil && assert.ObjectsAreEqual(want, values)
		}, 3*time.Second, 10*time.Millisecond, "node %s did not converge", srv.Node().ID())
	}

	leaderSnap, err := leader.Node().State(ctx)
	require.NoError(t, err)
	assert.Empty(t, leaderSnap.Pending)
}

func TestCluster_ReelectsAfterLeaderStops(t *testing.T) {
	servers := startCluster(t, 225*time.Millisecond, 250*time.Millisecond, 275*time.Millisecond)
	leader := waitLeader(t, servers)

	leader.ForceShutdown()

	remaining := slices.DeleteFunc(slices.Clone(servers), func(s *Server) bool { return s == leader })
	next := waitLeader(t, remaining)
	assert.NotEqual(t, leader.Node().ID(), next.Node().ID())
}

func TestGRPCService(t *testing.T) {
	servers := startCluster(t, 225*time.Millisecond, 250*time.Millisecond, 275*time.Millisecond)
	leader := waitLeader(t, servers)
	follower := followerOf(servers, leader)

	conn, err := rpc.Dial(follower.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	client := rpc.NewRaftServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("set through a follower", func(t *testing.T) {
		resp, err := client.Set(ctx, &rpc.SetRequest{Key: "k", Value: "v", RequestID: "req-42"})
		require.NoError(t, err)
		assert.True(t, resp.Success)

		require.Eventually(t, func() bool {
			resp, err := client.Get(ctx, &rpc.GetRequest{Key: "k", HasKey: true})
			return err == nil && resp.Values["k"] == "v"
		}, 3*time.Second, 10*time.Millisecond)
	})

	t.Run("get of an unknown key is empty", func(t *testing.T) {
		resp, err := client.Get(ctx, &rpc.GetRequest{Key: "missing", HasKey: true})
		require.NoError(t, err)
		assert.Empty(t, resp.Values)
	})

	t.Run("get without key returns everything", func(t *testing.T) {
		resp, err := client.Get(ctx, &rpc.GetRequest{})
		require.NoError(t, err)
		assert.Equal(t, "v", resp.Values["k"])
	})

	t.Run("set with an empty key is invalid", func(t *testing.T) {
		_, err := client.Set(ctx, &rpc.SetRequest{Key: ""})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("state", func(t *testing.T) {
		resp, err := client.State(ctx, &rpc.StateRequest{})
		require.NoError(t, err)
		assert.Equal(t, string(follower.Node().ID()), resp.ID)
		assert.Equal(t, "Follower", resp.Role)
		assert.Equal(t, string(leader.Node().ID()), resp.CurrentLeader)
		assert.NotZero(t, resp.LastHeartbeatAt)
		assert.Len(t, resp.Fellows, 2)
	})

	t.Run("fellows", func(t *testing.T) {
		extra := "127.0.0.1:1"

		added, err := client.AddFellow(ctx, &rpc.FellowRequest{Address: extra})
		require.NoError(t, err)
		assert.True(t, added.Changed)

		again, err := client.AddFellow(ctx, &rpc.FellowRequest{Address: extra})
		require.NoError(t, err)
		assert.False(t, again.Changed)

		shown, err := client.ShowFellows(ctx, &rpc.ShowFellowsRequest{})
		require.NoError(t, err)
		assert.Contains(t, shown.Fellows, extra)

		removed, err := client.RemoveFellow(ctx, &rpc.FellowRequest{Address: extra})
		require.NoError(t, err)
		assert.True(t, removed.Changed)

		_, err = client.AddFellow(ctx, &rpc.FellowRequest{Address: "nope"})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("stale vote request is answered, not failed", func(t *testing.T) {
		resp, err := client.RequestVote(ctx, &rpc.RequestVoteRequest{Candidate: "127.0.0.1:2", Term: 0})
		require.NoError(t, err)
		assert.False(t, resp.Granted)
		assert.GreaterOrEqual(t, resp.Term, uint64(1))
	})

	t.Run("stale heartbeat is answered, not failed", func(t *testing.T) {
		resp, err := client.Heartbeat(ctx, &rpc.HeartbeatRequest{From: "127.0.0.1:2", Term: 0})
		require.NoError(t, err)
		assert.False(t, resp.Ack)
	})
}

func TestGRPCService_StoppedNodeIsUnavailable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv, err := NewServer(DefaultConfig(NodeID(lis.Addr().String())), lis)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.ForceShutdown)

	conn, err := rpc.Dial(srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	client := rpc.NewRaftServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.State(ctx, &rpc.StateRequest{})
	require.NoError(t, err)

	// the node stops while the listener keeps serving
	srv.Node().Stop()
	_, err = client.Get(ctx, &rpc.GetRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
