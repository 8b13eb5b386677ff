package rpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeRaftService struct {
	UnimplementedRaftServiceServer
	heartbeatDelay time.Duration
}

func (f *fakeRaftService) RequestVote(_ context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	return &RequestVoteResponse{Granted: req.Term > 1, Term: req.Term}, nil
}

func (f *fakeRaftService) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	select {
	case <-time.After(f.heartbeatDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &HeartbeatResponse{Ack: true, Term: req.Term}, nil
}

func (f *fakeRaftService) Set(_ context.Context, req *SetRequest) (*SetResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.FailedPrecondition, "no leader")
	}
	return &SetResponse{Success: req.Hops == 1}, nil
}

func (f *fakeRaftService) Get(_ context.Context, req *GetRequest) (*GetResponse, error) {
	if req.HasKey {
		return &GetResponse{Values: map[string]string{req.Key: "v"}}, nil
	}
	return &GetResponse{}, nil
}

type countingRecorder struct {
	votes, heartbeats, failures atomic.Int32
}

func (c *countingRecorder) RecordRequestVote()      { c.votes.Add(1) }
func (c *countingRecorder) RecordHeartbeat()        { c.heartbeats.Add(1) }
func (c *countingRecorder) RecordTransportFailure() { c.failures.Add(1) }

func startFakeService(t *testing.T, svc RaftServiceServer) grpc.DialOption {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterRaftServiceServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestClient_RequestVote(t *testing.T) {
	dialer := startFakeService(t, &fakeRaftService{})
	rec := &countingRecorder{}
	c := NewClient(WithDialOptions(dialer), WithRecorder(rec), WithTimeout(time.Second))
	defer c.Close()

	resp, err := c.RequestVote(context.Background(), "peer-a", &RequestVoteRequest{Candidate: "me", Term: 2})
	require.NoError(t, err)
	assert.True(t, resp.Granted)
	assert.Equal(t, uint64(2), resp.Term)
	assert.Equal(t, int32(1), rec.votes.Load())
	assert.Equal(t, int32(0), rec.failures.Load())
}

func TestClient_Heartbeat(t *testing.T) {
	t.Run("acknowledged within the timeout", func(t *testing.T) {
		dialer := startFakeService(t, &fakeRaftService{})
		c := NewClient(WithDialOptions(dialer), WithTimeout(time.Second))
		defer c.Close()

		resp, err := c.Heartbeat(context.Background(), "peer-a", &HeartbeatRequest{From: "me", Term: 1})
		require.NoError(t, err)
		assert.True(t, resp.Ack)
	})

	t.Run("a slow peer fails with a transport failure", func(t *testing.T) {
		dialer := startFakeService(t, &fakeRaftService{heartbeatDelay: 500 * time.Millisecond})
		rec := &countingRecorder{}
		c := NewClient(WithDialOptions(dialer), WithRecorder(rec), WithTimeout(20*time.Millisecond))
		defer c.Close()

		start := time.Now()
		_, err := c.Heartbeat(context.Background(), "peer-a", &HeartbeatRequest{From: "me", Term: 1})
		assert.ErrorIs(t, err, ErrTransportFailure)
		assert.Less(t, time.Since(start), 400*time.Millisecond)
		assert.Equal(t, int32(1), rec.heartbeats.Load())
		assert.Equal(t, int32(1), rec.failures.Load())
	})
}

func TestClient_Set(t *testing.T) {
	dialer := startFakeService(t, &fakeRaftService{})
	c := NewClient(WithDialOptions(dialer))
	defer c.Close()

	t.Run("returns the peer's answer", func(t *testing.T) {
		resp, err := c.Set(context.Background(), "peer-a", &SetRequest{Key: "foo", Value: "bar", Hops: 1})
		require.NoError(t, err)
		assert.True(t, resp.Success)
	})

	t.Run("maps failed precondition to no leader", func(t *testing.T) {
		_, err := c.Set(context.Background(), "peer-a", &SetRequest{})
		assert.ErrorIs(t, err, ErrNoLeaderAvailable)
		assert.NotErrorIs(t, err, ErrTransportFailure)
	})
}

func TestClient_UnimplementedMethod(t *testing.T) {
	dialer := startFakeService(t, UnimplementedRaftServiceServer{})
	c := NewClient(WithDialOptions(dialer), WithTimeout(time.Second))
	defer c.Close()

	_, err := c.RequestVote(context.Background(), "peer-a", &RequestVoteRequest{Candidate: "me", Term: 1})
	assert.ErrorIs(t, err, ErrTransportFailure)
}

func TestClient_ForgetDropsConnection(t *testing.T) {
	dialer := startFakeService(t, &fakeRaftService{})
	c := NewClient(WithDialOptions(dialer), WithTimeout(time.Second))
	defer c.Close()

	_, err := c.RequestVote(context.Background(), "peer-a", &RequestVoteRequest{Candidate: "me", Term: 2})
	require.NoError(t, err)
	_, ok := c.conns.Load("peer-a")
	assert.True(t, ok)

	c.Forget("peer-a")
	_, ok = c.conns.Load("peer-a")
	assert.False(t, ok)

	// the next call dials again
	_, err = c.RequestVote(context.Background(), "peer-a", &RequestVoteRequest{Candidate: "me", Term: 2})
	assert.NoError(t, err)
}

func TestRaftServiceClient_Get(t *testing.T) {
	dialer := startFakeService(t, &fakeRaftService{})
	cc, err := Dial("bufnet", dialer)
	require.NoError(t, err)
	defer cc.Close()

	client := NewRaftServiceClient(cc)

	t.Run("single key", func(t *testing.T) {
		resp, err := client.Get(context.Background(), &GetRequest{Key: "foo", HasKey: true})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"foo": "v"}, resp.Values)
	})

	t.Run("whole mapping", func(t *testing.T) {
		resp, err := client.Get(context.Background(), &GetRequest{})
		require.NoError(t, err)
		assert.Empty(t, resp.Values)
	})

	t.Run("unimplemented method carries the grpc code", func(t *testing.T) {
		_, err := client.ShowFellows(context.Background(), &ShowFellowsRequest{})
		assert.Equal(t, codes.Unimplemented, status.Code(err))
	})
}
