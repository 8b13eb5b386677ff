package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"raftkv/internal/raft/rpc"
)

// MockPeerClient is a testify mock of server.PeerClient. Expectations are keyed by the peer address.
type MockPeerClient struct {
	mock.Mock
}

func (m *MockPeerClient) RequestVote(ctx context.Context, peer string, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	args := m.Called(ctx, peer, req)
	resp, _ := args.Get(0).(*rpc.RequestVoteResponse)
	return resp, args.Error(1)
}

func (m *MockPeerClient) Heartbeat(ctx context.Context, peer string, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	args := m.Called(ctx, peer, req)
	resp, _ := args.Get(0).(*rpc.HeartbeatResponse)
	return resp, args.Error(1)
}

func (m *MockPeerClient) Set(ctx context.Context, peer string, req *rpc.SetRequest) (*rpc.SetResponse, error) {
	args := m.Called(ctx, peer, req)
	resp, _ := args.Get(0).(*rpc.SetResponse)
	return resp, args.Error(1)
}

func (m *MockPeerClient) Forget(peer string) {
	m.Called(peer)
}
