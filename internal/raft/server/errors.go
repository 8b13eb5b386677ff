package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"raftkv/internal/raft/rpc"
)

var (
	// ErrNoLeaderAvailable is returned by a write on a node that is not the leader and knows no leader to forward to.
	// It is the same value as rpc.ErrNoLeaderAvailable, so a refusal reported by a peer matches too.
	ErrNoLeaderAvailable = rpc.ErrNoLeaderAvailable

	// ErrStaleTerm is returned when an inbound RPC carries a term lower than the node's own. The request was rejected
	// without touching the node state.
	ErrStaleTerm = errors.New("raft: stale term")

	// ErrNodeStopped is returned by every operation on a stopped node
	ErrNodeStopped = errors.New("raft: node stopped")

	ErrInvalidConfig = errors.New("raft: invalid config")
	ErrEmptyKey      = errors.New("raft: empty key")
	ErrInvalidPeer   = errors.New("raft: invalid peer address")
)

// toStatus converts a node error into a gRPC status error
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoLeaderAvailable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrNodeStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ErrEmptyKey), errors.Is(err, ErrInvalidPeer):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
