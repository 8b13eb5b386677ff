package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"raftkv/internal"
	"raftkv/internal/raft/rpc"
	"raftkv/internal/raft/store"
)

// grpcService exposes a Node as rpc.RaftServiceServer. It validates requests and translates node errors into gRPC
// status codes; everything else is the node's business.
type grpcService struct {
	rpc.UnimplementedRaftServiceServer
	node *Node
}

// Register serves n on s
func Register(s grpc.ServiceRegistrar, n *Node) {
	rpc.RegisterRaftServiceServer(s, &grpcService{node: n})
}

func (g *grpcService) RequestVote(ctx context.Context, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	if req.Candidate == "" {
		return nil, status.Error(codes.InvalidArgument, "candidate is required")
	}
	vote, err := g.node.RequestVote(ctx, NodeID(req.Candidate), req.Term)
	if err != nil && !errors.Is(err, ErrStaleTerm) {
		return nil, toStatus(err)
	}
	return &rpc.RequestVoteResponse{Granted: vote.Granted, Term: vote.Term}, nil
}

func (g *grpcService) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	if req.From == "" {
		return nil, status.Error(codes.InvalidArgument, "from is required")
	}
	for _, c := range req.Changes {
		if c.Key == "" {
			return nil, status.Error(codes.InvalidArgument, "change with empty key")
		}
	}
	ack, err := g.node.Heartbeat(ctx, NodeID(req.From), req.Term, req.Changes)
	if err != nil && !errors.Is(err, ErrStaleTerm) {
		return nil, toStatus(err)
	}
	return &rpc.HeartbeatResponse{Ack: ack.Ack, Term: ack.Term}, nil
}

func (g *grpcService) Get(_ context.Context, req *rpc.GetRequest) (*rpc.GetResponse, error) {
	var (
		values map[string]string
		err    error
	)
	if req.HasKey {
		values, err = g.node.Read(req.Key)
	} else {
		values, err = g.node.ReadAll()
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.GetResponse{Values: values}, nil
}

func (g *grpcService) Set(ctx context.Context, req *rpc.SetRequest) (*rpc.SetResponse, error) {
	if req.RequestID != "" {
		ctx = internal.WithRequestID(ctx, req.RequestID)
	}
	ok, err := g.node.propose(ctx, req.Key, req.Value, req.Hops)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.SetResponse{Success: ok}, nil
}

func (g *grpcService) AddFellow(ctx context.Context, req *rpc.FellowRequest) (*rpc.FellowResponse, error) {
	changed, err := g.node.AddFellow(ctx, req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.FellowResponse{Changed: changed}, nil
}

func (g *grpcService) RemoveFellow(ctx context.Context, req *rpc.FellowRequest) (*rpc.FellowResponse, error) {
	changed, err := g.node.RemoveFellow(ctx, req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.FellowResponse{Changed: changed}, nil
}

func (g *grpcService) ShowFellows(ctx context.Context, _ *rpc.ShowFellowsRequest) (*rpc.ShowFellowsResponse, error) {
	fellows, err := g.node.Fellows(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.ShowFellowsResponse{Fellows: fellows}, nil
}

func (g *grpcService) State(ctx context.Context, _ *rpc.StateRequest) (*rpc.StateResponse, error) {
	snap, err := g.node.State(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return snapshotToProto(snap), nil
}

func snapshotToProto(snap Snapshot) *rpc.StateResponse {
	resp := &rpc.StateResponse{
		ID:            string(snap.ID),
		Incarnation:   snap.Incarnation,
		Role:          snap.Role.String(),
		Term:          snap.Term,
		VotedFor:      string(snap.VotedFor),
		CurrentLeader: string(snap.CurrentLeader),
		Fellows:       snap.Fellows,
		Committed:     snap.Committed,
	}
	if !snap.LastHeartbeatAt.IsZero() {
		resp.LastHeartbeatAt = uint64(snap.LastHeartbeatAt.UnixNano())
	}
	for _, e := range snap.Pending {
		st := rpc.StatusPending
		if e.Status == store.Committed {
			st = rpc.StatusCommitted
		}
		resp.Pending = append(resp.Pending, &rpc.Change{Key: e.Key, Value: e.Value, Status: st})
	}
	return resp
}
