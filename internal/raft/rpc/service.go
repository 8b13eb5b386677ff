package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// CodecName is the gRPC content-subtype under which RaftService messages travel
const CodecName = "raftwire"

// ServiceName is the fully qualified gRPC service name
const ServiceName = "raftkv.RaftService"

// wireCodec plugs Message into gRPC. The server picks it from the content-subtype of each request, the client sets
// that subtype on every call.
type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("%s: cannot marshal %T", CodecName, v)
	}
	return m.Marshal(), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("%s: cannot unmarshal into %T", CodecName, v)
	}
	return m.Unmarshal(data)
}

func (wireCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// RaftServiceServer is implemented by a node to serve peer and client requests
type RaftServiceServer interface {
	RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Set(context.Context, *SetRequest) (*SetResponse, error)
	AddFellow(context.Context, *FellowRequest) (*FellowResponse, error)
	RemoveFellow(context.Context, *FellowRequest) (*FellowResponse, error)
	ShowFellows(context.Context, *ShowFellowsRequest) (*ShowFellowsResponse, error)
	State(context.Context, *StateRequest) (*StateResponse, error)
}

// UnimplementedRaftServiceServer can be embedded to satisfy RaftServiceServer partially
type UnimplementedRaftServiceServer struct{}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func (UnimplementedRaftServiceServer) RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error) {
	return nil, unimplemented("RequestVote")
}
func (UnimplementedRaftServiceServer) Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error) {
	return nil, unimplemented("Heartbeat")
}
func (UnimplementedRaftServiceServer) Get(context.Context, *GetRequest) (*GetResponse, error) {
	return nil, unimplemented("Get")
}
func (UnimplementedRaftServiceServer) Set(context.Context, *SetRequest) (*SetResponse, error) {
	return nil, unimplemented("Set")
}
func (UnimplementedRaftServiceServer) AddFellow(context.Context, *FellowRequest) (*FellowResponse, error) {
	return nil, unimplemented("AddFellow")
}
func (UnimplementedRaftServiceServer) RemoveFellow(context.Context, *FellowRequest) (*FellowResponse, error) {
	return nil, unimplemented("RemoveFellow")
}
func (UnimplementedRaftServiceServer) ShowFellows(context.Context, *ShowFellowsRequest) (*ShowFellowsResponse, error) {
	return nil, unimplemented("ShowFellows")
}
func (UnimplementedRaftServiceServer) State(context.Context, *StateRequest) (*StateResponse, error) {
	return nil, unimplemented("State")
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unaryHandler adapts a typed RaftServiceServer method to grpc.MethodHandler, the same shape protoc-gen-go-grpc
// generates for every unary method.
func unaryHandler[Req, Resp any, PReq interface {
	*Req
	Message
}](method string, call func(RaftServiceServer, context.Context, PReq) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RaftServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RaftServiceServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RaftServiceDesc describes RaftService for grpc.Server.RegisterService
var RaftServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RaftServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: unaryHandler("RequestVote", RaftServiceServer.RequestVote)},
		{MethodName: "Heartbeat", Handler: unaryHandler("Heartbeat", RaftServiceServer.Heartbeat)},
		{MethodName: "Get", Handler: unaryHandler("Get", RaftServiceServer.Get)},
		{MethodName: "Set", Handler: unaryHandler("Set", RaftServiceServer.Set)},
		{MethodName: "AddFellow", Handler: unaryHandler("AddFellow", RaftServiceServer.AddFellow)},
		{MethodName: "RemoveFellow", Handler: unaryHandler("RemoveFellow", RaftServiceServer.RemoveFellow)},
		{MethodName: "ShowFellows", Handler: unaryHandler("ShowFellows", RaftServiceServer.ShowFellows)},
		{MethodName: "State", Handler: unaryHandler("State", RaftServiceServer.State)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftkv/raft_service",
}

func RegisterRaftServiceServer(s grpc.ServiceRegistrar, srv RaftServiceServer) {
	s.RegisterService(&RaftServiceDesc, srv)
}

// RaftServiceClient is the client API of RaftService
type RaftServiceClient interface {
	RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
	Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error)
	Set(ctx context.Context, in *SetRequest, opts ...grpc.CallOption) (*SetResponse, error)
	AddFellow(ctx context.Context, in *FellowRequest, opts ...grpc.CallOption) (*FellowResponse, error)
	RemoveFellow(ctx context.Context, in *FellowRequest, opts ...grpc.CallOption) (*FellowResponse, error)
	ShowFellows(ctx context.Context, in *ShowFellowsRequest, opts ...grpc.CallOption) (*ShowFellowsResponse, error)
	State(ctx context.Context, in *StateRequest, opts ...grpc.CallOption) (*StateResponse, error)
}

type raftServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftServiceClient wraps cc. The wrapper is cheap, it can be created per call.
func NewRaftServiceClient(cc grpc.ClientConnInterface) RaftServiceClient {
	return &raftServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in Message, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error) {
	return invoke[RequestVoteResponse](ctx, c.cc, "RequestVote", in, opts)
}

func (c *raftServiceClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, "Heartbeat", in, opts)
}

func (c *raftServiceClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	return invoke[GetResponse](ctx, c.cc, "Get", in, opts)
}

func (c *raftServiceClient) Set(ctx context.Context, in *SetRequest, opts ...grpc.CallOption) (*SetResponse, error) {
	return invoke[SetResponse](ctx, c.cc, "Set", in, opts)
}

func (c *raftServiceClient) AddFellow(ctx context.Context, in *FellowRequest, opts ...grpc.CallOption) (*FellowResponse, error) {
	return invoke[FellowResponse](ctx, c.cc, "AddFellow", in, opts)
}

func (c *raftServiceClient) RemoveFellow(ctx context.Context, in *FellowRequest, opts ...grpc.CallOption) (*FellowResponse, error) {
	return invoke[FellowResponse](ctx, c.cc, "RemoveFellow", in, opts)
}

func (c *raftServiceClient) ShowFellows(ctx context.Context, in *ShowFellowsRequest, opts ...grpc.CallOption) (*ShowFellowsResponse, error) {
	return invoke[ShowFellowsResponse](ctx, c.cc, "ShowFellows", in, opts)
}

func (c *raftServiceClient) State(ctx context.Context, in *StateRequest, opts ...grpc.CallOption) (*StateResponse, error) {
	return invoke[StateResponse](ctx, c.cc, "State", in, opts)
}
