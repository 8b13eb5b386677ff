package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

var (
	// ErrTransportFailure wraps every error caused by an unreachable, slow or failing peer
	ErrTransportFailure = errors.New("raft: transport failure")

	// ErrNoLeaderAvailable is returned for writes when no node in the forwarding chain knows a leader
	ErrNoLeaderAvailable = errors.New("raft: no leader available")
)

// DefaultRPCTimeout bounds a single peer RPC. A heartbeat round or an election never waits longer than this for any
// one peer.
const DefaultRPCTimeout = 50 * time.Millisecond

// Recorder receives transport level counters. server.MetricsCollector satisfies it.
type Recorder interface {
	RecordRequestVote()
	RecordHeartbeat()
	RecordTransportFailure()
}

type nopRecorder struct{}

func (nopRecorder) RecordRequestVote()      {}
func (nopRecorder) RecordHeartbeat()        {}
func (nopRecorder) RecordTransportFailure() {}

// Client sends RaftService calls to peers. It keeps one grpc.ClientConn per peer address and bounds every call with
// its own timeout. Calls are never retried; the next heartbeat or election round is the retry.
type Client struct {
	// peer address -> *grpc.ClientConn
	conns    sync.Map
	timeout  time.Duration
	dialOpts []grpc.DialOption
	metrics  Recorder
	logger   hclog.Logger
}

type ClientOption func(*Client)

// WithTimeout overrides DefaultRPCTimeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithDialOptions appends gRPC dial options, e.g. a custom dialer in tests
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

func WithRecorder(r Recorder) ClientOption {
	return func(c *Client) {
		if r != nil {
			c.metrics = r
		}
	}
}

func WithLogger(logger hclog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		timeout:  DefaultRPCTimeout,
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		metrics:  nopRecorder{},
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("transport")
	return c
}

// Dial opens a standalone connection to addr, for clients that are not part of the cluster
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient("passthrough:///"+addr, opts...)
}

func (c *Client) conn(peer string) (RaftServiceClient, error) {
	if v, ok := c.conns.Load(peer); ok {
		return NewRaftServiceClient(v.(*grpc.ClientConn)), nil
	}

	// grpc.NewClient does not connect, so racing callers at worst create a connection that is closed right away.
	cc, err := grpc.NewClient("passthrough:///"+peer, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create channel to %s: %v", ErrTransportFailure, peer, err)
	}
	if existing, loaded := c.conns.LoadOrStore(peer, cc); loaded {
		cc.Close()
		return NewRaftServiceClient(existing.(*grpc.ClientConn)), nil
	}
	c.logger.Debug("created channel", "peer", peer)
	return NewRaftServiceClient(cc), nil
}

func (c *Client) failure(method, peer string, err error) error {
	c.metrics.RecordTransportFailure()
	c.logger.Debug("rpc failed", "method", method, "peer", peer, "error", err)
	return fmt.Errorf("%w: %s to %s: %v", ErrTransportFailure, method, peer, err)
}

func (c *Client) RequestVote(ctx context.Context, peer string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	c.metrics.RecordRequestVote()

	client, err := c.conn(peer)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := client.RequestVote(ctx, req)
	if err != nil {
		return nil, c.failure("RequestVote", peer, err)
	}
	return resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, peer string, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	c.metrics.RecordHeartbeat()

	client, err := c.conn(peer)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := client.Heartbeat(ctx, req)
	if err != nil {
		return nil, c.failure("Heartbeat", peer, err)
	}
	return resp, nil
}

// Set forwards a client write to peer. The caller's deadline applies instead of the peer RPC timeout, since the
// peer may forward the write once more.
func (c *Client) Set(ctx context.Context, peer string, req *SetRequest) (*SetResponse, error) {
	client, err := c.conn(peer)
	if err != nil {
		return nil, err
	}

	resp, err := client.Set(ctx, req)
	if err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			return nil, fmt.Errorf("%w: reported by %s", ErrNoLeaderAvailable, peer)
		}
		return nil, c.failure("Set", peer, err)
	}
	return resp, nil
}

// Forget closes and drops the connection to a peer that left the cluster
func (c *Client) Forget(peer string) {
	if v, ok := c.conns.LoadAndDelete(peer); ok {
		if err := v.(*grpc.ClientConn).Close(); err != nil {
			c.logger.Warn("failed to close connection", "peer", peer, "error", err)
		}
	}
}

// Close closes every pooled connection
func (c *Client) Close() {
	c.conns.Range(func(key, value any) bool {
		if err := value.(*grpc.ClientConn).Close(); err != nil {
			c.logger.Warn("failed to close connection", "peer", key, "error", err)
		}
		c.conns.Delete(key)
		return true
	})
}
