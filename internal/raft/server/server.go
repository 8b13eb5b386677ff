package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
)

// Server hosts a Node behind a gRPC listener
type Server struct {
	node *Node
	// The underlying gRPC server used for receiving RPC messages
	grpcServer *grpc.Server
	lis        net.Listener
}

// NewServer builds the node described by cfg and binds its gRPC service to lis. When lis is nil the server listens
// on cfg.ID.
func NewServer(cfg Config, lis net.Listener, opts ...grpc.ServerOption) (*Server, error) {
	node, err := NewNode(cfg)
	if err != nil {
		return nil, err
	}

	if lis == nil {
		lis, err = net.Listen("tcp", string(cfg.ID))
		if err != nil {
			node.Stop()
			return nil, fmt.Errorf("listen on %s: %w", cfg.ID, err)
		}
	}

	opts = append([]grpc.ServerOption{grpc.ConnectionTimeout(30 * time.Second)}, opts...)
	s := &Server{
		node:       node,
		grpcServer: grpc.NewServer(opts...),
		lis:        lis,
	}
	Register(s.grpcServer, node)
	return s, nil
}

// Node returns the hosted node
func (s *Server) Node() *Node {
	return s.node
}

// Addr returns the address the server listens on
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Serve starts the node and serves RPCs until the server is shut down. It blocks, as the gRPC server accepts
// connections on the calling goroutine.
func (s *Server) Serve() error {
	s.node.Start()
	s.node.logger.Info("serving raft rpc", "addr", s.lis.Addr().String())
	if err := s.grpcServer.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulShutdown stops accepting RPCs, waits for the pending ones to finish, then stops the node
func (s *Server) GracefulShutdown() {
	s.node.logger.Info("shutting down server gracefully")
	// First, stop accepting new incoming requests, in order to prevent interrupting a pending response to a peer
	s.grpcServer.GracefulStop()
	s.node.Stop()
}

// ForceShutdown closes every connection right away and stops the node
func (s *Server) ForceShutdown() {
	s.node.logger.Warn("force shutting down server")
	s.grpcServer.Stop()
	s.node.Stop()
}
