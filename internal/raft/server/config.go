package server

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft/rpc"
	"raftkv/internal/raft/store"
)

const (
	// DefaultHeartbeatInterval is how often a leader pushes heartbeats
	DefaultHeartbeatInterval = 100 * time.Millisecond
	// DefaultElectionTimeout is how long a follower tolerates silence from the leader before it runs for election
	DefaultElectionTimeout = 150 * time.Millisecond
	// DefaultMaxForwardHops bounds how many times a write can be forwarded between nodes
	DefaultMaxForwardHops = 3
)

// Config holds the settings and collaborators of a Node. Collaborators left nil get a default in NewNode.
type Config struct {
	// ID is the advertised host:port of this node
	ID NodeID
	// Peers is the initial list of fellow node addresses, without ID
	Peers []string

	HeartbeatInterval time.Duration
	// ElectionTimeout is the static part of the election timeout. Giving every node a different value keeps split
	// votes rare.
	ElectionTimeout time.Duration
	// ElectionJitter adds a random extra wait in [0, ElectionJitter) each time the node becomes Follower or starts an
	// election. Zero keeps the timeout static.
	ElectionJitter time.Duration
	// RPCTimeout bounds every RequestVote and Heartbeat sent to a single peer
	RPCTimeout     time.Duration
	MaxForwardHops uint32

	Clock   clockwork.Clock
	Logger  hclog.Logger
	Metrics MetricsCollector
	// Store holds the committed mapping. The caller keeps ownership of a Store it passes in.
	Store store.Store
	// Transport reaches the peers. Defaults to an rpc.Client owned and closed by the node.
	Transport PeerClient
	// PubSub receives node events when set
	PubSub *pubsub.PubSubClient
}

// DefaultConfig returns a Config for a node advertised at id with the default timings
func DefaultConfig(id NodeID) Config {
	return Config{
		ID:                id,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ElectionTimeout:   DefaultElectionTimeout,
		RPCTimeout:        rpc.DefaultRPCTimeout,
		MaxForwardHops:    DefaultMaxForwardHops,
	}
}

func validAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" || port == "" {
		return fmt.Errorf("address %q needs both host and port", addr)
	}
	return nil
}

// Validate reports the first problem found in c, wrapped in ErrInvalidConfig
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.ID == "" {
		return invalid("ID is required")
	}
	if err := validAddress(string(c.ID)); err != nil {
		return invalid("ID: %v", err)
	}
	if c.HeartbeatInterval <= 0 {
		return invalid("HeartbeatInterval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.ElectionTimeout <= 0 {
		return invalid("ElectionTimeout must be positive, got %v", c.ElectionTimeout)
	}
	if c.HeartbeatInterval >= c.ElectionTimeout {
		return invalid("HeartbeatInterval %v must be lower than ElectionTimeout %v", c.HeartbeatInterval, c.ElectionTimeout)
	}
	if c.ElectionJitter < 0 {
		return invalid("ElectionJitter must not be negative, got %v", c.ElectionJitter)
	}
	if c.RPCTimeout <= 0 || c.RPCTimeout > c.ElectionTimeout {
		return invalid("RPCTimeout must be in (0, %v], got %v", c.ElectionTimeout, c.RPCTimeout)
	}
	if c.MaxForwardHops == 0 {
		return invalid("MaxForwardHops must be at least 1")
	}

	seen := make(map[string]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if err := validAddress(p); err != nil {
			return invalid("peer: %v", err)
		}
		if p == string(c.ID) {
			return invalid("peer list contains the node itself (%s)", p)
		}
		if _, dup := seen[p]; dup {
			return invalid("duplicate peer %s", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}
