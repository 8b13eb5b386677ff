package server

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft/rpc"
	"raftkv/internal/raft/store"
)

// Node is one member of the cluster. All of its state is owned by a single loop goroutine: inbound RPCs, timer
// wake-ups and the results of peer fan-outs reach it as events, so no two mutations ever overlap.
type Node struct {
	cfg Config
	id  NodeID
	// incarnation changes on every process start, it tells restarts of the same address apart in logs and State
	incarnation string

	clock     clockwork.Clock
	logger    hclog.Logger
	electLog  hclog.Logger
	replLog   hclog.Logger
	metrics   MetricsCollector
	store     store.Store
	transport PeerClient
	pubSub    *pubsub.PubSubClient

	// set when NewNode created the collaborator, so Stop releases it
	ownedClient *rpc.Client
	ownsStore   bool

	// owned by the loop goroutine
	state nodeState
	sched *scheduler

	events chan func()
	ticks  chan uint64

	// cancelled by Stop, it also aborts in-flight peer RPCs
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// fan-out collectors still to post their result
	inflight sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
}

// NewNode validates cfg and builds a stopped node. Call Start to run it.
func NewNode(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		id:          cfg.ID,
		incarnation: uuid.NewString(),
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		store:       cfg.Store,
		transport:   cfg.Transport,
		pubSub:      cfg.PubSub,
		state:       newNodeState(cfg.Peers),
		events:      make(chan func()),
		ticks:       make(chan uint64),
		done:        make(chan struct{}),
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	n.logger = logger.With("node", string(cfg.ID))
	n.electLog = n.logger.Named("election")
	n.replLog = n.logger.Named("replication")

	if n.clock == nil {
		n.clock = clockwork.NewRealClock()
	}
	if n.metrics == nil {
		n.metrics = noopMetrics{}
	}
	if n.store == nil {
		n.store = store.NewMemoryStore(n.logger)
		n.ownsStore = true
	}
	if n.transport == nil {
		n.ownedClient = rpc.NewClient(
			rpc.WithTimeout(cfg.RPCTimeout),
			rpc.WithLogger(n.logger),
			rpc.WithRecorder(n.metrics),
		)
		n.transport = n.ownedClient
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.sched = newScheduler(n.clock, n.deliverTick)
	return n, nil
}

// ID returns the advertised address of the node
func (n *Node) ID() NodeID {
	return n.id
}

// Start runs the node loop. The node starts as a Follower with a full election timeout ahead of it.
func (n *Node) Start() {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	n.logger.Info("starting node", "incarnation", n.incarnation, "peers", n.state.peers.List(),
		"election_timeout", n.cfg.ElectionTimeout, "heartbeat_interval", n.cfg.HeartbeatInterval)
	go n.run()
}

// Stop shuts the node down: the timer is cancelled, in-flight peer RPCs are aborted and every later call fails with
// ErrNodeStopped. Stop is idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.logger.Info("stopping node")
		n.cancel()
		if n.started.Load() {
			<-n.done
		}
		n.inflight.Wait()

		if n.ownedClient != nil {
			n.ownedClient.Close()
		}
		if n.ownsStore {
			if err := n.store.Close(); err != nil {
				n.logger.Error("failed to close store", "error", err)
			}
		}
		publish(n, NodeStopped, struct{}{})
	})
}

func (n *Node) run() {
	defer close(n.done)
	defer n.sched.stop()

	n.becomeFollower("node started")

	for {
		select {
		case <-n.ctx.Done():
			return
		case fn := <-n.events:
			fn()
		case gen := <-n.ticks:
			if n.sched.current(gen) {
				n.step()
			}
		}
	}
}

func (n *Node) deliverTick(gen uint64) {
	select {
	case n.ticks <- gen:
	case <-n.ctx.Done():
	}
}

// step runs on every timer wake-up and dispatches on the role
func (n *Node) step() {
	s := &n.state
	now := n.clock.Now()
	n.logState()

	switch s.role {
	case Follower:
		if s.lapsed(now) {
			n.electLog.Info("no heartbeat within election timeout", "term", s.term,
				"since_last", now.Sub(s.lastHeartbeatAt), "timeout", s.electionTimeout)
			n.startElection()
			return
		}
		n.sched.schedule(s.electionTimeout - now.Sub(s.lastHeartbeatAt) + time.Millisecond)
	case Candidate:
		if s.electionInFlight {
			n.sched.schedule(s.electionTimeout)
			return
		}
		n.startElection()
	case Leader:
		if s.lapsed(now) {
			n.logger.Warn("leader heartbeat deadline lapsed, stepping down", "term", s.term)
			n.becomeFollower("leader heartbeat deadline lapsed")
			return
		}
		n.sendHeartbeat()
		n.sched.schedule(n.cfg.HeartbeatInterval)
	}
}

// submit hands fn to the loop. It fails when the node stops or ctx ends before the loop accepts it.
func (n *Node) submit(ctx context.Context, fn func()) error {
	select {
	case n.events <- fn:
		return nil
	case <-n.ctx.Done():
		return ErrNodeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers the result of background work to the loop, or drops it once the node stops
func (n *Node) post(fn func()) {
	select {
	case n.events <- fn:
	case <-n.ctx.Done():
	}
}

// call runs fn on the loop and returns its result
func call[T any](ctx context.Context, n *Node, fn func() T) (T, error) {
	var zero T
	result := make(chan T, 1)
	if err := n.submit(ctx, func() { result <- fn() }); err != nil {
		return zero, err
	}
	select {
	case r := <-result:
		return r, nil
	case <-n.done:
		select {
		case r := <-result:
			return r, nil
		default:
			return zero, ErrNodeStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (n *Node) drawElectionTimeout() time.Duration {
	timeout := n.cfg.ElectionTimeout
	if n.cfg.ElectionJitter > 0 {
		timeout += rand.N(n.cfg.ElectionJitter)
	}
	return timeout
}

func (n *Node) setRole(to Role, reason string) {
	from := n.state.role
	if from == to {
		return
	}
	n.state.role = to
	n.logger.Info("role changed", "from", from, "to", to, "term", n.state.term, "reason", reason)
	publish(n, RoleChanged, RoleChangedPayload{Node: n.id, From: from, To: to, Term: n.state.term})
}

func (n *Node) setLeader(leader NodeID) {
	if n.state.currentLeader == leader {
		return
	}
	n.state.currentLeader = leader
	if leader == "" {
		return
	}
	n.logger.Info("following leader", "leader", leader, "term", n.state.term)
	publish(n, LeaderChanged, LeaderChangedPayload{Node: n.id, Leader: leader, Term: n.state.term})
}

// becomeFollower clears the vote and the leader pointer and gives the node a fresh full election timeout
func (n *Node) becomeFollower(reason string) {
	s := &n.state
	n.setRole(Follower, reason)
	s.votedFor = ""
	s.currentLeader = ""
	s.electionInFlight = false
	s.lastHeartbeatAt = n.clock.Now()
	s.electionTimeout = n.drawElectionTimeout()
	n.sched.schedule(s.electionTimeout + time.Millisecond)
}

func (n *Node) becomeLeader() {
	s := &n.state
	s.electionInFlight = false
	n.setRole(Leader, "won election")
	n.setLeader(n.id)
	n.metrics.RecordElectionWon()
	n.sendHeartbeat()
	n.sched.schedule(n.cfg.HeartbeatInterval)
}

// observeHigherTerm demotes the node on seeing a strictly higher term. Pending changes are discarded since they may
// belong to a superseded leadership.
func (n *Node) observeHigherTerm(term uint64, reason string) {
	s := &n.state
	if s.role != Follower {
		n.becomeFollower(reason)
	}
	if dropped := s.changes.Rollback(); dropped > 0 {
		n.replLog.Warn("rolled back pending changes", "count", dropped, "old_term", s.term, "new_term", term)
	}
	s.term = term
}

// publish sends a node event when a PubSubClient is configured. Subscribers receive *pubsub.Event[T] for the exact
// payload type T.
func publish[T any](n *Node, eventType pubsub.EventType, payload T) {
	if n.pubSub == nil {
		return
	}
	pubsub.Publish(n.pubSub, pubsub.NewEvent(eventType, payload))
}

func (n *Node) logState() {
	if !n.logger.IsTrace() {
		return
	}
	s := &n.state
	n.logger.Trace("state", "role", s.role, "term", s.term, "voted_for", s.votedFor,
		"leader", s.currentLeader, "fellows", s.peers.List(), "pending", s.changes.Len())
}

func (n *Node) snapshot() (Snapshot, error) {
	s := &n.state
	committed, err := n.store.All()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:              n.id,
		Incarnation:     n.incarnation,
		Role:            s.role,
		Term:            s.term,
		VotedFor:        s.votedFor,
		CurrentLeader:   s.currentLeader,
		LastHeartbeatAt: s.lastHeartbeatAt,
		ElectionTimeout: s.electionTimeout,
		Fellows:         s.peers.List(),
		Pending:         s.changes.Pending(),
		Committed:       committed,
	}, nil
}

// State returns a diagnostic snapshot of the node
func (n *Node) State(ctx context.Context) (Snapshot, error) {
	type result struct {
		snap Snapshot
		err  error
	}
	r, err := call(ctx, n, func() result {
		snap, err := n.snapshot()
		return result{snap, err}
	})
	if err != nil {
		return Snapshot{}, err
	}
	return r.snap, r.err
}
