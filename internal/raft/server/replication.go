package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"raftkv/internal"
	"raftkv/internal/raft/rpc"
	"raftkv/internal/raft/store"
)

// heartbeatChanges builds the leader's full view: every committed key, then every pending entry. Pending entries come
// last so they win over the committed value of the same key when a follower folds the list in order.
func heartbeatChanges(committed map[string]string, pending []store.ChangeEntry) []*rpc.Change {
	changes := make([]*rpc.Change, 0, len(committed)+len(pending))
	for _, k := range slices.Sorted(maps.Keys(committed)) {
		changes = append(changes, &rpc.Change{Key: k, Value: committed[k], Status: rpc.StatusCommitted})
	}
	for _, e := range pending {
		changes = append(changes, &rpc.Change{Key: e.Key, Value: e.Value, Status: rpc.StatusPending})
	}
	return changes
}

// sendHeartbeat refreshes the leader's own deadline and pushes its view to every peer. The pending entries sent in
// this round are committed once a majority acknowledged it.
func (n *Node) sendHeartbeat() {
	s := &n.state
	s.lastHeartbeatAt = n.clock.Now()

	committed, err := n.store.All()
	if err != nil {
		n.replLog.Error("failed to read committed store, skipping heartbeat", "error", err)
		return
	}
	pending := s.changes.Pending()

	s.heartbeatSeq++
	round, term := s.heartbeatSeq, s.term
	req := &rpc.HeartbeatRequest{From: string(n.id), Term: term, Changes: heartbeatChanges(committed, pending)}
	peers := s.peers.List()
	n.replLog.Trace("sending heartbeat", "term", term, "round", round, "pending", len(pending), "peers", len(peers))

	fanOut(n, peers,
		func(ctx context.Context, peer string) (*rpc.HeartbeatResponse, error) {
			return n.transport.Heartbeat(ctx, peer, req)
		},
		func(replies []reply[*rpc.HeartbeatResponse]) {
			n.concludeHeartbeat(round, term, pending, replies)
		},
	)
}

// concludeHeartbeat counts the acknowledgments of a heartbeat round and commits its pending entries on a majority
func (n *Node) concludeHeartbeat(round, term uint64, pending []store.ChangeEntry, replies []reply[*rpc.HeartbeatResponse]) {
	s := &n.state
	if s.role != Leader || s.term != term || round <= s.heartbeatConcluded {
		return
	}
	s.heartbeatConcluded = round

	acks := 0
	var highest uint64
	for _, r := range replies {
		if r.err != nil {
			n.replLog.Warn("heartbeat failed", "peer", r.peer, "term", term, "error", r.err)
			continue
		}
		if r.resp.Term > highest {
			highest = r.resp.Term
		}
		if r.resp.Ack {
			acks++
		}
	}

	if highest > s.term {
		n.replLog.Info("peer reported a higher term", "term", s.term, "observed", highest)
		n.observeHigherTerm(highest, "higher term in heartbeat reply")
		return
	}

	if len(pending) == 0 {
		return
	}
	if !hasQuorum(acks, len(replies)) {
		n.replLog.Debug("no majority for pending changes, retrying next heartbeat",
			"acks", acks+1, "cluster", len(replies)+1, "pending", len(pending))
		return
	}
	n.commit(pending)
}

// commit folds the entries of a majority acknowledged round into the store, then drops them from the change log
func (n *Node) commit(pending []store.ChangeEntry) {
	s := &n.state

	entries := make([]store.ChangeEntry, len(pending))
	for i, e := range pending {
		entries[i] = e.AsCommitted()
	}
	if err := n.store.Apply(entries); err != nil {
		n.replLog.Error("failed to apply committed changes, keeping them pending", "error", err)
		return
	}
	s.changes.Commit(pending)

	now := n.clock.Now()
	for _, e := range entries {
		n.metrics.RecordCommandCommitted()
		if at := e.ProposedAt(); !at.IsZero() {
			n.metrics.RecordCommandLatency(now.Sub(at))
		}
	}
	n.replLog.Info("committed changes", "count", len(entries), "term", s.term)
	publish(n, ChangesCommitted, ChangesCommittedPayload{Node: n.id, Count: len(entries), Term: s.term})
}

// handleHeartbeat applies the leader election rules to a heartbeat and, when it comes from the recognized leader,
// adopts the sender's view as committed.
func (n *Node) handleHeartbeat(from NodeID, term uint64, changes []*rpc.Change) (HeartbeatResult, error) {
	s := &n.state

	if term < s.term {
		n.replLog.Debug("ignoring heartbeat with stale term", "from", from, "term", term, "current", s.term)
		return HeartbeatResult{Ack: false, Term: s.term}, ErrStaleTerm
	}

	trusted := s.trusts(from, term)
	if term > s.term {
		n.observeHigherTerm(term, "higher term in heartbeat")
		s.votedFor = from
		n.setLeader(from)
	}

	if trusted {
		if s.role != Follower {
			n.becomeFollower("heartbeat from leader")
		}
		s.term = term
		s.votedFor = from
		s.lastHeartbeatAt = n.clock.Now()
		n.setLeader(from)
	}

	if from != s.currentLeader {
		n.replLog.Debug("ignoring heartbeat from untrusted node", "from", from, "term", term,
			"voted_for", s.votedFor, "leader", s.currentLeader)
		return HeartbeatResult{Ack: false, Term: s.term}, nil
	}

	s.changes.Rollback()

	view := make(map[string]string, len(changes))
	entries := make([]store.ChangeEntry, 0, len(changes))
	for _, c := range changes {
		view[c.Key] = c.Value
		entries = append(entries, store.ChangeEntry{Key: c.Key, Value: c.Value, Status: store.Committed})
	}
	if current, err := n.store.All(); err == nil && maps.Equal(current, view) {
		return HeartbeatResult{Ack: true, Term: s.term}, nil
	}
	if err := n.store.Replace(entries); err != nil {
		n.replLog.Error("failed to adopt leader's changes", "leader", from, "error", err)
		return HeartbeatResult{Ack: false, Term: s.term}, err
	}
	return HeartbeatResult{Ack: true, Term: s.term}, nil
}

// Heartbeat handles a heartbeat from from. It returns ErrStaleTerm, along with a negative acknowledgment, when term is
// lower than the node's term.
func (n *Node) Heartbeat(ctx context.Context, from NodeID, term uint64, changes []*rpc.Change) (HeartbeatResult, error) {
	type result struct {
		ack HeartbeatResult
		err error
	}
	r, err := call(ctx, n, func() result {
		ack, err := n.handleHeartbeat(from, term, changes)
		return result{ack, err}
	})
	if err != nil {
		return HeartbeatResult{}, err
	}
	return r.ack, r.err
}

// Propose accepts a client write. The leader records it as pending and reports success right away; the write is
// committed by a later heartbeat majority. Any other node forwards it to the leader it knows.
func (n *Node) Propose(ctx context.Context, key, value string) (bool, error) {
	return n.propose(ctx, key, value, 0)
}

func (n *Node) propose(ctx context.Context, key, value string, hops uint32) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	requestID := internal.RequestID(ctx)

	type decision struct {
		accepted bool
		leader   NodeID
	}
	d, err := call(ctx, n, func() decision {
		s := &n.state
		if s.role == Leader {
			s.changes.Propose(key, value, n.clock.Now())
			n.replLog.Debug("accepted write", "key", key, "request_id", requestID)
			return decision{accepted: true}
		}
		return decision{leader: s.currentLeader}
	})
	if err != nil {
		return false, err
	}
	if d.accepted {
		return true, nil
	}
	if d.leader == "" || d.leader == n.id {
		return false, ErrNoLeaderAvailable
	}
	if hops >= n.cfg.MaxForwardHops {
		return false, fmt.Errorf("%w: write already forwarded %d times", ErrNoLeaderAvailable, hops)
	}

	n.replLog.Debug("forwarding write to leader", "leader", d.leader, "key", key, "hops", hops+1, "request_id", requestID)
	resp, err := n.transport.Set(ctx, string(d.leader), &rpc.SetRequest{
		Key:       key,
		Value:     value,
		Hops:      hops + 1,
		RequestID: requestID,
	})
	if err != nil {
		if errors.Is(err, ErrNoLeaderAvailable) {
			return false, err
		}
		n.replLog.Warn("failed to forward write", "leader", d.leader, "request_id", requestID, "error", err)
		return false, nil
	}
	return resp.Success, nil
}

// Read returns the committed value of key, or an empty mapping when the key is unknown. Reads are served locally on
// every role and may be stale on a node that lost contact with the leader.
func (n *Node) Read(key string) (map[string]string, error) {
	if n.ctx.Err() != nil {
		return nil, ErrNodeStopped
	}
	value, ok, err := n.store.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]string{}, nil
	}
	return map[string]string{key: value}, nil
}

// ReadAll returns the whole committed mapping
func (n *Node) ReadAll() (map[string]string, error) {
	if n.ctx.Err() != nil {
		return nil, ErrNodeStopped
	}
	return n.store.All()
}
