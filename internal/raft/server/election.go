package server

import (
	"context"
	"fmt"
	"time"

	"raftkv/internal/raft/rpc"
)

// reply is the outcome of one peer RPC of a fan-out
type reply[T any] struct {
	peer string
	resp T
	err  error
}

// fanOutSlack is how long a fan-out waits past RPCTimeout for replies before giving up on the missing peers
const fanOutSlack = 20 * time.Millisecond

// fanOut calls every peer concurrently, each call bounded by its own RPCTimeout. Conclude runs on the loop once all
// calls settled or RPCTimeout plus fanOutSlack passed, whichever comes first. A peer that has not answered by then,
// even one whose transport ignores its context, counts as a transport failure.
func fanOut[T any](n *Node, peers []string, rpcCall func(ctx context.Context, peer string) (T, error), conclude func([]reply[T])) {
	results := make(chan reply[T], len(peers))
	for _, peer := range peers {
		go func() {
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
			defer cancel()
			resp, err := rpcCall(ctx, peer)
			results <- reply[T]{peer: peer, resp: resp, err: err}
		}()
	}

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()

		wait := n.cfg.RPCTimeout + fanOutSlack
		deadline := time.NewTimer(wait)
		defer deadline.Stop()

		settled := make(map[string]reply[T], len(peers))
	collect:
		for len(settled) < len(peers) {
			select {
			case r := <-results:
				settled[r.peer] = r
			case <-deadline.C:
				break collect
			case <-n.ctx.Done():
				return
			}
		}

		replies := make([]reply[T], len(peers))
		for i, peer := range peers {
			r, ok := settled[peer]
			if !ok {
				r = reply[T]{peer: peer, err: fmt.Errorf("%w: no reply within %v", rpc.ErrTransportFailure, wait)}
			}
			replies[i] = r
		}
		n.post(func() { conclude(replies) })
	}()
}

// startElection makes the node a Candidate for the next term and asks every peer for its vote
func (n *Node) startElection() {
	s := &n.state
	now := n.clock.Now()

	s.term++
	n.setRole(Candidate, "election started")
	s.votedFor = n.id
	s.currentLeader = ""
	s.lastHeartbeatAt = now
	s.electionTimeout = n.drawElectionTimeout()
	s.electionSeq++
	s.electionInFlight = true
	n.metrics.RecordElection()

	seq, term := s.electionSeq, s.term
	peers := s.peers.List()
	req := &rpc.RequestVoteRequest{Candidate: string(n.id), Term: term}
	n.electLog.Info("starting election", "term", term, "peers", len(peers))

	// the fan-out concludes within RPCTimeout plus fanOutSlack, the timer only covers a lost result
	n.sched.schedule(s.electionTimeout)

	fanOut(n, peers,
		func(ctx context.Context, peer string) (*rpc.RequestVoteResponse, error) {
			return n.transport.RequestVote(ctx, peer, req)
		},
		func(replies []reply[*rpc.RequestVoteResponse]) {
			n.concludeElection(seq, term, now, replies)
		},
	)
}

// concludeElection tallies the votes of election seq. A reply arriving after the node left that election is ignored.
func (n *Node) concludeElection(seq, term uint64, startedAt time.Time, replies []reply[*rpc.RequestVoteResponse]) {
	s := &n.state
	if seq != s.electionSeq || !s.electionInFlight || s.role != Candidate {
		n.electLog.Debug("dropping result of a finished election", "term", term)
		return
	}
	s.electionInFlight = false
	n.metrics.RecordElectionDuration(n.clock.Since(startedAt))

	grants := 0
	var highest uint64
	for _, r := range replies {
		if r.err != nil {
			n.electLog.Warn("vote request failed", "peer", r.peer, "term", term, "error", r.err)
			continue
		}
		if r.resp.Term > highest {
			highest = r.resp.Term
		}
		if r.resp.Granted {
			grants++
		}
	}

	if highest > s.term {
		n.electLog.Info("peer reported a higher term", "term", s.term, "observed", highest)
		n.observeHigherTerm(highest, "higher term in vote reply")
		return
	}

	if hasQuorum(grants, len(replies)) {
		n.electLog.Info("election won", "term", term, "votes", grants+1, "cluster", len(replies)+1)
		n.becomeLeader()
		return
	}

	n.electLog.Info("election lost", "term", term, "votes", grants+1, "cluster", len(replies)+1)
	// only undo our own increment, never go below a term observed in the meantime
	if s.term == term && s.term > 0 {
		s.term--
	}
	n.becomeFollower("election lost")
}

// handleVoteRequest grants a vote only to a candidate with a higher term, and only while the node is a Follower that
// has not voted or followed anyone since it last became Follower. A higher term is adopted either way.
func (n *Node) handleVoteRequest(candidate NodeID, term uint64) (VoteResult, error) {
	s := &n.state

	if term < s.term {
		n.electLog.Debug("denied vote for stale term", "candidate", candidate, "term", term, "current", s.term)
		return VoteResult{Granted: false, Term: s.term}, ErrStaleTerm
	}

	if term > s.term && (s.role != Follower || s.votedFor != "") {
		// the term is adopted without a vote: a leader or candidate steps down, a follower drops the vote and leader
		// of its old term
		n.electLog.Info("denied vote, adopting higher term", "candidate", candidate, "term", term, "current", s.term,
			"role", s.role, "voted_for", s.votedFor)
		n.observeHigherTerm(term, "higher term in vote request")
		s.votedFor = ""
		n.setLeader("")
		return VoteResult{Granted: false, Term: s.term}, nil
	}

	if s.role != Follower || s.votedFor != "" || term <= s.term {
		n.electLog.Debug("denied vote", "candidate", candidate, "term", term, "current", s.term,
			"role", s.role, "voted_for", s.votedFor)
		return VoteResult{Granted: false, Term: s.term}, nil
	}

	s.votedFor = candidate
	s.term = term
	s.lastHeartbeatAt = n.clock.Now()
	n.electLog.Info("granted vote", "candidate", candidate, "term", term)
	return VoteResult{Granted: true, Term: s.term}, nil
}

// RequestVote handles a vote request from candidate. It returns ErrStaleTerm, along with a denied result, when term
// is lower than the node's term.
func (n *Node) RequestVote(ctx context.Context, candidate NodeID, term uint64) (VoteResult, error) {
	type result struct {
		vote VoteResult
		err  error
	}
	r, err := call(ctx, n, func() result {
		vote, err := n.handleVoteRequest(candidate, term)
		return result{vote, err}
	})
	if err != nil {
		return VoteResult{}, err
	}
	return r.vote, r.err
}
