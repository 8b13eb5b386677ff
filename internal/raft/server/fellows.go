package server

import (
	"context"
	"fmt"
)

func (n *Node) checkPeer(addr string) error {
	if err := validAddress(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeer, err)
	}
	if addr == string(n.id) {
		return fmt.Errorf("%w: %s is the node itself", ErrInvalidPeer, addr)
	}
	return nil
}

// resetForMembership sends a leader or candidate back to Follower after any membership operation, so a running
// election or majority count never spans two cluster views. A follower keeps its leader and vote.
func (n *Node) resetForMembership() {
	if n.state.role != Follower {
		n.becomeFollower("membership operation")
	}
}

// AddFellow adds addr to the peers of this node only, and reports whether it was absent
func (n *Node) AddFellow(ctx context.Context, addr string) (bool, error) {
	if err := n.checkPeer(addr); err != nil {
		return false, err
	}
	return call(ctx, n, func() bool {
		added := n.state.peers.Add(addr)
		if added {
			n.logger.Info("added fellow", "fellow", addr, "fellows", n.state.peers.Len())
		}
		n.resetForMembership()
		return added
	})
}

// RemoveFellow removes addr from the peers of this node only, and reports whether it was present
func (n *Node) RemoveFellow(ctx context.Context, addr string) (bool, error) {
	if err := n.checkPeer(addr); err != nil {
		return false, err
	}
	removed, err := call(ctx, n, func() bool {
		removed := n.state.peers.Remove(addr)
		if removed {
			n.logger.Info("removed fellow", "fellow", addr, "fellows", n.state.peers.Len())
		}
		n.resetForMembership()
		return removed
	})
	if removed {
		n.transport.Forget(addr)
	}
	return removed, err
}

// Fellows returns the peers of this node in insertion order
func (n *Node) Fellows(ctx context.Context) ([]string, error) {
	return call(ctx, n, func() []string {
		return n.state.peers.List()
	})
}
