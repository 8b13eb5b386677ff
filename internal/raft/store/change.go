package store

import (
	"errors"
	"time"
)

// ErrNotCommitted is returned when a Store is asked to apply an entry that is still Pending.
var ErrNotCommitted = errors.New("raft: change entry is not committed")

// Status is the lifecycle stage of a ChangeEntry
type Status uint8

const (
	// Pending entries were accepted by a leader but have not reached a majority yet
	Pending Status = iota
	// Committed entries are folded into the committed Store
	Committed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Committed:
		return "Committed"
	default:
		return "Unknown"
	}
}

// ChangeEntry is a single key/value write travelling through the replication protocol.
type ChangeEntry struct {
	Key    string
	Value  string
	Status Status

	// rev increases every time the entry for Key is proposed again, so a commit of an older snapshot does not drop a
	// newer proposal for the same key.
	rev uint64
	// proposedAt is used to measure propose-to-commit latency on the leader.
	proposedAt time.Time
}

// ProposedAt returns the time the entry was last proposed on this node. It is zero for entries received from a peer.
func (e ChangeEntry) ProposedAt() time.Time {
	return e.proposedAt
}

// AsCommitted returns a copy of e with Status set to Committed
func (e ChangeEntry) AsCommitted() ChangeEntry {
	e.Status = Committed
	return e
}
