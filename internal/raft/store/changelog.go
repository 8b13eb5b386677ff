package store

import "time"

// ChangeLog holds the Pending entries of a node in proposal order, at most one entry per key.
//
// A ChangeLog is not safe for concurrent use; it is owned by the node's event loop.
type ChangeLog struct {
	entries []ChangeEntry
	// position of each key in entries
	index   map[string]int
	nextRev uint64
}

func NewChangeLog() *ChangeLog {
	return &ChangeLog{index: make(map[string]int)}
}

// Propose creates a Pending entry for key, or updates the value of the existing Pending entry for key while keeping
// its position in the log.
func (l *ChangeLog) Propose(key, value string, at time.Time) ChangeEntry {
	l.nextRev++
	entry := ChangeEntry{Key: key, Value: value, Status: Pending, rev: l.nextRev, proposedAt: at}

	if i, ok := l.index[key]; ok {
		l.entries[i] = entry
		return entry
	}
	l.index[key] = len(l.entries)
	l.entries = append(l.entries, entry)
	return entry
}

// Pending returns a copy of the Pending entries in proposal order
func (l *ChangeLog) Pending() []ChangeEntry {
	out := make([]ChangeEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of Pending entries
func (l *ChangeLog) Len() int {
	return len(l.entries)
}

// Commit marks the entries of snapshot as Committed and returns them. An entry is removed from the log only if it was
// not proposed again after the snapshot was taken; a newer proposal for the same key stays Pending.
func (l *ChangeLog) Commit(snapshot []ChangeEntry) []ChangeEntry {
	committed := make([]ChangeEntry, 0, len(snapshot))
	drop := make(map[string]struct{}, len(snapshot))
	for _, e := range snapshot {
		committed = append(committed, e.AsCommitted())
		if i, ok := l.index[e.Key]; ok && l.entries[i].rev == e.rev {
			drop[e.Key] = struct{}{}
		}
	}
	if len(drop) > 0 {
		l.remove(drop)
	}
	return committed
}

// Rollback discards every Pending entry and returns how many were discarded.
func (l *ChangeLog) Rollback() int {
	n := len(l.entries)
	l.entries = nil
	l.index = make(map[string]int)
	return n
}

func (l *ChangeLog) remove(keys map[string]struct{}) {
	kept := l.entries[:0]
	for _, e := range l.entries {
		if _, ok := keys[e.Key]; !ok {
			kept = append(kept, e)
		}
	}
	// clear the tail so removed entries can be collected
	for i := len(kept); i < len(l.entries); i++ {
		l.entries[i] = ChangeEntry{}
	}
	l.entries = kept

	l.index = make(map[string]int, len(l.entries))
	for i, e := range l.entries {
		l.index[e.Key] = i
	}
}
