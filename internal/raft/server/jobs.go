package server

import (
	"time"

	"github.com/jonboulle/clockwork"
)

/*
The node has a single wake-up timer. Each role arms it for its next check: a follower for the end of its election
timeout, a leader for the next heartbeat, a candidate as a safety net while votes are outstanding. Re-arming cancels the
previous timer, so a node never has more than one pending wake-up.
*/

// scheduler is owned by the loop goroutine. A fired timer hands its generation back to the loop, which ignores it
// when the timer was re-armed or stopped in the meantime.
type scheduler struct {
	clock clockwork.Clock
	timer clockwork.Timer
	gen   uint64
	// fire delivers a generation to the loop. It runs on its own goroutine and may block.
	fire func(gen uint64)
}

func newScheduler(clock clockwork.Clock, fire func(gen uint64)) *scheduler {
	return &scheduler{clock: clock, fire: fire}
}

// schedule arms the timer to fire after d, replacing any pending wake-up
func (s *scheduler) schedule(d time.Duration) {
	s.stop()
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { go s.fire(gen) })
}

func (s *scheduler) stop() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// current reports whether gen belongs to the armed timer
func (s *scheduler) current(gen uint64) bool {
	return s.timer != nil && gen == s.gen
}
