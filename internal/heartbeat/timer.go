package heartbeat

import (
	"sync"
	"time"
)

// timerSlot holds at most one armed timer. Arming stops the previous timer,
// and a callback that lost the race against stop or re-arm is discarded.
// Callbacks receive the generation they were armed with so work that waits
// after firing can check it is still current.
type timerSlot struct {
	mu    sync.Mutex
	timer *time.Timer
	due   time.Duration
	seq   uint64
}

func (s *timerSlot) arm(d time.Duration, fn func(seq uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.due = d
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		if s.seq != seq {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn(seq)
	})
}

// stop disarms the slot and reports whether a timer was pending
func (s *timerSlot) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

func (s *timerSlot) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// current reports whether seq is still the slot's latest generation
func (s *timerSlot) current(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq == seq
}
