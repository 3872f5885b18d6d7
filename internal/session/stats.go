package session

import (
	"sync/atomic"
	"time"
)

// Stats tracks capture counters for the lifetime of the process. Updated
// from the record path, read from the shutdown path.
type Stats struct {
	startTime time.Time
	received  atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) Received() {
	s.received.Add(1)
}

func (s *Stats) ReceivedCount() uint64 {
	return s.received.Load()
}

func (s *Stats) Runtime() time.Duration {
	return time.Since(s.startTime)
}
