package engine

import "sync/atomic"

// Sequencer hands out strictly increasing submission sequence numbers.
// Seq is the time-priority tie-break inside a price level.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer starts after start. Recovery passes the highest Seq it rested.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Next returns the next sequence number
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}
