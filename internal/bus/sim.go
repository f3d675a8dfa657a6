package bus

import (
	"context"
	"sync"
	"time"
)

// Sim is an in-memory bus that records every pulse written to it. It backs
// the "sim" bus type for bench runs without hardware and the driver tests.
type Sim struct {
	mu     sync.Mutex
	writes [][]byte
	delay  time.Duration
	err    error
}

func NewSim() *Sim {
	return &Sim{}
}

// SetDelay makes every write take d, so deadline behavior can be exercised.
func (s *Sim) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetErr makes every write fail with err until cleared.
func (s *Sim) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Sim) Write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	delay, err := s.delay, s.err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), payload...))
	return nil
}

func (s *Sim) Close() error {
	return nil
}

// Writes returns a copy of everything written so far.
func (s *Sim) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes := make([][]byte, len(s.writes))
	copy(writes, s.writes)
	return writes
}
