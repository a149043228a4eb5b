package driver

import (
	"fmt"
	"sync"
	"time"
)

// Sim is the in-memory backend used for tests and bench work. Writes always
// succeed and are booked immediately.
type Sim struct {
	mu        sync.Mutex
	connected bool
	positions map[int]float64
	lastWrite map[int]time.Time
	writes    int

	// FailMoves forces MoveTo to fail, for exercising abort paths.
	FailMoves bool
}

var _ Driver = (*Sim)(nil)

// NewSim creates a simulated driver.
func NewSim() *Sim {
	return &Sim{
		positions: make(map[int]float64),
		lastWrite: make(map[int]time.Time),
	}
}

// Connect marks the backend available.
func (s *Sim) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect marks the backend unavailable.
func (s *Sim) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// MoveTo books the position immediately.
func (s *Sim) MoveTo(channel int, position float64, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	if s.FailMoves {
		return fmt.Errorf("simulated write failure on channel %d", channel)
	}
	if channel < 0 {
		return fmt.Errorf("%w: %d", ErrBadChannel, channel)
	}

	s.positions[channel] = position
	s.lastWrite[channel] = time.Now()
	s.writes++
	return nil
}

// GetStatus reports the booked position. A channel counts as moving for a
// short window after its last write.
func (s *Sim) GetStatus(channel int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return Status{}, ErrNotConnected
	}

	pos, ok := s.positions[channel]
	moving := false
	if ok {
		moving = time.Since(s.lastWrite[channel]) < 50*time.Millisecond
	}
	return Status{Position: pos, Moving: moving, Connected: true}, nil
}

// EmergencyStopAll clears the moving state; booked positions stay where
// they are, mirroring a hardware hold.
func (s *Sim) EmergencyStopAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	for ch := range s.lastWrite {
		s.lastWrite[ch] = time.Time{}
	}
	return nil
}

// Position returns the booked position for a channel (test helper).
func (s *Sim) Position(channel int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[channel]
	return pos, ok
}

// Writes returns the total number of accepted MoveTo calls (test helper).
func (s *Sim) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
