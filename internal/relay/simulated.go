package relay

import (
	"sync"

	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// Simulated keeps line states in memory. It stands in for GPIO on machines
// without relay hardware.
type Simulated struct {
	mu     sync.Mutex
	lines  types.RelayLineState
	writes int
}

func NewSimulated(pins []int) *Simulated {
	lines := make(types.RelayLineState, len(pins))
	for _, p := range pins {
		lines[p] = types.LineInactive
	}
	return &Simulated{lines: lines}
}

func (s *Simulated) SetLine(pin int, state types.LineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[pin] = state
	s.writes++
	logger.Debug("MockGPIO", "pin %d -> %v", pin, state)
	return nil
}

func (s *Simulated) Apply(states types.RelayLineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pin, state := range states {
		s.lines[pin] = state
	}
	s.writes++
	logger.Debug("MockGPIO", "batch write of %d lines", len(states))
	return nil
}

func (s *Simulated) AllOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pin := range s.lines {
		s.lines[pin] = types.LineInactive
	}
	s.writes++
	logger.Debug("MockGPIO", "all lines off")
	return nil
}

func (s *Simulated) Close() error { return nil }

// Lines returns a copy of the current line states.
func (s *Simulated) Lines() types.RelayLineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines.Clone()
}

// Writes counts driver operations, a batch counting once.
func (s *Simulated) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
