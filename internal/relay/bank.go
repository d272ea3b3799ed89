package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// Bank owns the configured pin set and the last commanded state of each pin.
// Every write goes through its lock so a batch is never observed half applied.
type Bank struct {
	mu     sync.Mutex
	driver Driver
	states types.RelayLineState
	// epoch advances on every AllOff; a session applies its states only if no
	// AllOff happened since it started.
	epoch uint64
}

// NewBank starts with every pin recorded INACTIVE. It does not touch the driver.
func NewBank(driver Driver, pins []int) *Bank {
	states := make(types.RelayLineState, len(pins))
	for _, p := range pins {
		states[p] = types.LineInactive
	}
	return &Bank{driver: driver, states: states}
}

// Pins returns the configured pins in ascending order.
func (b *Bank) Pins() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states.Pins()
}

// Snapshot returns a copy of the last commanded states.
func (b *Bank) Snapshot() types.RelayLineState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states.Clone()
}

// Epoch returns the current all-off epoch.
func (b *Bank) Epoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

// SetLine is the manual per-pin control path.
func (b *Bank) SetLine(pin int, state types.LineState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.states[pin]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}
	if err := b.driver.SetLine(pin, state); err != nil {
		return fmt.Errorf("set pin %d %v: %w", pin, state, err)
	}
	b.states[pin] = state
	logger.Info("Relay", "pin %d -> %v", pin, state)
	return nil
}

// Apply writes states as one batch.
func (b *Bank) Apply(states types.RelayLineState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applyLocked(states)
}

// ApplySince writes states only if no AllOff happened after epoch was read.
// It reports whether the states were applied.
func (b *Bank) ApplySince(epoch uint64, states types.RelayLineState) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.epoch != epoch {
		logger.Warn("Relay", "discarding session states: all-off happened during the session")
		return false, nil
	}
	return true, b.applyLocked(states)
}

// AllOff drives every line INACTIVE. The recorded state is INACTIVE for every
// pin afterwards even when the driver reports an error.
func (b *Bank) AllOff() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.epoch++
	err := b.driver.AllOff()
	for p := range b.states {
		b.states[p] = types.LineInactive
	}
	if err != nil {
		logger.Error("Relay", "all-off: %v", err)
		return fmt.Errorf("all off: %w", err)
	}
	logger.Info("Relay", "all lines off")
	return nil
}

// Close turns everything off and releases the driver.
func (b *Bank) Close() error {
	offErr := b.AllOff()

	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(offErr, b.driver.Close())
}

func (b *Bank) applyLocked(states types.RelayLineState) error {
	for pin := range states {
		if _, ok := b.states[pin]; !ok {
			return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
		}
	}

	var err error
	if bd, ok := b.driver.(BatchDriver); ok {
		err = bd.Apply(states)
	} else {
		err = applyEach(b.driver, states)
	}
	for pin, s := range states {
		b.states[pin] = s
	}
	if err != nil {
		return fmt.Errorf("apply relay states: %w", err)
	}
	logger.Debug("Relay", "applied %d line states", len(states))
	return nil
}
