//go:build linux

package relay

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// GPIO drives relay boards wired to a GPIO character device. Lines are
// requested active-low: the relay energises when the pin is pulled LOW.
type GPIO struct {
	mu     sync.Mutex
	lines  *gpiocdev.Lines
	index  map[int]int // pin -> position in values
	values []int
}

// OpenGPIO requests pins (line offsets on chip, e.g. "gpiochip0") as outputs,
// all initially INACTIVE.
func OpenGPIO(chip string, pins []int) (*GPIO, error) {
	values := make([]int, len(pins))
	lines, err := gpiocdev.RequestLines(chip, pins,
		gpiocdev.AsOutput(values...),
		gpiocdev.AsActiveLow,
		gpiocdev.WithConsumer("zonerelay"),
	)
	if err != nil {
		return nil, fmt.Errorf("request gpio lines %v on %s: %w", pins, chip, err)
	}

	index := make(map[int]int, len(pins))
	for i, p := range pins {
		index[p] = i
	}
	logger.Info("GPIO", "requested lines %v on %s (active-low)", pins, chip)
	return &GPIO{lines: lines, index: index, values: values}, nil
}

func (g *GPIO) SetLine(pin int, state types.LineState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, ok := g.index[pin]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}
	g.values[i] = lineValue(state)
	return g.lines.SetValues(g.values)
}

// Apply writes every line in one ioctl.
func (g *GPIO) Apply(states types.RelayLineState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for pin, state := range states {
		i, ok := g.index[pin]
		if !ok {
			return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
		}
		g.values[i] = lineValue(state)
	}
	return g.lines.SetValues(g.values)
}

func (g *GPIO) AllOff() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.values {
		g.values[i] = 0
	}
	return g.lines.SetValues(g.values)
}

func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lines.Close()
}

func lineValue(s types.LineState) int {
	if s == types.LineActive {
		return 1
	}
	return 0
}
