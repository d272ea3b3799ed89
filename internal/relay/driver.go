// Package relay drives the output lines that switch zone appliances.
package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/campus-energy/zonerelay/pkg/types"
)

var (
	// ErrInvalidPin is returned for a pin that is not part of the configured set.
	ErrInvalidPin = errors.New("invalid relay pin")
	// ErrInvalidAction is returned for a manual action other than on/off.
	ErrInvalidAction = errors.New("invalid relay action")
)

// Driver sets physical or simulated output lines.
type Driver interface {
	SetLine(pin int, state types.LineState) error
	AllOff() error
	Close() error
}

// BatchDriver is implemented by drivers that can write several lines in one operation.
type BatchDriver interface {
	Driver
	Apply(states types.RelayLineState) error
}

// ParseAction converts a manual-control action ("on"/"off") to a line state.
func ParseAction(action string) (types.LineState, error) {
	switch strings.ToLower(action) {
	case "on":
		return types.LineActive, nil
	case "off":
		return types.LineInactive, nil
	default:
		return types.LineInactive, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}

// applyEach writes states one line at a time, continuing past failures.
func applyEach(d Driver, states types.RelayLineState) error {
	var errs []error
	for _, pin := range states.Pins() {
		if err := d.SetLine(pin, states[pin]); err != nil {
			errs = append(errs, fmt.Errorf("pin %d: %w", pin, err))
		}
	}
	return errors.Join(errs...)
}
