//go:build !linux

package relay

import (
	"errors"

	"github.com/campus-energy/zonerelay/pkg/types"
)

var errGPIOUnsupported = errors.New("gpio character devices are only available on linux")

// GPIO is unavailable on this platform.
type GPIO struct{}

func OpenGPIO(chip string, pins []int) (*GPIO, error) {
	return nil, errGPIOUnsupported
}

func (g *GPIO) SetLine(int, types.LineState) error { return errGPIOUnsupported }
func (g *GPIO) Apply(types.RelayLineState) error { return errGPIOUnsupported }
func (g *GPIO) AllOff() error { return errGPIOUnsupported }
func (g *GPIO) Close() error { return nil }
