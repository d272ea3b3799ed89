package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/pkg/types"
)

const lcusHeader = 0xA0

// Serial drives USB relay boards that speak the LCUS protocol: every command
// is the four bytes A0, channel, state, checksum (sum of the first three).
// Channels are 1-based and assigned to pins in ascending pin order.
type Serial struct {
	mu       sync.Mutex
	port     io.WriteCloser
	channels map[int]byte
}

// OpenSerial opens the board at path (e.g. /dev/ttyUSB0).
func OpenSerial(path string, baud int, pins []int) (*Serial, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open relay board %s: %w", path, err)
	}
	logger.Info("Serial", "relay board on %s at %d baud, %d channels", path, baud, len(pins))
	return NewSerial(port, pins)
}

// NewSerial wraps an already open port.
func NewSerial(port io.WriteCloser, pins []int) (*Serial, error) {
	if len(pins) > 255 {
		return nil, fmt.Errorf("relay board supports at most 255 channels, got %d", len(pins))
	}
	channels := make(map[int]byte, len(pins))
	for i, pin := range pinSet(pins).Pins() {
		channels[pin] = byte(i + 1)
	}
	return &Serial{port: port, channels: channels}, nil
}

func (s *Serial) SetLine(pin int, state types.LineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(pin, state)
}

func (s *Serial) AllOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for pin := range s.channels {
		errs = append(errs, s.writeLocked(pin, types.LineInactive))
	}
	return errors.Join(errs...)
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

func (s *Serial) writeLocked(pin int, state types.LineState) error {
	ch, ok := s.channels[pin]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}
	if _, err := s.port.Write(lcusFrame(ch, state)); err != nil {
		return fmt.Errorf("write channel %d: %w", ch, err)
	}
	return nil
}

func lcusFrame(ch byte, state types.LineState) []byte {
	var on byte
	if state == types.LineActive {
		on = 1
	}
	return []byte{lcusHeader, ch, on, lcusHeader + ch + on}
}

func pinSet(pins []int) types.RelayLineState {
	set := make(types.RelayLineState, len(pins))
	for _, p := range pins {
		set[p] = types.LineInactive
	}
	return set
}
