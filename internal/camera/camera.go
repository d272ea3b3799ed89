// Package camera provides frame sources for sessions and the preview feed.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

// ErrCameraUnavailable is returned when a source cannot be opened or a capture fails.
var ErrCameraUnavailable = errors.New("camera unavailable")

// Source yields one frame per Capture call. Implementations need not be safe
// for concurrent use; wrap them in Shared when they are.
type Source interface {
	Capture(ctx context.Context) (image.Image, error)
	Close() error
}

// Shared serializes Capture calls so the preview feed and sessions can share
// one device.
type Shared struct {
	mu     sync.Mutex
	src    Source
	closed bool
}

func NewShared(src Source) *Shared {
	return &Shared{src: src}
}

func (s *Shared) Capture(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: source closed", ErrCameraUnavailable)
	}
	return s.src.Capture(ctx)
}

func (s *Shared) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.src.Close()
}
