package camera

import (
	"context"
	"fmt"
	"image"
	"math/rand"
	"sync"
	"time"
)

// Synthetic renders grey noise frames of a fixed size, optionally paced to a
// frame rate. It is the software fallback when no capture device exists.
type Synthetic struct {
	mu     sync.Mutex
	width  int
	height int
	period time.Duration
	last   time.Time
	rng    *rand.Rand
}

// NewSynthetic returns a width x height source. fps <= 0 disables pacing.
func NewSynthetic(width, height int, fps float64) (*Synthetic, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: synthetic frame %dx%d", ErrCameraUnavailable, width, height)
	}
	s := &Synthetic{
		width:  width,
		height: height,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if fps > 0 {
		s.period = time.Duration(float64(time.Second) / fps)
	}
	return s, nil
}

func (s *Synthetic) Capture(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.period > 0 && !s.last.IsZero() {
		if wait := s.period - time.Since(s.last); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}
	s.last = time.Now()

	img := image.NewGray(image.Rect(0, 0, s.width, s.height))
	s.rng.Read(img.Pix)
	return img, nil
}

func (s *Synthetic) Close() error { return nil }
