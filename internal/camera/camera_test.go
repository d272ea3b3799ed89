package camera

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource fails the test if two captures overlap.
type countingSource struct {
	t        *testing.T
	mu       sync.Mutex
	inFlight int
	calls    int
}

func (c *countingSource) Capture(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	c.inFlight++
	c.calls++
	if c.inFlight > 1 {
		c.t.Errorf("concurrent capture")
	}
	c.mu.Unlock()

	time.Sleep(time.Millisecond)

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

func (c *countingSource) Close() error { return nil }

func TestSharedSerializesCaptures(t *testing.T) {
	src := &countingSource{t: t}
	shared := NewShared(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := shared.Capture(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, src.calls)

	require.NoError(t, shared.Close())
	_, err := shared.Capture(context.Background())
	assert.ErrorIs(t, err, ErrCameraUnavailable)
}

func TestSyntheticFrameSize(t *testing.T) {
	src, err := NewSynthetic(640, 480, 0)
	require.NoError(t, err)

	img, err := src.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 640, 480), img.Bounds())

	_, err = NewSynthetic(0, 480, 0)
	assert.ErrorIs(t, err, ErrCameraUnavailable)
}

func TestSyntheticPacingHonoursContext(t *testing.T) {
	src, err := NewSynthetic(8, 8, 0.5)
	require.NoError(t, err)

	_, err = src.Capture(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = src.Capture(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
