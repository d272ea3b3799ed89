package detector

import (
	"context"
	"image"
	"math/rand"
	"sync"

	"github.com/campus-energy/zonerelay/pkg/types"
)

// Simulated produces random target boxes: a hit on 70% of frames, with one to
// three boxes per hit. It stands in for a model on machines without one.
type Simulated struct {
	mu      sync.Mutex
	rng     *rand.Rand
	hitRate float64
	label   string
}

func NewSimulated(seed int64, target TargetClass) *Simulated {
	return &Simulated{rng: rand.New(rand.NewSource(seed)), hitRate: 0.7, label: target.OrDefault().Label}
}

func (s *Simulated) Detect(ctx context.Context, img image.Image, threshold float32) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := img.Bounds()
	if b.Dx() < 4 || b.Dy() < 4 || s.rng.Float64() >= s.hitRate {
		return nil, nil
	}

	n := 1 + s.rng.Intn(3)
	dets := make([]types.Detection, 0, n)
	for i := 0; i < n; i++ {
		conf := threshold + (1-threshold)*s.rng.Float32()
		w := 1 + s.rng.Intn(b.Dx()/2)
		h := 1 + s.rng.Intn(b.Dy()/2)
		x := b.Min.X + s.rng.Intn(b.Dx()-w)
		y := b.Min.Y + s.rng.Intn(b.Dy()-h)
		dets = append(dets, types.Detection{
			Box:        image.Rect(x, y, x+w, y+h),
			Confidence: conf,
			Label:      s.label,
		})
	}
	return dets, nil
}

func (s *Simulated) Close() error { return nil }
