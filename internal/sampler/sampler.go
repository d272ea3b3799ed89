// Package sampler runs fixed-duration detection sessions and aggregates
// per-frame detections into zone occupancy.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campus-energy/zonerelay/internal/camera"
	"github.com/campus-energy/zonerelay/internal/detector"
	"github.com/campus-energy/zonerelay/internal/grid"
	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/pkg/types"
)

var (
	// ErrDetectorFailed wraps errors returned by the detector.
	ErrDetectorFailed = errors.New("detector failed")
	// ErrInvalidParams is returned for a non-positive duration or frame skip.
	ErrInvalidParams = errors.New("invalid session parameters")
)

// Params controls one session.
type Params struct {
	Duration   time.Duration
	FrameSkip  int
	Confidence float32
}

func (p Params) validate() error {
	if p.Duration <= 0 {
		return fmt.Errorf("%w: duration %v", ErrInvalidParams, p.Duration)
	}
	if p.FrameSkip < 1 {
		return fmt.Errorf("%w: frame skip %d", ErrInvalidParams, p.FrameSkip)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v", ErrInvalidParams, p.Confidence)
	}
	return nil
}

// Clock abstracts wall-clock time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Sampler.
type Option func(*Sampler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Sampler) { s.clock = c }
}

// WithPolicy selects how per-frame cell sets combine. Default is PolicyReplace.
func WithPolicy(p types.OccupancyPolicy) Option {
	return func(s *Sampler) { s.policy = p }
}

// Sampler maps detections through a fixed grid.
type Sampler struct {
	grid   grid.Grid
	policy types.OccupancyPolicy
	clock  Clock
}

func New(g grid.Grid, opts ...Option) *Sampler {
	s := &Sampler{grid: g, policy: types.PolicyReplace, clock: systemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the occupancy policy in use.
func (s *Sampler) Policy() types.OccupancyPolicy { return s.policy }

// RunSession captures frames until p.Duration has elapsed, runs the detector on
// every p.FrameSkip-th frame and returns the aggregated result. Commands and
// RelayStates are left for the caller to fill in.
//
// ctx is checked once per captured frame. There is no timeout on an individual
// capture or detection; a hung device stalls the session.
func (s *Sampler) RunSession(ctx context.Context, src camera.Source, det detector.Detector, p Params) (types.SessionResult, error) {
	if err := p.validate(); err != nil {
		return types.SessionResult{}, err
	}

	res := types.SessionResult{
		ID:        uuid.NewString(),
		StartedAt: s.clock.Now(),
		Policy:    s.policy,
	}
	occupancy := types.NewOccupancySet()
	deadline := res.StartedAt.Add(p.Duration)

	for s.clock.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		img, err := src.Capture(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			if errors.Is(err, camera.ErrCameraUnavailable) {
				return res, err
			}
			return res, fmt.Errorf("%w: %v", camera.ErrCameraUnavailable, err)
		}
		res.FramesCaptured++
		if res.FramesCaptured%p.FrameSkip != 0 {
			continue
		}

		dets, err := det.Detect(ctx, img, p.Confidence)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, fmt.Errorf("%w: %v", ErrDetectorFailed, err)
		}
		res.ProcessedFrames++
		if len(dets) > 0 {
			res.FramesWithHumans++
		}

		b := img.Bounds()
		frameCells := types.NewOccupancySet()
		for _, d := range dets {
			cell, err := s.grid.CellFor(b.Dx(), b.Dy(), d.Center().Sub(b.Min))
			if err != nil {
				return res, err
			}
			frameCells.Add(cell)
		}

		if s.policy == types.PolicyUnion {
			occupancy.Merge(frameCells)
		} else {
			occupancy = frameCells
		}
	}

	res.FinishedAt = s.clock.Now()
	res.HumanDetected = res.FramesWithHumans > 0
	if res.ProcessedFrames > 0 {
		res.DetectionRate = float64(res.FramesWithHumans) / float64(res.ProcessedFrames) * 100
	}
	res.Occupancy = occupancy
	res.OccupiedZones = occupancy.Cells()

	logger.Debug("Sampler", "session %s: captured=%d processed=%d with_humans=%d rate=%.1f%% zones=%v",
		res.ID, res.FramesCaptured, res.ProcessedFrames, res.FramesWithHumans, res.DetectionRate, res.OccupiedZones)
	return res, nil
}
