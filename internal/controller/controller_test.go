package controller

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campus-energy/zonerelay/internal/actuator"
	"github.com/campus-energy/zonerelay/internal/camera"
	"github.com/campus-energy/zonerelay/internal/detector"
	"github.com/campus-energy/zonerelay/internal/grid"
	"github.com/campus-energy/zonerelay/internal/relay"
	"github.com/campus-energy/zonerelay/internal/sampler"
	"github.com/campus-energy/zonerelay/pkg/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// gatedSource advances the fake clock per frame. When gate is set, the first
// capture signals entered and then blocks until gate is closed.
type gatedSource struct {
	clock   *fakeClock
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (s *gatedSource) Capture(ctx context.Context) (image.Image, error) {
	if s.gate != nil {
		s.once.Do(func() {
			close(s.entered)
			<-s.gate
		})
	}
	s.clock.Advance(100 * time.Millisecond)
	return image.NewGray(image.Rect(0, 0, 640, 480)), nil
}

func (s *gatedSource) Close() error { return nil }

// fixedDetector reports one person centered at each point on every call.
type fixedDetector struct {
	points []image.Point
}

func (d fixedDetector) Detect(ctx context.Context, img image.Image, threshold float32) ([]types.Detection, error) {
	var dets []types.Detection
	for _, p := range d.points {
		dets = append(dets, types.Detection{Box: image.Rect(p.X-5, p.Y-5, p.X+5, p.Y+5), Confidence: 0.9, Label: "person"})
	}
	return dets, nil
}

func (d fixedDetector) Close() error { return nil }

type harness struct {
	ctrl   *Controller
	bank   *relay.Bank
	driver *relay.Simulated
	src    *gatedSource
}

func newHarness(t *testing.T, det detector.Detector, openSrc SourceOpener) *harness {
	t.Helper()

	g, err := grid.New(3, 3)
	require.NoError(t, err)
	m, err := actuator.NewMapper(g, map[types.GridCell][]string{
		types.Cell(0, 0): {"Light 1 (Back Left)"},
		types.Cell(1, 2): {"Fan 2 (Mid Right)"},
		types.Cell(2, 2): {"Light 6 (Front Right)"},
	}, []actuator.PinBinding{
		{Pin: 2, Columns: []int{0}},
		{Pin: 3, Columns: []int{1}},
		{Pin: 4, Columns: []int{2}},
		{Pin: 17, Columns: []int{2}},
	})
	require.NoError(t, err)

	clock := &fakeClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	src := &gatedSource{clock: clock}
	if openSrc == nil {
		openSrc = func() (camera.Source, error) { return src, nil }
	}

	driver := relay.NewSimulated(m.Pins())
	bank := relay.NewBank(driver, m.Pins())
	ctrl := New(Config{
		Params:   sampler.Params{Duration: time.Second, FrameSkip: 5, Confidence: 0.25},
		Interval: time.Millisecond,
		MockMode: true,
	}, sampler.New(g, sampler.WithClock(clock)), m, bank,
		openSrc,
		func() (detector.Detector, error) { return det, nil },
	)
	return &harness{ctrl: ctrl, bank: bank, driver: driver, src: src}
}

func TestTriggerAppliesRelayStates(t *testing.T) {
	h := newHarness(t, fixedDetector{points: []image.Point{image.Pt(500, 300)}}, nil)

	res, err := h.ctrl.Trigger(context.Background())
	require.NoError(t, err)

	assert.True(t, res.HumanDetected)
	assert.Equal(t, []types.GridCell{types.Cell(1, 2)}, res.OccupiedZones)
	assert.Equal(t, types.RelayLineState{2: types.LineInactive, 3: types.LineInactive, 4: types.LineActive, 17: types.LineActive}, res.RelayStates)
	assert.Equal(t, res.RelayStates, h.driver.Lines())
	require.Len(t, res.Commands, 3)
	assert.Equal(t, types.CommandOn, res.Commands[1].Status)

	last, ok := h.ctrl.LastResult()
	require.True(t, ok)
	assert.Equal(t, res.ID, last.ID)
	assert.Equal(t, Idle, h.ctrl.State())

	status := h.ctrl.Status()
	assert.True(t, status.CameraAvailable)
	assert.True(t, status.ModelLoaded)
	assert.Equal(t, "mock_mode", status.HardwareStatus)
	assert.Equal(t, uint64(1), status.Sessions)
}

func TestTriggerWhileBusyIsRejected(t *testing.T) {
	h := newHarness(t, fixedDetector{}, nil)
	h.src.gate = make(chan struct{})
	h.src.entered = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Trigger(context.Background())
		done <- err
	}()
	<-h.src.entered
	assert.Equal(t, Sampling, h.ctrl.State())

	_, err := h.ctrl.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(h.src.gate)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), h.ctrl.Status().Rejected)
	assert.Equal(t, uint64(1), h.ctrl.Status().Sessions)
}

func TestFailedSessionLeavesEveryPinInactive(t *testing.T) {
	h := newHarness(t, fixedDetector{}, func() (camera.Source, error) {
		return nil, errors.New("no /dev/video0")
	})
	require.NoError(t, h.ctrl.SetLine(4, types.LineActive))

	var observed error
	h.ctrl.Observe(ObserverFunc(func(res types.SessionResult, err error) { observed = err }))

	_, err := h.ctrl.Trigger(context.Background())
	assert.ErrorIs(t, err, camera.ErrCameraUnavailable)
	assert.ErrorIs(t, observed, camera.ErrCameraUnavailable)

	for _, rs := range h.ctrl.RelayStatus() {
		assert.Equal(t, types.LineInactive, rs.Status, "pin %d", rs.Pin)
	}
	_, ok := h.ctrl.LastResult()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), h.ctrl.Status().Failures)
	assert.False(t, h.ctrl.Status().CameraAvailable)
}

func TestOpenFailureIsNotCached(t *testing.T) {
	attempts := 0
	var h *harness
	h = newHarness(t, fixedDetector{}, func() (camera.Source, error) {
		attempts++
		if attempts == 1 {
			return nil, camera.ErrCameraUnavailable
		}
		return h.src, nil
	})

	_, err := h.ctrl.Trigger(context.Background())
	require.ErrorIs(t, err, camera.ErrCameraUnavailable)

	_, err = h.ctrl.Trigger(context.Background())
	require.NoError(t, err)

	_, err = h.ctrl.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

type panickingDetector struct{}

func (panickingDetector) Detect(context.Context, image.Image, float32) ([]types.Detection, error) {
	panic("tensor shape mismatch")
}

func (panickingDetector) Close() error { return nil }

func TestPanicInsideSessionTurnsEverythingOff(t *testing.T) {
	h := newHarness(t, panickingDetector{}, nil)
	require.NoError(t, h.ctrl.SetLine(2, types.LineActive))

	_, err := h.ctrl.Trigger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tensor shape mismatch")
	assert.Equal(t, types.LineInactive, h.bank.Snapshot()[2])
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestEmergencyStopDuringSessionDiscardsResult(t *testing.T) {
	h := newHarness(t, fixedDetector{points: []image.Point{image.Pt(100, 100)}}, nil)
	h.src.gate = make(chan struct{})
	h.src.entered = make(chan struct{})

	done := make(chan types.SessionResult, 1)
	go func() {
		res, err := h.ctrl.Trigger(context.Background())
		assert.NoError(t, err)
		done <- res
	}()
	<-h.src.entered
	require.NoError(t, h.ctrl.EmergencyStop())
	close(h.src.gate)

	res := <-done
	assert.True(t, res.HumanDetected)
	assert.Equal(t, types.LineInactive, res.RelayStates[2])
	assert.Equal(t, types.LineInactive, h.driver.Lines()[2])
}

func TestCancelledSessionTurnsEverythingOff(t *testing.T) {
	h := newHarness(t, fixedDetector{}, nil)
	require.NoError(t, h.ctrl.SetLine(17, types.LineActive))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.ctrl.Trigger(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.LineInactive, h.bank.Snapshot()[17])
}

func TestManualControlValidatesPin(t *testing.T) {
	h := newHarness(t, fixedDetector{}, nil)

	assert.ErrorIs(t, h.ctrl.SetLine(5, types.LineActive), relay.ErrInvalidPin)
	require.NoError(t, h.ctrl.SetLine(3, types.LineActive))

	statuses := h.ctrl.RelayStatus()
	require.Len(t, statuses, 4)
	assert.Equal(t, 3, statuses[1].Pin)
	assert.Equal(t, types.LineActive, statuses[1].Status)
}

func TestRunRepeatsUntilCancelled(t *testing.T) {
	h := newHarness(t, fixedDetector{points: []image.Point{image.Pt(100, 400)}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	finished := 0
	h.ctrl.Observe(ObserverFunc(func(res types.SessionResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		finished++
		if finished == 3 {
			cancel()
		}
	}))

	require.NoError(t, h.ctrl.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, finished, 3)
	assert.Equal(t, types.LineActive, h.bank.Snapshot()[2])
}

func TestRunRetriesAfterFailedSession(t *testing.T) {
	attempts := 0
	var h *harness
	h = newHarness(t, fixedDetector{points: []image.Point{image.Pt(100, 400)}}, func() (camera.Source, error) {
		attempts++
		if attempts <= 2 {
			return nil, fmt.Errorf("%w: /dev/video0 busy", camera.ErrCameraUnavailable)
		}
		return h.src, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var outcomes []error
	h.ctrl.Observe(ObserverFunc(func(res types.SessionResult, err error) {
		outcomes = append(outcomes, err)
		if err == nil {
			cancel()
		}
	}))

	require.NoError(t, h.ctrl.Run(ctx))

	require.Len(t, outcomes, 3)
	assert.ErrorIs(t, outcomes[0], camera.ErrCameraUnavailable)
	assert.ErrorIs(t, outcomes[1], camera.ErrCameraUnavailable)
	assert.NoError(t, outcomes[2])
	assert.Equal(t, types.LineActive, h.bank.Snapshot()[2])

	status := h.ctrl.Status()
	assert.Equal(t, uint64(2), status.Failures)
	assert.Equal(t, uint64(1), status.Sessions)
}

func TestRunSkipsTickWhileTriggerHoldsGate(t *testing.T) {
	h := newHarness(t, fixedDetector{}, nil)
	h.src.gate = make(chan struct{})
	h.src.entered = make(chan struct{})

	var mu sync.Mutex
	finished := 0
	h.ctrl.Observe(ObserverFunc(func(types.SessionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		finished++
	}))

	triggered := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Trigger(context.Background())
		triggered <- err
	}()
	<-h.src.entered

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- h.ctrl.Run(ctx) }()

	// Interval is 1ms, so Run meets the held gate many times here.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 0, finished)
	mu.Unlock()
	assert.Equal(t, Sampling, h.ctrl.State())

	cancel()
	select {
	case err := <-ran:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return while the gate was held")
	}

	close(h.src.gate)
	require.NoError(t, <-triggered)

	status := h.ctrl.Status()
	assert.Equal(t, uint64(1), status.Sessions)
	assert.Equal(t, uint64(0), status.Rejected)
	assert.Equal(t, Idle, h.ctrl.State())
}

func TestStatusReportsOpenedHandlesOnly(t *testing.T) {
	opens := 0
	var h *harness
	h = newHarness(t, fixedDetector{}, func() (camera.Source, error) {
		opens++
		return h.src, nil
	})

	status := h.ctrl.Status()
	assert.False(t, status.CameraAvailable)
	assert.False(t, status.ModelLoaded)
	assert.Equal(t, 0, opens)

	_, err := h.ctrl.Trigger(context.Background())
	require.NoError(t, err)

	status = h.ctrl.Status()
	assert.True(t, status.CameraAvailable)
	assert.True(t, status.ModelLoaded)
	assert.Equal(t, 1, opens)
}
