// Package controller runs detection sessions periodically and on demand and
// applies their outcome to the relay bank.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campus-energy/zonerelay/internal/actuator"
	"github.com/campus-energy/zonerelay/internal/camera"
	"github.com/campus-energy/zonerelay/internal/detector"
	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/internal/relay"
	"github.com/campus-energy/zonerelay/internal/sampler"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// ErrBusy is returned by Trigger while another session is running.
var ErrBusy = errors.New("detection session already running")

// State is the controller's position in its IDLE -> SAMPLING -> IDLE cycle.
type State int32

const (
	Idle State = iota
	Sampling
)

func (s State) String() string {
	if s == Sampling {
		return "SAMPLING"
	}
	return "IDLE"
}

// Config holds the session parameters and the periodic delay.
type Config struct {
	Params   sampler.Params
	Interval time.Duration
	// MockMode marks a deployment running simulated hardware; it is only reported.
	MockMode bool
}

// SourceOpener and DetectorOpener construct the shared handles on first use.
type (
	SourceOpener   func() (camera.Source, error)
	DetectorOpener func() (detector.Detector, error)
)

// SessionObserver is told about every finished session, successful or not.
type SessionObserver interface {
	SessionFinished(res types.SessionResult, err error)
}

// ObserverFunc adapts a function to SessionObserver.
type ObserverFunc func(res types.SessionResult, err error)

func (f ObserverFunc) SessionFinished(res types.SessionResult, err error) { f(res, err) }

// Status is the read-only system summary. Handles open lazily, so
// CameraAvailable and ModelLoaded report whether the camera and model are
// currently open: both read false before the first session and after a
// failed open, whatever the hardware.
type Status struct {
	CameraAvailable bool                  `json:"camera_available"`
	ModelLoaded     bool                  `json:"ai_model_loaded"`
	PinsConfigured  bool                  `json:"relay_pins_configured"`
	HardwareStatus  string                `json:"hardware_status"`
	State           string                `json:"state"`
	Policy          types.OccupancyPolicy `json:"policy"`
	Grid            [2]int                `json:"grid"`
	Sessions        uint64                `json:"sessions"`
	Failures        uint64                `json:"failures"`
	Rejected        uint64                `json:"rejected"`
}

// RelayStatus is one pin's last commanded state.
type RelayStatus struct {
	Pin        int             `json:"pin"`
	Status     types.LineState `json:"status"`
	Appliances []string        `json:"appliances"`
}

// Controller is the only caller of the sampler. At most one session runs at a time.
type Controller struct {
	cfg          Config
	sampler      *sampler.Sampler
	mapper       *actuator.Mapper
	bank         *relay.Bank
	openSource   SourceOpener
	openDetector DetectorOpener

	openMu   sync.Mutex
	source   camera.Source
	detector detector.Detector

	state atomic.Int32

	mu        sync.RWMutex
	last      *types.SessionResult
	observers []SessionObserver

	sessions atomic.Uint64
	failures atomic.Uint64
	rejected atomic.Uint64
}

func New(cfg Config, s *sampler.Sampler, m *actuator.Mapper, bank *relay.Bank, src SourceOpener, det DetectorOpener) *Controller {
	return &Controller{
		cfg:          cfg,
		sampler:      s,
		mapper:       m,
		bank:         bank,
		openSource:   src,
		openDetector: det,
	}
}

// Observe registers o for session notifications.
func (c *Controller) Observe(o SessionObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// State returns IDLE or SAMPLING.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Run executes a session, waits Interval, and repeats until ctx is done.
// Failures are logged; the next iteration is the retry.
func (c *Controller) Run(ctx context.Context) error {
	logger.Info("Controller", "periodic detection every %v (session %v, skip %d)",
		c.cfg.Interval, c.cfg.Params.Duration, c.cfg.Params.FrameSkip)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if !c.acquire() {
			logger.Debug("Controller", "periodic tick skipped: session in progress")
		} else {
			res, err := c.runSession(ctx)
			c.release()
			switch {
			case err == nil:
				logger.Info("Controller", "session %s: human=%v zones=%v rate=%.1f%%",
					res.ID, res.HumanDetected, res.OccupiedZones, res.DetectionRate)
			case ctx.Err() != nil:
				return nil
			default:
				logger.Warn("Controller", "periodic session failed: %v", err)
			}
		}

		timer.Reset(c.cfg.Interval)
	}
}

// Trigger runs one session now. It fails fast with ErrBusy if a session is
// already running.
func (c *Controller) Trigger(ctx context.Context) (types.SessionResult, error) {
	if !c.acquire() {
		c.rejected.Add(1)
		return types.SessionResult{}, ErrBusy
	}
	defer c.release()
	return c.runSession(ctx)
}

// EmergencyStop drives every line off. Any session in flight will not apply its result.
func (c *Controller) EmergencyStop() error {
	logger.Warn("Controller", "emergency stop")
	return c.bank.AllOff()
}

// SetLine is manual control of one configured pin.
func (c *Controller) SetLine(pin int, state types.LineState) error {
	if !c.mapper.HasPin(pin) {
		return fmt.Errorf("%w: %d", relay.ErrInvalidPin, pin)
	}
	return c.bank.SetLine(pin, state)
}

// LastResult returns the most recent successful session.
func (c *Controller) LastResult() (types.SessionResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return types.SessionResult{}, false
	}
	return *c.last, true
}

// Status never opens a handle; see Status for what the flags mean.
func (c *Controller) Status() Status {
	c.openMu.Lock()
	cameraOK, modelOK := c.source != nil, c.detector != nil
	c.openMu.Unlock()

	hw := "operational"
	if c.cfg.MockMode {
		hw = "mock_mode"
	}
	g := c.mapper.Grid()
	return Status{
		CameraAvailable: cameraOK,
		ModelLoaded:     modelOK,
		PinsConfigured:  len(c.mapper.Pins()) > 0,
		HardwareStatus:  hw,
		State:           c.State().String(),
		Policy:          c.sampler.Policy(),
		Grid:            [2]int{g.Rows(), g.Cols()},
		Sessions:        c.sessions.Load(),
		Failures:        c.failures.Load(),
		Rejected:        c.rejected.Load(),
	}
}

// RelayStatus reports every configured pin in ascending order.
func (c *Controller) RelayStatus() []RelayStatus {
	snap := c.bank.Snapshot()
	out := make([]RelayStatus, 0, len(snap))
	for _, pin := range c.mapper.Pins() {
		out = append(out, RelayStatus{
			Pin:        pin,
			Status:     snap[pin],
			Appliances: c.mapper.PinAppliances(pin),
		})
	}
	return out
}

// Source opens the frame source if needed and returns it. The preview feed
// captures through the same handle.
func (c *Controller) Source() (camera.Source, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	return c.sourceLocked()
}

// Close releases the source and detector handles.
func (c *Controller) Close() error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	var errs []error
	if c.source != nil {
		errs = append(errs, c.source.Close())
		c.source = nil
	}
	if c.detector != nil {
		errs = append(errs, c.detector.Close())
		c.detector = nil
	}
	return errors.Join(errs...)
}

func (c *Controller) acquire() bool {
	return c.state.CompareAndSwap(int32(Idle), int32(Sampling))
}

func (c *Controller) release() {
	c.state.Store(int32(Idle))
}

func (c *Controller) runSession(ctx context.Context) (res types.SessionResult, err error) {
	epoch := c.bank.Epoch()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
		if err != nil {
			c.failures.Add(1)
			if offErr := c.bank.AllOff(); offErr != nil {
				err = errors.Join(err, offErr)
			}
		} else {
			c.sessions.Add(1)
		}
		c.notify(res, err)
	}()

	src, det, err := c.handles()
	if err != nil {
		return types.SessionResult{}, err
	}

	res, err = c.sampler.RunSession(ctx, src, det, c.cfg.Params)
	if err != nil {
		return res, err
	}

	res.Commands, res.RelayStates = c.mapper.Derive(res.Occupancy)
	applied, err := c.bank.ApplySince(epoch, res.RelayStates)
	if err != nil {
		return res, err
	}
	if !applied {
		res.RelayStates = c.bank.Snapshot()
	}

	c.mu.Lock()
	stored := res
	c.last = &stored
	c.mu.Unlock()
	return res, nil
}

func (c *Controller) handles() (camera.Source, detector.Detector, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	src, err := c.sourceLocked()
	if err != nil {
		return nil, nil, err
	}
	if c.detector == nil {
		det, err := c.openDetector()
		if err != nil {
			if !errors.Is(err, detector.ErrModelUnavailable) {
				err = fmt.Errorf("%w: %v", detector.ErrModelUnavailable, err)
			}
			return nil, nil, err
		}
		c.detector = det
		logger.Info("Controller", "detector ready")
	}
	return src, c.detector, nil
}

func (c *Controller) sourceLocked() (camera.Source, error) {
	if c.source != nil {
		return c.source, nil
	}
	src, err := c.openSource()
	if err != nil {
		if !errors.Is(err, camera.ErrCameraUnavailable) {
			err = fmt.Errorf("%w: %v", camera.ErrCameraUnavailable, err)
		}
		return nil, err
	}
	c.source = src
	logger.Info("Controller", "frame source ready")
	return src, nil
}

func (c *Controller) notify(res types.SessionResult, err error) {
	c.mu.RLock()
	observers := append([]SessionObserver(nil), c.observers...)
	c.mu.RUnlock()

	for _, o := range observers {
		o.SessionFinished(res, err)
	}
}
