package metrics

import (
	"math"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campus-energy/zonerelay/pkg/types"
)

// Metrics holds the controller's counters and exports them to Prometheus.
type Metrics struct {
	// Session counters
	SessionsCompleted atomic.Uint64
	SessionsFailed    atomic.Uint64

	// Frame counters, summed over sessions
	FramesCaptured   atomic.Uint64
	FramesProcessed  atomic.Uint64
	FramesWithHumans atomic.Uint64

	// Last session
	lastDetectionRate atomic.Uint64 // float64 bits
	LastOccupiedZones atomic.Uint64

	sessionDuration prometheus.Histogram
	registry        *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zonerelay_session_duration_seconds",
			Help:    "Wall-clock duration of completed detection sessions",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counter := func(name, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}

	counter("zonerelay_sessions_completed_total", "Detection sessions that completed", &m.SessionsCompleted)
	counter("zonerelay_sessions_failed_total", "Detection sessions that failed and forced all relays off", &m.SessionsFailed)
	counter("zonerelay_frames_captured_total", "Frames captured during sessions", &m.FramesCaptured)
	counter("zonerelay_frames_processed_total", "Frames passed to the detector", &m.FramesProcessed)
	counter("zonerelay_frames_with_humans_total", "Processed frames with at least one person", &m.FramesWithHumans)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "zonerelay_last_detection_rate_percent",
			Help: "Detection rate of the last completed session",
		},
		func() float64 { return math.Float64frombits(m.lastDetectionRate.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "zonerelay_last_occupied_zones",
			Help: "Occupied zones reported by the last completed session",
		},
		func() float64 { return float64(m.LastOccupiedZones.Load()) },
	))
	m.registry.MustRegister(m.sessionDuration)
}

// SessionFinished records a session outcome.
func (m *Metrics) SessionFinished(res types.SessionResult, err error) {
	if err != nil {
		m.SessionsFailed.Add(1)
		return
	}
	m.SessionsCompleted.Add(1)
	m.FramesCaptured.Add(uint64(res.FramesCaptured))
	m.FramesProcessed.Add(uint64(res.ProcessedFrames))
	m.FramesWithHumans.Add(uint64(res.FramesWithHumans))
	m.lastDetectionRate.Store(math.Float64bits(res.DetectionRate))
	m.LastOccupiedZones.Store(uint64(len(res.OccupiedZones)))
	if !res.FinishedAt.IsZero() {
		m.sessionDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}
}

// LastDetectionRate returns the detection rate of the last completed session.
func (m *Metrics) LastDetectionRate() float64 {
	return math.Float64frombits(m.lastDetectionRate.Load())
}

// RegisterRelays exports one gauge per pin (1 = ACTIVE) read from snapshot at scrape time.
func (m *Metrics) RegisterRelays(pins []int, snapshot func() types.RelayLineState) {
	for _, pin := range pins {
		pin := pin
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "zonerelay_relay_line_active",
				Help:        "Last commanded relay line state (1 = ACTIVE)",
				ConstLabels: prometheus.Labels{"pin": strconv.Itoa(pin)},
			},
			func() float64 {
				if snapshot()[pin] == types.LineActive {
					return 1
				}
				return 0
			},
		))
	}
}

// RegisterGauge exports an arbitrary value read at scrape time.
func (m *Metrics) RegisterGauge(name, help string, value func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, value))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
