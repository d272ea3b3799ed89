package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/campus-energy/zonerelay/internal/camera"
	"github.com/campus-energy/zonerelay/internal/config"
	"github.com/campus-energy/zonerelay/internal/controller"
	"github.com/campus-energy/zonerelay/internal/detector"
	"github.com/campus-energy/zonerelay/internal/events"
	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/internal/metrics"
	"github.com/campus-energy/zonerelay/internal/mqtt"
	"github.com/campus-energy/zonerelay/internal/preview"
	"github.com/campus-energy/zonerelay/internal/relay"
	"github.com/campus-energy/zonerelay/internal/sampler"
	"github.com/campus-energy/zonerelay/internal/webmonitor"
	"github.com/campus-energy/zonerelay/internal/webrtc"
)

// Server owns every long-lived component of the service.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg        config.Config
	layout     config.Layout
	controller *controller.Controller
	bank       *relay.Bank
	metrics    *metrics.Metrics
	events     *events.Broadcaster
	preview    *preview.Broadcaster
	webrtc     *webrtc.Server
	mqtt       *mqtt.Client
	publisher  *mqtt.SessionPublisher
	httpServer *http.Server
	pprofAddr  string
	periodic   bool
}

func main() {
	cfg, envWarnings := config.Load()

	var (
		stunServers = strings.Join(cfg.STUNServers, ",")
		pprofAddr   string
		periodic    bool
	)

	flag.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	flag.StringVar(&pprofAddr, "pprof", "", "pprof server address (disabled when empty)")
	flag.StringVar(&cfg.Profile, "profile", cfg.Profile, "Built-in layout profile ("+strings.Join(config.Profiles(), ", ")+")")
	flag.StringVar(&cfg.LayoutFile, "layout", cfg.LayoutFile, "YAML layout file (overrides -profile)")
	flag.DurationVar(&cfg.SessionDuration, "duration", cfg.SessionDuration, "Sampling session duration")
	flag.IntVar(&cfg.FrameSkip, "frame-skip", cfg.FrameSkip, "Process one of every N captured frames")
	flag.Float64Var(&cfg.Confidence, "confidence", cfg.Confidence, "Detection confidence threshold (0 = layout default)")
	flag.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Delay between periodic sessions")
	flag.StringVar(&cfg.Policy, "policy", cfg.Policy, "Occupancy policy (replace, union)")
	flag.BoolVar(&periodic, "periodic", true, "Run sessions continuously in the background")
	flag.StringVar(&cfg.CameraDevice, "camera", cfg.CameraDevice, "Capture device index or URL (synthetic frames when empty)")
	flag.IntVar(&cfg.FrameWidth, "width", cfg.FrameWidth, "Capture width")
	flag.IntVar(&cfg.FrameHeight, "height", cfg.FrameHeight, "Capture height")
	flag.Float64Var(&cfg.FrameRate, "fps", cfg.FrameRate, "Synthetic frame rate")
	flag.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "YOLOv8 ONNX model (simulated detector when empty)")
	flag.StringVar(&cfg.ONNXLibrary, "onnx-lib", cfg.ONNXLibrary, "onnxruntime shared library")
	flag.StringVar(&cfg.RelayDriver, "relay", cfg.RelayDriver, "Relay driver (sim, gpio, serial, mqtt)")
	flag.StringVar(&cfg.GPIOChip, "gpio-chip", cfg.GPIOChip, "GPIO character device")
	flag.StringVar(&cfg.SerialPort, "serial", cfg.SerialPort, "Serial relay board port")
	flag.StringVar(&cfg.MQTTBroker, "mqtt", cfg.MQTTBroker, "MQTT broker URL (publishing disabled when empty)")
	flag.StringVar(&cfg.MQTTPrefix, "mqtt-prefix", cfg.MQTTPrefix, "MQTT topic prefix")
	flag.StringVar(&stunServers, "stun", stunServers, "STUN server URLs (comma-separated)")
	flag.IntVar(&cfg.MaxWebRTCClients, "max-clients", cfg.MaxWebRTCClients, "Maximum WebRTC clients")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
	flag.Parse()

	cfg.STUNServers = nil
	for _, s := range strings.Split(stunServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.STUNServers = append(cfg.STUNServers, s)
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration:\n%v", err)
	}

	// Initialize logger
	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Zone relay controller starting...")
	logger.Info("Main", "Log level: %s", level)
	for _, w := range envWarnings {
		logger.Warn("Config", "%v", w)
	}

	srv, err := NewServer(cfg, pprofAddr, periodic)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer wires the components described by cfg. Layout and mapping
// problems are returned; hardware that is not reachable yet is opened lazily.
func NewServer(cfg config.Config, pprofAddr string, periodic bool) (*Server, error) {
	layout, err := config.LoadLayout(cfg.Profile, cfg.LayoutFile)
	if err != nil {
		return nil, err
	}
	mapper, err := layout.Mapper()
	if err != nil {
		return nil, fmt.Errorf("layout %q: %w", layout.Name, err)
	}
	policy, err := cfg.OccupancyPolicy()
	if err != nil {
		return nil, err
	}

	var mq *mqtt.Client
	if cfg.MQTTBroker != "" {
		mq, err = mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Prefix:   cfg.MQTTPrefix,
		})
		if err != nil {
			return nil, err
		}
	}

	driver, err := openDriver(cfg, mapper.Pins(), mq)
	if err != nil {
		if mq != nil {
			mq.Close()
		}
		return nil, err
	}
	bank := relay.NewBank(driver, mapper.Pins())

	mockMode := cfg.MockMode()
	if cfg.CameraDevice != "" && !camera.Available {
		logger.Warn("Main", "built without gocv, camera %q replaced by synthetic frames", cfg.CameraDevice)
		mockMode = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	ctrl := controller.New(
		controller.Config{
			Params:   cfg.SessionParams(layout),
			Interval: cfg.Interval,
			MockMode: mockMode,
		},
		sampler.New(mapper.Grid(), sampler.WithPolicy(policy)),
		mapper,
		bank,
		sourceOpener(cfg),
		detectorOpener(cfg, layout.TargetClass()),
	)

	m := metrics.New()
	m.RegisterRelays(mapper.Pins(), bank.Snapshot)
	m.RegisterGauge("zonerelay_detect_requests_rejected", "On-demand detections rejected while busy",
		func() float64 { return float64(ctrl.Status().Rejected) })

	ev := events.NewBroadcaster()
	pv := preview.NewBroadcaster(ctrl.Source, mapper.Grid(), cfg.PreviewInterval)
	rtc := webrtc.NewServer(cfg.STUNServers, cfg.MaxWebRTCClients, ev)
	m.RegisterGauge("zonerelay_event_subscribers", "Connected SSE event subscribers",
		func() float64 { return float64(ev.Clients()) })
	m.RegisterGauge("zonerelay_webrtc_clients", "Connected WebRTC clients",
		func() float64 { return float64(rtc.ClientCount()) })

	ctrl.Observe(m)
	ctrl.Observe(ev)
	ctrl.Observe(pv)

	var (
		pub            *mqtt.SessionPublisher
		relayObservers []webmonitor.RelayObserver
	)
	if mq != nil {
		pub = mqtt.NewSessionPublisher(mq.Native(), mq.Prefix(), bank.Snapshot)
		ctrl.Observe(pub)
		relayObservers = append(relayObservers, pub)
	}

	web := webmonitor.NewServer(webmonitor.Config{
		Addr:             cfg.Addr,
		DetectRateLimit:  cfg.DetectRateLimit,
		DetectRateWindow: cfg.DetectRateWindow,
		Layout:           layout.Name,
	}, webmonitor.Deps{
		Controller:     ctrl,
		Events:         ev,
		Preview:        pv,
		WebRTC:         rtc,
		Metrics:        m.Handler(),
		RelayObservers: relayObservers,
	})

	return &Server{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		layout:     layout,
		controller: ctrl,
		bank:       bank,
		metrics:    m,
		events:     ev,
		preview:    pv,
		webrtc:     rtc,
		mqtt:       mq,
		publisher:  pub,
		httpServer: &http.Server{Addr: cfg.Addr, Handler: web.Handler()},
		pprofAddr:  pprofAddr,
		periodic:   periodic,
	}, nil
}

func openDriver(cfg config.Config, pins []int, mq *mqtt.Client) (relay.Driver, error) {
	switch cfg.RelayDriver {
	case config.DriverGPIO:
		d, err := relay.OpenGPIO(cfg.GPIOChip, pins)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DriverSerial:
		d, err := relay.OpenSerial(cfg.SerialPort, cfg.SerialBaud, pins)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.DriverMQTT:
		if mq == nil {
			return nil, errors.New("mqtt relay driver needs a broker")
		}
		return relay.NewMQTT(mq.Native(), mq.Prefix(), pins), nil
	default:
		return relay.NewSimulated(pins), nil
	}
}

func sourceOpener(cfg config.Config) controller.SourceOpener {
	return func() (camera.Source, error) {
		if cfg.CameraDevice != "" && camera.Available {
			src, err := camera.OpenDevice(cfg.CameraDevice, cfg.FrameWidth, cfg.FrameHeight)
			if err != nil {
				return nil, err
			}
			return camera.NewShared(src), nil
		}
		src, err := camera.NewSynthetic(cfg.FrameWidth, cfg.FrameHeight, cfg.FrameRate)
		if err != nil {
			return nil, err
		}
		return camera.NewShared(src), nil
	}
}

func detectorOpener(cfg config.Config, target detector.TargetClass) controller.DetectorOpener {
	return func() (detector.Detector, error) {
		if cfg.ModelPath == "" {
			return detector.NewSimulated(time.Now().UnixNano(), target), nil
		}
		return detector.NewONNX(detector.ONNXConfig{
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.ONNXLibrary,
			Threads:     cfg.ONNXThreads,
			Target:      target,
		})
	}
}

// Start launches the HTTP server and the background workers.
func (s *Server) Start() error {
	logger.Info("Main", "Starting zone relay controller...")
	logger.Info("Main", "  Layout: %s (%dx%d, pins %v)", s.layout.Name, s.layout.Rows, s.layout.Cols, s.bank.Pins())
	logger.Info("Main", "  Target class: %s", s.layout.TargetClass().Label)
	logger.Info("Main", "  Relay driver: %s", s.cfg.RelayDriver)
	logger.Info("Main", "  HTTP server: %s", s.cfg.Addr)
	if s.mqtt != nil {
		logger.Info("Main", "  MQTT: %s (prefix %s)", s.cfg.MQTTBroker, s.cfg.MQTTPrefix)
	}

	// Start from a known state
	if err := s.bank.AllOff(); err != nil {
		return fmt.Errorf("initial all-off: %w", err)
	}

	if s.pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", s.pprofAddr)
			if err := http.ListenAndServe(s.pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.preview.Run(s.ctx)
	}()

	if s.publisher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.publisher.Start(s.ctx)
		}()
	}

	if s.periodic {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.controller.Run(s.ctx); err != nil {
				logger.Error("Main", "periodic detection stopped: %v", err)
			}
		}()
	}

	logger.Info("Main", "Server started successfully")
	return nil
}

// Shutdown stops the workers, drives every relay off and releases hardware.
func (s *Server) Shutdown() error {
	// Stop workers and release streaming clients before the HTTP shutdown.
	s.cancel()
	s.events.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpErr := s.httpServer.Shutdown(ctx)

	s.wg.Wait()

	errs := []error{
		httpErr,
		s.webrtc.Close(),
		s.controller.Close(),
		s.bank.Close(),
	}
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	return errors.Join(errs...)
}
