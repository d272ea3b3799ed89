// Package config holds the runtime configuration of the zone relay service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/internal/sampler"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// Relay driver kinds accepted by RelayDriver.
const (
	DriverSimulated = "sim"
	DriverGPIO      = "gpio"
	DriverSerial    = "serial"
	DriverMQTT      = "mqtt"
)

const defaultConfidence = 0.25

// Config defines the runtime configuration. Values come from DefaultConfig,
// then the environment (and a .env file), then command-line flags.
type Config struct {
	Addr     string
	LogLevel string
	LogColor bool

	// Profile names a built-in layout; LayoutFile, when set, wins over it.
	Profile    string
	LayoutFile string

	SessionDuration time.Duration
	FrameSkip       int
	// Confidence of 0 defers to the layout, then to 0.25.
	Confidence float64
	Interval   time.Duration
	Policy     string

	// CameraDevice is a V4L2 index or video path; empty selects synthetic frames.
	CameraDevice string
	FrameWidth   int
	FrameHeight  int
	FrameRate    float64

	// ModelPath is a YOLOv8 ONNX export; empty selects the simulated detector.
	ModelPath   string
	ONNXLibrary string
	ONNXThreads int

	RelayDriver string
	GPIOChip    string
	SerialPort  string
	SerialBaud  int

	// MQTTBroker enables the session publisher even when relays are not on MQTT.
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTPrefix   string

	DetectRateLimit  int
	DetectRateWindow time.Duration
	PreviewInterval  time.Duration
	STUNServers      []string
	MaxWebRTCClients int
}

// DefaultConfig returns the configuration of the classroom deployment.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8000",
		LogLevel:         "info",
		Profile:          "classroom",
		SessionDuration:  5 * time.Second,
		FrameSkip:        5,
		Interval:         6 * time.Second,
		Policy:           string(types.PolicyReplace),
		FrameWidth:       640,
		FrameHeight:      480,
		FrameRate:        15,
		ONNXLibrary:      "/usr/lib/libonnxruntime.so",
		ONNXThreads:      2,
		RelayDriver:      DriverSimulated,
		GPIOChip:         "gpiochip0",
		SerialBaud:       9600,
		MQTTClientID:     "zonerelay",
		MQTTPrefix:       "zonerelay",
		DetectRateLimit:  6,
		DetectRateWindow: time.Minute,
		PreviewInterval:  200 * time.Millisecond,
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		MaxWebRTCClients: 4,
	}
}

// Load returns DefaultConfig overlaid with the environment. A .env file in
// the working directory is read first if present. Variables that fail to
// parse keep their default and are returned as warnings, since the logger is
// usually not initialised yet.
func Load() (Config, []error) {
	_ = godotenv.Load()
	cfg := DefaultConfig()
	warnings := cfg.ApplyEnv()
	return cfg, warnings
}

// ApplyEnv overlays ZONERELAY_* and MQTT_* environment variables onto c and
// returns one error per value that could not be parsed.
func (c *Config) ApplyEnv() []error {
	var env envReader
	c.Addr = getEnv("ZONERELAY_ADDR", c.Addr)
	c.LogLevel = getEnv("ZONERELAY_LOG_LEVEL", c.LogLevel)
	c.LogColor = env.Bool("ZONERELAY_LOG_COLOR", c.LogColor)

	c.Profile = getEnv("ZONERELAY_PROFILE", c.Profile)
	c.LayoutFile = getEnv("ZONERELAY_LAYOUT_FILE", c.LayoutFile)

	c.SessionDuration = env.Duration("ZONERELAY_SESSION_DURATION", c.SessionDuration)
	c.FrameSkip = env.Int("ZONERELAY_FRAME_SKIP", c.FrameSkip)
	c.Confidence = env.Float("ZONERELAY_CONFIDENCE", c.Confidence)
	c.Interval = env.Duration("ZONERELAY_INTERVAL", c.Interval)
	c.Policy = getEnv("ZONERELAY_POLICY", c.Policy)

	c.CameraDevice = getEnv("ZONERELAY_CAMERA", c.CameraDevice)
	c.FrameWidth = env.Int("ZONERELAY_FRAME_WIDTH", c.FrameWidth)
	c.FrameHeight = env.Int("ZONERELAY_FRAME_HEIGHT", c.FrameHeight)
	c.FrameRate = env.Float("ZONERELAY_FRAME_RATE", c.FrameRate)

	c.ModelPath = getEnv("ZONERELAY_MODEL_PATH", c.ModelPath)
	c.ONNXLibrary = getEnv("ZONERELAY_ONNX_LIBRARY", c.ONNXLibrary)
	c.ONNXThreads = env.Int("ZONERELAY_ONNX_THREADS", c.ONNXThreads)

	c.RelayDriver = getEnv("ZONERELAY_RELAY_DRIVER", c.RelayDriver)
	c.GPIOChip = getEnv("ZONERELAY_GPIO_CHIP", c.GPIOChip)
	c.SerialPort = getEnv("ZONERELAY_SERIAL_PORT", c.SerialPort)
	c.SerialBaud = env.Int("ZONERELAY_SERIAL_BAUD", c.SerialBaud)

	c.MQTTBroker = getEnv("MQTT_BROKER", c.MQTTBroker)
	c.MQTTClientID = getEnv("MQTT_CLIENT_ID", c.MQTTClientID)
	c.MQTTUsername = getEnv("MQTT_USERNAME", c.MQTTUsername)
	c.MQTTPassword = getEnv("MQTT_PASSWORD", c.MQTTPassword)
	c.MQTTPrefix = getEnv("MQTT_TOPIC_PREFIX", c.MQTTPrefix)

	c.DetectRateLimit = env.Int("ZONERELAY_DETECT_RATE_LIMIT", c.DetectRateLimit)
	c.DetectRateWindow = env.Duration("ZONERELAY_DETECT_RATE_WINDOW", c.DetectRateWindow)
	c.PreviewInterval = env.Duration("ZONERELAY_PREVIEW_INTERVAL", c.PreviewInterval)
	if v := os.Getenv("ZONERELAY_STUN_SERVERS"); v != "" {
		c.STUNServers = splitList(v)
	}
	c.MaxWebRTCClients = env.Int("ZONERELAY_WEBRTC_MAX_CLIENTS", c.MaxWebRTCClients)
	return env.errs
}

// OccupancyPolicy parses Policy.
func (c Config) OccupancyPolicy() (types.OccupancyPolicy, error) {
	switch p := types.OccupancyPolicy(strings.ToLower(c.Policy)); p {
	case types.PolicyReplace, types.PolicyUnion:
		return p, nil
	default:
		return "", fmt.Errorf("unknown occupancy policy %q", c.Policy)
	}
}

// SessionParams resolves the sampler parameters against the active layout.
func (c Config) SessionParams(layout Layout) sampler.Params {
	conf := c.Confidence
	if conf <= 0 {
		conf = layout.Confidence
	}
	if conf <= 0 {
		conf = defaultConfidence
	}
	return sampler.Params{
		Duration:   c.SessionDuration,
		FrameSkip:  c.FrameSkip,
		Confidence: float32(conf),
	}
}

// MockMode reports whether any of camera, detector or relays is simulated.
func (c Config) MockMode() bool {
	return c.CameraDevice == "" || c.ModelPath == "" || c.RelayDriver == DriverSimulated
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LayoutFile == "" {
		if _, ok := profiles[c.Profile]; !ok {
			errs = append(errs, fmt.Errorf("unknown layout profile %q", c.Profile))
		}
	}
	if c.SessionDuration <= 0 {
		errs = append(errs, fmt.Errorf("session duration must be positive, got %v", c.SessionDuration))
	}
	if c.FrameSkip < 1 {
		errs = append(errs, fmt.Errorf("frame skip must be >= 1, got %d", c.FrameSkip))
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence must be within [0,1], got %v", c.Confidence))
	}
	if c.Interval < 0 {
		errs = append(errs, fmt.Errorf("interval must not be negative, got %v", c.Interval))
	}
	if _, err := c.OccupancyPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive, got %dx%d", c.FrameWidth, c.FrameHeight))
	}
	if c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("frame rate must be positive, got %v", c.FrameRate))
	}

	switch c.RelayDriver {
	case DriverSimulated, DriverGPIO:
	case DriverSerial:
		if c.SerialPort == "" {
			errs = append(errs, errors.New("serial relay driver needs a serial port"))
		}
		if c.SerialBaud <= 0 {
			errs = append(errs, fmt.Errorf("serial baud must be positive, got %d", c.SerialBaud))
		}
	case DriverMQTT:
		if c.MQTTBroker == "" {
			errs = append(errs, errors.New("mqtt relay driver needs a broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay driver %q", c.RelayDriver))
	}

	if c.DetectRateLimit < 1 || c.DetectRateWindow <= 0 {
		errs = append(errs, fmt.Errorf("detect rate limit must be positive, got %d per %v", c.DetectRateLimit, c.DetectRateWindow))
	}
	if c.PreviewInterval <= 0 {
		errs = append(errs, fmt.Errorf("preview interval must be positive, got %v", c.PreviewInterval))
	}
	if c.MaxWebRTCClients < 0 {
		errs = append(errs, fmt.Errorf("webrtc client limit must not be negative, got %d", c.MaxWebRTCClients))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// envReader parses typed environment values and collects parse failures.
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, kind string, err error) {
	r.errs = append(r.errs, fmt.Errorf("failed to parse %s as %s, using default: %w", key, kind, err))
}

func (r *envReader) Int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.fail(key, "int", err)
		return defaultValue
	}
	return n
}

func (r *envReader) Float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail(key, "float", err)
		return defaultValue
	}
	return f
}

func (r *envReader) Bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(key, "bool", err)
		return defaultValue
	}
	return b
}

func (r *envReader) Duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, "duration", err)
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
