package webmonitor

import "time"

// Config defines the runtime configuration for the HTTP server.
type Config struct {
	Addr             string
	DetectRateLimit  int
	DetectRateWindow time.Duration
	// Layout is the active layout name, shown in the service banner.
	Layout string
}

// DefaultConfig returns the settings of the classroom deployment.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8000",
		DetectRateLimit:  6,
		DetectRateWindow: time.Minute,
		Layout:           "classroom",
	}
}
