package webmonitor

import (
	"github.com/campus-energy/zonerelay/internal/controller"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// BannerResponse is the payload for GET /.
type BannerResponse struct {
	Service string `json:"service"`
	Layout  string `json:"layout"`
	UI      string `json:"ui"`
}

// RelayStatusResponse is the payload for /api/smart-detection/relay-status.
type RelayStatusResponse struct {
	Relays []controller.RelayStatus `json:"relays"`
}

// ManualControlResponse is the payload for a successful manual switch.
type ManualControlResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Pin     int             `json:"pin"`
	Status  types.LineState `json:"status"`
}

// EmergencyStopResponse is the payload for /api/smart-detection/emergency-stop.
type EmergencyStopResponse struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
