// Package webmonitor serves the HTTP API, the control page and the live feeds.
package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"

	"github.com/campus-energy/zonerelay/internal/camera"
	"github.com/campus-energy/zonerelay/internal/controller"
	"github.com/campus-energy/zonerelay/internal/detector"
	"github.com/campus-energy/zonerelay/internal/events"
	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/internal/relay"
	"github.com/campus-energy/zonerelay/internal/sampler"
	"github.com/campus-energy/zonerelay/internal/webrtc"
	"github.com/campus-energy/zonerelay/pkg/types"
)

const apiPrefix = "/api/smart-detection"

// Controller is the part of controller.Controller the API drives.
type Controller interface {
	Trigger(ctx context.Context) (types.SessionResult, error)
	Status() controller.Status
	RelayStatus() []controller.RelayStatus
	SetLine(pin int, state types.LineState) error
	EmergencyStop() error
	LastResult() (types.SessionResult, bool)
}

// EventFeed is the session/relay event fan-out.
type EventFeed interface {
	Subscribe() (int, <-chan *events.SerializedEvent)
	Unsubscribe(id int)
	RelaysChanged(states types.RelayLineState)
}

// FrameFeed is the annotated JPEG fan-out.
type FrameFeed interface {
	Subscribe() (int, <-chan []byte)
	Unsubscribe(id int)
}

// RelayObserver is told about relay changes made through the API.
type RelayObserver interface {
	RelaysChanged(states types.RelayLineState)
}

// OfferHandler answers WebRTC offers.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
}

// Deps are the collaborators behind the routes. Controller and Events are
// required; a nil Preview, WebRTC or Metrics disables that route.
type Deps struct {
	Controller     Controller
	Events         EventFeed
	Preview        FrameFeed
	WebRTC         OfferHandler
	Metrics        http.Handler
	RelayObservers []RelayObserver
}

// Server serves the zone relay endpoints.
type Server struct {
	cfg  Config
	deps Deps
}

// NewServer returns a configured server.
func NewServer(cfg Config, deps Deps) *Server {
	def := DefaultConfig()
	if cfg.DetectRateLimit <= 0 {
		cfg.DetectRateLimit = def.DetectRateLimit
	}
	if cfg.DetectRateWindow <= 0 {
		cfg.DetectRateWindow = def.DetectRateWindow
	}
	return &Server{cfg: cfg, deps: deps}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	limited := httprate.Limit(s.cfg.DetectRateLimit, s.cfg.DetectRateWindow, httprate.WithKeyFuncs(httprate.KeyByIP))
	detect := limited(http.HandlerFunc(s.handleDetect))

	router.GET("/", s.handleIndex)
	router.GET(apiPrefix+"/ui", s.handleUI)
	router.Handler(http.MethodPost, apiPrefix+"/detect", detect)
	router.GET(apiPrefix+"/status", s.handleStatus)
	router.GET(apiPrefix+"/relay-status", s.handleRelayStatus)
	router.POST(apiPrefix+"/manual-control/:pin/:action", s.handleManualControl)
	router.POST(apiPrefix+"/emergency-stop", s.handleEmergencyStop)
	router.GET(apiPrefix+"/last-result", s.handleLastResult)
	router.GET(apiPrefix+"/preview", s.handlePreview)
	router.GET(apiPrefix+"/events", s.handleEvents)
	router.POST(apiPrefix+"/webrtc/offer", s.handleWebRTCOffer)
	if s.deps.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		logger.Error("HTTP", "panic serving %s %s: %v", r.Method, r.URL.Path, v)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
	return router
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, BannerResponse{
		Service: "zonerelay",
		Layout:  s.cfg.Layout,
		UI:      apiPrefix + "/ui",
	})
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(controlHTML))
}

// handleDetect runs a session to completion even if the client goes away, so
// a disconnect never turns into an all-off.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Controller.Trigger(context.WithoutCancel(r.Context()))
	if err != nil {
		status := detectErrorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Warn("HTTP", "detection failed: %v", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, res)
}

func detectErrorStatus(err error) int {
	switch {
	case errors.Is(err, controller.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, camera.ErrCameraUnavailable),
		errors.Is(err, detector.ErrModelUnavailable),
		errors.Is(err, sampler.ErrDetectorFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.deps.Controller.Status())
}

func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, RelayStatusResponse{Relays: s.deps.Controller.RelayStatus()})
}

func (s *Server) handleManualControl(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	pin, err := strconv.Atoi(params.ByName("pin"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid pin %q", params.ByName("pin")))
		return
	}
	state, err := relay.ParseAction(params.ByName("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Controller.SetLine(pin, state); err != nil {
		if errors.Is(err, relay.ErrInvalidPin) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("HTTP", "manual control of pin %d failed: %v", pin, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Info("HTTP", "manual control: pin %d -> %s", pin, state)
	s.publishRelays()
	writeJSON(w, ManualControlResponse{
		Success: true,
		Message: fmt.Sprintf("pin %d set to %s", pin, state),
		Pin:     pin,
		Status:  state,
	})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	err := s.deps.Controller.EmergencyStop()
	s.publishRelays()
	if err != nil {
		logger.Error("HTTP", "emergency stop: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, EmergencyStopResponse{
		Success:   true,
		Message:   "all relays turned off",
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Server) handleLastResult(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	res, ok := s.deps.Controller.LastResult()
	if !ok {
		writeError(w, http.StatusNotFound, "no detection session has completed yet")
		return
	}
	writeJSON(w, res)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.Preview == nil {
		writeError(w, http.StatusServiceUnavailable, "preview is disabled")
		return
	}
	id, frameCh := s.deps.Preview.Subscribe()
	defer s.deps.Preview.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, eventCh := s.deps.Events.Subscribe()
	defer s.deps.Events.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh, wantsProtobuf(r))
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.deps.WebRTC == nil {
		writeError(w, http.StatusServiceUnavailable, "webrtc is disabled")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offer data")
		return
	}

	answer, err := s.deps.WebRTC.HandleOffer(body)
	switch {
	case errors.Is(err, webrtc.ErrInvalidOffer):
		writeError(w, http.StatusBadRequest, "invalid offer data")
		return
	case errors.Is(err, webrtc.ErrTooManyClients):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		logger.Error("WebRTC", "offer failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) publishRelays() {
	states := make(types.RelayLineState)
	for _, rs := range s.deps.Controller.RelayStatus() {
		states[rs.Pin] = rs.Status
	}
	s.deps.Events.RelaysChanged(states)
	for _, o := range s.deps.RelayObservers {
		o.RelaysChanged(states)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONWithStatus(w, ErrorResponse{Error: msg}, status)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	data, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = json.Marshal(ErrorResponse{Error: err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
