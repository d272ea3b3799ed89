package webmonitor

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/campus-energy/zonerelay/internal/camera"
	"github.com/campus-energy/zonerelay/internal/controller"
	"github.com/campus-energy/zonerelay/internal/events"
	"github.com/campus-energy/zonerelay/internal/relay"
	"github.com/campus-energy/zonerelay/internal/webrtc"
	"github.com/campus-energy/zonerelay/pkg/types"
)

type fakeController struct {
	mu        sync.Mutex
	result    types.SessionResult
	err       error
	last      *types.SessionResult
	relays    types.RelayLineState
	appliance map[int][]string
	stopped   int
}

func newFakeController() *fakeController {
	return &fakeController{
		relays:    types.RelayLineState{2: types.LineInactive, 17: types.LineInactive},
		appliance: map[int][]string{2: {"Light 1"}, 17: {"Fan 1", "Fan 2"}},
	}
}

func (f *fakeController) Trigger(ctx context.Context) (types.SessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.SessionResult{}, f.err
	}
	res := f.result
	f.last = &res
	return res, nil
}

func (f *fakeController) Status() controller.Status {
	return controller.Status{HardwareStatus: "mock_mode", State: "IDLE", Grid: [2]int{3, 3}, PinsConfigured: true}
}

func (f *fakeController) RelayStatus() []controller.RelayStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []controller.RelayStatus
	for _, pin := range f.relays.Pins() {
		out = append(out, controller.RelayStatus{Pin: pin, Status: f.relays[pin], Appliances: f.appliance[pin]})
	}
	return out
}

func (f *fakeController) SetLine(pin int, state types.LineState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.relays[pin]; !ok {
		return fmt.Errorf("%w: %d", relay.ErrInvalidPin, pin)
	}
	f.relays[pin] = state
	return nil
}

func (f *fakeController) EmergencyStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	for pin := range f.relays {
		f.relays[pin] = types.LineInactive
	}
	return nil
}

func (f *fakeController) LastResult() (types.SessionResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return types.SessionResult{}, false
	}
	return *f.last, true
}

type fakeFrames struct {
	ch chan []byte
}

func (f *fakeFrames) Subscribe() (int, <-chan []byte) { return 1, f.ch }
func (f *fakeFrames) Unsubscribe(int)                 {}

type fakeOffers struct {
	answer []byte
	err    error
}

func (f fakeOffers) HandleOffer([]byte) ([]byte, error) { return f.answer, f.err }

type testEnv struct {
	ctrl   *fakeController
	events *events.Broadcaster
	srv    *Server
}

func newTestEnv(t *testing.T, deps Deps) *testEnv {
	t.Helper()
	env := &testEnv{ctrl: newFakeController(), events: events.NewBroadcaster()}
	t.Cleanup(env.events.Close)
	if deps.Controller == nil {
		deps.Controller = env.ctrl
	}
	deps.Events = env.events
	cfg := DefaultConfig()
	cfg.DetectRateLimit = 100
	env.srv = NewServer(cfg, deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestIndexBanner(t *testing.T) {
	env := newTestEnv(t, Deps{})
	rec := env.do(t, http.MethodGet, "/")

	require.Equal(t, http.StatusOK, rec.Code)
	banner := decode[BannerResponse](t, rec)
	assert.Equal(t, "zonerelay", banner.Service)
	assert.Equal(t, "classroom", banner.Layout)
	assert.Equal(t, "/api/smart-detection/ui", banner.UI)
}

func TestControlUI(t *testing.T) {
	env := newTestEnv(t, Deps{})
	rec := env.do(t, http.MethodGet, "/api/smart-detection/ui")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	for _, needle := range []string{"<title>Zone Relay Control</title>", "/detect", "/emergency-stop", "/relay-status", "/events"} {
		assert.Contains(t, rec.Body.String(), needle)
	}
}

func TestDetectReturnsSessionResult(t *testing.T) {
	env := newTestEnv(t, Deps{})
	env.ctrl.result = types.SessionResult{
		ID:              "abc",
		HumanDetected:   true,
		OccupiedZones:   []types.GridCell{types.Cell(1, 2)},
		RelayStates:     types.RelayLineState{2: types.LineInactive, 17: types.LineActive},
		ProcessedFrames: 4,
		DetectionRate:   50,
	}

	rec := env.do(t, http.MethodPost, "/api/smart-detection/detect")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "abc", body["session_id"])
	assert.Equal(t, true, body["human_detected"])
	assert.Equal(t, []any{[]any{1.0, 2.0}}, body["occupied_zones"])
	assert.Equal(t, map[string]any{"2": "INACTIVE", "17": "ACTIVE"}, body["relay_states"])
	assert.Equal(t, 50.0, body["detection_rate"])
}

func TestDetectErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"busy", controller.ErrBusy, http.StatusConflict},
		{"camera", fmt.Errorf("open: %w", camera.ErrCameraUnavailable), http.StatusServiceUnavailable},
		{"other", errors.New("relay bus fault"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Deps{})
			env.ctrl.err = tc.err

			rec := env.do(t, http.MethodPost, "/api/smart-detection/detect")
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, tc.err.Error(), decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestDetectIsRateLimited(t *testing.T) {
	ctrl := newFakeController()
	cfg := DefaultConfig()
	cfg.DetectRateLimit = 1
	srv := NewServer(cfg, Deps{Controller: ctrl, Events: events.NewBroadcaster()})
	handler := srv.Handler()

	codes := make([]int, 0, 2)
	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/api/smart-detection/detect", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestDetectRequiresPost(t *testing.T) {
	env := newTestEnv(t, Deps{})
	rec := env.do(t, http.MethodGet, "/api/smart-detection/detect")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusAndRelayStatus(t *testing.T) {
	env := newTestEnv(t, Deps{})

	rec := env.do(t, http.MethodGet, "/api/smart-detection/status")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.Equal(t, "mock_mode", status["hardware_status"])
	assert.Equal(t, true, status["relay_pins_configured"])
	assert.Contains(t, status, "camera_available")
	assert.Contains(t, status, "ai_model_loaded")

	rec = env.do(t, http.MethodGet, "/api/smart-detection/relay-status")
	require.Equal(t, http.StatusOK, rec.Code)
	relays := decode[RelayStatusResponse](t, rec)
	require.Len(t, relays.Relays, 2)
	assert.Equal(t, 17, relays.Relays[1].Pin)
	assert.Equal(t, types.LineInactive, relays.Relays[1].Status)
	assert.Equal(t, []string{"Fan 1", "Fan 2"}, relays.Relays[1].Appliances)
}

func TestManualControl(t *testing.T) {
	env := newTestEnv(t, Deps{})
	_, ch := env.events.Subscribe()

	rec := env.do(t, http.MethodPost, "/api/smart-detection/manual-control/17/ON")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ManualControlResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, 17, resp.Pin)
	assert.Equal(t, types.LineActive, resp.Status)
	assert.Equal(t, types.LineActive, env.ctrl.relays[17])

	select {
	case ev := <-ch:
		assert.Contains(t, string(ev.JSONData), `"kind":"relay"`)
		assert.Contains(t, string(ev.JSONData), `"17":"ACTIVE"`)
	case <-time.After(time.Second):
		t.Fatal("no relay event published")
	}
}

func TestManualControlRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, Deps{})
	for _, path := range []string{
		"/api/smart-detection/manual-control/abc/on",
		"/api/smart-detection/manual-control/2/toggle",
		"/api/smart-detection/manual-control/5/on",
	} {
		rec := env.do(t, http.MethodPost, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error, path)
	}
	assert.Equal(t, types.LineInactive, env.ctrl.relays[2])
}

func TestEmergencyStop(t *testing.T) {
	env := newTestEnv(t, Deps{})
	env.ctrl.relays[2] = types.LineActive

	rec := env.do(t, http.MethodPost, "/api/smart-detection/emergency-stop")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[EmergencyStopResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Greater(t, resp.Timestamp, 0.0)
	assert.Equal(t, 1, env.ctrl.stopped)
	assert.Equal(t, types.LineInactive, env.ctrl.relays[2])
}

type recordingRelays struct {
	updates []types.RelayLineState
}

func (r *recordingRelays) RelaysChanged(states types.RelayLineState) {
	r.updates = append(r.updates, states)
}

func TestRelayObserversSeeManualAndEmergencyChanges(t *testing.T) {
	observer := &recordingRelays{}
	env := newTestEnv(t, Deps{RelayObservers: []RelayObserver{observer}})

	rec := env.do(t, http.MethodPost, "/api/smart-detection/manual-control/17/on")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/smart-detection/emergency-stop")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, observer.updates, 2)
	assert.Equal(t, types.LineActive, observer.updates[0][17])
	for pin, state := range observer.updates[1] {
		assert.Equal(t, types.LineInactive, state, "pin %d", pin)
	}

	rec = env.do(t, http.MethodPost, "/api/smart-detection/manual-control/5/on")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, observer.updates, 2)
}

func TestLastResult(t *testing.T) {
	env := newTestEnv(t, Deps{})

	rec := env.do(t, http.MethodGet, "/api/smart-detection/last-result")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.ctrl.result = types.SessionResult{ID: "s1"}
	env.do(t, http.MethodPost, "/api/smart-detection/detect")

	rec = env.do(t, http.MethodGet, "/api/smart-detection/last-result")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", decode[map[string]any](t, rec)["session_id"])
}

func TestPreviewStreamsFrames(t *testing.T) {
	frames := &fakeFrames{ch: make(chan []byte, 1)}
	frames.ch <- []byte("jpeg-bytes")
	close(frames.ch)
	env := newTestEnv(t, Deps{Preview: frames})

	rec := env.do(t, http.MethodGet, "/api/smart-detection/preview")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", rec.Header().Get("Content-Type"))
	assert.Equal(t, "--frame\r\nContent-Type: image/jpeg\r\n\r\njpeg-bytes\r\n", rec.Body.String())
}

func TestOptionalRoutesDisabled(t *testing.T) {
	env := newTestEnv(t, Deps{})

	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/smart-detection/preview").Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, "/api/smart-detection/webrtc/offer").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/metrics").Code)
}

func TestWebRTCOffer(t *testing.T) {
	cases := []struct {
		name   string
		offers fakeOffers
		want   int
	}{
		{"answer", fakeOffers{answer: []byte(`{"type":"answer","sdp":"v=0"}`)}, http.StatusOK},
		{"invalid", fakeOffers{err: fmt.Errorf("%w: bad", webrtc.ErrInvalidOffer)}, http.StatusBadRequest},
		{"full", fakeOffers{err: webrtc.ErrTooManyClients}, http.StatusServiceUnavailable},
		{"broken", fakeOffers{err: errors.New("ice failure")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Deps{WebRTC: tc.offers})
			rec := env.do(t, http.MethodPost, "/api/smart-detection/webrtc/offer")
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusOK {
				assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, rec.Body.String())
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "zonerelay_sessions_completed_total 1\n")
	})
	env := newTestEnv(t, Deps{Metrics: metrics})

	rec := env.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zonerelay_sessions_completed_total")
}

// readEvent opens the SSE route and returns the first data payload after
// publish has been called.
func readEvent(t *testing.T, env *testEnv, accept string, publish func()) (string, http.Header) {
	t.Helper()
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/smart-detection/events", nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return env.events.Clients() == 1 }, time.Second, 5*time.Millisecond)
	publish()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return strings.TrimSpace(data), resp.Header
		}
	}
}

func TestEventsStreamJSON(t *testing.T) {
	env := newTestEnv(t, Deps{})
	data, header := readEvent(t, env, "", func() {
		env.events.SessionFinished(types.SessionResult{ID: "s42", DetectionRate: 100}, nil)
	})

	assert.Equal(t, "text/event-stream", header.Get("Content-Type"))
	assert.Equal(t, "application/json", header.Get("X-Content-Format"))

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, events.KindSession, ev.Kind)
	require.NotNil(t, ev.Session)
	assert.Equal(t, "s42", ev.Session.ID)
}

func TestEventsStreamProtobuf(t *testing.T) {
	env := newTestEnv(t, Deps{})
	data, header := readEvent(t, env, "application/x-protobuf", func() {
		env.events.SessionFinished(types.SessionResult{}, camera.ErrCameraUnavailable)
	})

	assert.Equal(t, "application/protobuf", header.Get("X-Content-Format"))

	raw, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	fields := st.AsMap()
	assert.Equal(t, events.KindSession, fields["kind"])
	assert.Equal(t, camera.ErrCameraUnavailable.Error(), fields["error"])
}
