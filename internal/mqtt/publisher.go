package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// Publisher is the part of paho.Client used for publishing.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// sessionMessage is the payload on <prefix>/session.
type sessionMessage struct {
	SessionID     string                  `json:"session_id,omitempty"`
	FinishedAt    time.Time               `json:"finished_at"`
	OK            bool                    `json:"ok"`
	Error         string                  `json:"error,omitempty"`
	HumanDetected bool                    `json:"human_detected"`
	OccupiedZones []types.GridCell        `json:"occupied_zones"`
	Commands      []types.ActuatorCommand `json:"commands,omitempty"`
	DetectionRate float64                 `json:"detection_rate"`
}

// outcome is one queued publish. A nil session means a relay-only update.
type outcome struct {
	session *types.SessionResult
	err     error
	relays  types.RelayLineState
}

// SessionPublisher publishes each session outcome to <prefix>/session and the
// relay states, retained, to <prefix>/relays. A failed session publishes the
// lines as they are after the forced all-off, and manual changes publish
// the relays topic alone. Outcomes are queued so callers never wait on the
// broker.
type SessionPublisher struct {
	client   Publisher
	prefix   string
	snapshot func() types.RelayLineState
	queue    chan outcome
}

// NewSessionPublisher returns a publisher. snapshot reports the current line
// states and may be nil, in which case failed sessions leave <prefix>/relays
// untouched.
func NewSessionPublisher(client Publisher, prefix string, snapshot func() types.RelayLineState) *SessionPublisher {
	return &SessionPublisher{client: client, prefix: prefix, snapshot: snapshot, queue: make(chan outcome, 16)}
}

// SessionFinished queues an outcome, dropping it if the queue is full.
func (p *SessionPublisher) SessionFinished(res types.SessionResult, err error) {
	relays := res.RelayStates
	if err != nil {
		relays = nil
		if p.snapshot != nil {
			relays = p.snapshot()
		}
	}
	p.enqueue(outcome{session: &res, err: err, relays: relays.Clone()}, "session "+res.ID)
}

// RelaysChanged queues a retained relay state update.
func (p *SessionPublisher) RelaysChanged(states types.RelayLineState) {
	p.enqueue(outcome{relays: states.Clone()}, "relay update")
}

func (p *SessionPublisher) enqueue(o outcome, what string) {
	select {
	case p.queue <- o:
	default:
		logger.Warn("MQTT", "publish queue full, %s dropped", what)
	}
}

// Start publishes queued outcomes until ctx is cancelled.
func (p *SessionPublisher) Start(ctx context.Context) {
	logger.Info("MQTT", "session publisher started (prefix %s)", p.prefix)
	for {
		select {
		case <-ctx.Done():
			logger.Info("MQTT", "session publisher stopped")
			return
		case o := <-p.queue:
			if err := p.publish(o); err != nil {
				logger.Warn("MQTT", "publish: %v", err)
			}
		}
	}
}

func (p *SessionPublisher) publish(o outcome) error {
	if o.session != nil {
		if err := p.publishSession(*o.session, o.err); err != nil {
			return err
		}
	}
	if len(o.relays) == 0 {
		return nil
	}
	relays, err := json.Marshal(o.relays)
	if err != nil {
		return err
	}
	if err := wait(p.client.Publish(p.prefix+"/relays", 1, true, relays)); err != nil {
		return fmt.Errorf("%s/relays: %w", p.prefix, err)
	}
	return nil
}

func (p *SessionPublisher) publishSession(res types.SessionResult, sessionErr error) error {
	msg := sessionMessage{
		SessionID:     res.ID,
		FinishedAt:    res.FinishedAt,
		OK:            sessionErr == nil,
		HumanDetected: res.HumanDetected,
		OccupiedZones: res.OccupiedZones,
		Commands:      res.Commands,
		DetectionRate: res.DetectionRate,
	}
	if sessionErr != nil {
		msg.Error = sessionErr.Error()
	}
	if msg.OccupiedZones == nil {
		msg.OccupiedZones = []types.GridCell{}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := wait(p.client.Publish(p.prefix+"/session", 1, false, payload)); err != nil {
		return fmt.Errorf("%s/session: %w", p.prefix, err)
	}
	return nil
}

func wait(t paho.Token) error {
	if !t.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("timed out")
	}
	return t.Error()
}
