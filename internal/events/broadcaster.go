// Package events fans session and relay events out to streaming clients.
package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// Event kinds.
const (
	KindSession = "session"
	KindRelay   = "relay"
)

// Event is the payload delivered to SSE and data-channel subscribers.
type Event struct {
	Kind      string               `json:"kind"`
	Timestamp float64              `json:"timestamp"`
	Session   *types.SessionResult `json:"session,omitempty"`
	Relays    types.RelayLineState `json:"relays,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// SerializedEvent holds one event pre-serialized in both wire formats so it is
// encoded once regardless of the number of subscribers.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// Broadcaster fans events out to subscribers. Slow subscribers miss events
// rather than block the publisher.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	buffer  int
	closed  bool
	now     func() time.Time
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		buffer:  8,
		now:     time.Now,
	}
}

// Subscribe adds a client and returns its id and event channel.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	logger.Debug("Events", "client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("Events", "client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the current subscriber count.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close unsubscribes everyone. Later subscribers get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// SessionFinished publishes a session outcome.
func (b *Broadcaster) SessionFinished(res types.SessionResult, err error) {
	ev := Event{Kind: KindSession}
	if err != nil {
		ev.Error = err.Error()
	} else {
		ev.Session = &res
		ev.Relays = res.RelayStates
	}
	b.Publish(ev)
}

// RelaysChanged publishes the relay bank after a manual change or emergency stop.
func (b *Broadcaster) RelaysChanged(states types.RelayLineState) {
	b.Publish(Event{Kind: KindRelay, Relays: states})
}

// Publish serializes ev and delivers it to every subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = float64(b.now().UnixNano()) / 1e9
	}
	serialized, err := Serialize(ev)
	if err != nil {
		logger.Error("Events", "serialize %s event: %v", ev.Kind, err)
		return
	}
	b.broadcast(serialized)
}

// Serialize encodes ev as JSON and as a base64 protobuf Struct.
func Serialize(ev Event) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("json fields: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

func (b *Broadcaster) broadcast(event *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.clients {
		select {
		case ch <- event:
		default:
			logger.Debug("Events", "client #%d too slow, event dropped", id)
		}
	}
}
