package relay

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campus-energy/zonerelay/pkg/types"
)

var classroomPins = []int{2, 3, 4, 17}

// failingDriver reports an error on every write after recording it.
type failingDriver struct {
	*Simulated
}

func (f failingDriver) AllOff() error {
	_ = f.Simulated.AllOff()
	return errors.New("bus fault")
}

func (f failingDriver) SetLine(pin int, state types.LineState) error {
	return errors.New("bus fault")
}

func TestParseAction(t *testing.T) {
	s, err := ParseAction("ON")
	require.NoError(t, err)
	assert.Equal(t, types.LineActive, s)

	s, err = ParseAction("off")
	require.NoError(t, err)
	assert.Equal(t, types.LineInactive, s)

	_, err = ParseAction("toggle")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestBankApplyBatch(t *testing.T) {
	sim := NewSimulated(classroomPins)
	bank := NewBank(sim, classroomPins)

	states := types.RelayLineState{2: types.LineInactive, 3: types.LineInactive, 4: types.LineActive, 17: types.LineActive}
	require.NoError(t, bank.Apply(states))

	assert.Equal(t, states, bank.Snapshot())
	assert.Equal(t, states, sim.Lines())
	assert.Equal(t, 1, sim.Writes(), "batch drivers are written once")
}

func TestBankRejectsUnknownPin(t *testing.T) {
	sim := NewSimulated(classroomPins)
	bank := NewBank(sim, classroomPins)

	err := bank.SetLine(5, types.LineActive)
	assert.ErrorIs(t, err, ErrInvalidPin)

	err = bank.Apply(types.RelayLineState{2: types.LineActive, 99: types.LineActive})
	assert.ErrorIs(t, err, ErrInvalidPin)

	assert.Equal(t, 0, sim.Writes())
	for _, s := range bank.Snapshot() {
		assert.Equal(t, types.LineInactive, s)
	}
}

func TestBankAllOffRecordsInactiveOnDriverError(t *testing.T) {
	sim := NewSimulated(classroomPins)
	bank := NewBank(failingDriver{sim}, classroomPins)
	bank.states[4] = types.LineActive

	err := bank.AllOff()
	require.Error(t, err)

	for pin, s := range bank.Snapshot() {
		assert.Equal(t, types.LineInactive, s, "pin %d", pin)
	}
}

func TestBankApplySinceDiscardsAfterAllOff(t *testing.T) {
	sim := NewSimulated(classroomPins)
	bank := NewBank(sim, classroomPins)

	epoch := bank.Epoch()
	require.NoError(t, bank.AllOff())

	applied, err := bank.ApplySince(epoch, types.RelayLineState{4: types.LineActive})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, types.LineInactive, bank.Snapshot()[4])

	applied, err = bank.ApplySince(bank.Epoch(), types.RelayLineState{4: types.LineActive})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, types.LineActive, bank.Snapshot()[4])
}

func TestBankConcurrentAllOff(t *testing.T) {
	sim := NewSimulated(classroomPins)
	bank := NewBank(sim, classroomPins)
	on := types.RelayLineState{2: types.LineActive, 3: types.LineActive, 4: types.LineActive, 17: types.LineActive}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = bank.Apply(on)
		}()
		go func() {
			defer wg.Done()
			_ = bank.AllOff()
		}()
	}
	wg.Wait()

	// Every batch is atomic: either all pins on or all off.
	snap := bank.Snapshot()
	first := snap[2]
	for _, s := range snap {
		assert.Equal(t, first, s)
	}
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestSerialFrames(t *testing.T) {
	var buf bytes.Buffer
	s, err := NewSerial(nopCloser{&buf}, []int{17, 2})
	require.NoError(t, err)

	require.NoError(t, s.SetLine(2, types.LineActive))
	assert.Equal(t, []byte{0xA0, 0x01, 0x01, 0xA2}, buf.Bytes())

	buf.Reset()
	require.NoError(t, s.SetLine(17, types.LineInactive))
	assert.Equal(t, []byte{0xA0, 0x02, 0x00, 0xA2}, buf.Bytes())

	buf.Reset()
	require.NoError(t, s.AllOff())
	assert.Len(t, buf.Bytes(), 8)

	assert.ErrorIs(t, s.SetLine(3, types.LineActive), ErrInvalidPin)
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string]string
}

func (p *recordingPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string]string)
	}
	p.messages[topic] = payload.(string)
	return &paho.DummyToken{}
}

func TestMQTTDriverTopics(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMQTT(pub, "campus/room101", classroomPins)

	require.NoError(t, m.SetLine(4, types.LineActive))
	assert.Equal(t, "ON", pub.messages["campus/room101/relay/4/set"])

	require.NoError(t, m.AllOff())
	assert.Len(t, pub.messages, 4)
	for topic, payload := range pub.messages {
		assert.Equal(t, "OFF", payload, topic)
	}
}
