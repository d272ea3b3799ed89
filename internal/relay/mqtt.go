package relay

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/campus-energy/zonerelay/pkg/types"
)

// Publisher is the part of paho.Client the MQTT driver needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTT drives networked relays (ESP32 or Tasmota style) by publishing a
// retained ON/OFF payload to <prefix>/relay/<pin>/set.
type MQTT struct {
	client  Publisher
	prefix  string
	pins    []int
	timeout time.Duration
}

func NewMQTT(client Publisher, prefix string, pins []int) *MQTT {
	return &MQTT{
		client:  client,
		prefix:  prefix,
		pins:    pinSet(pins).Pins(),
		timeout: 5 * time.Second,
	}
}

// Topic returns the command topic for pin.
func (m *MQTT) Topic(pin int) string {
	return fmt.Sprintf("%s/relay/%d/set", m.prefix, pin)
}

func (m *MQTT) SetLine(pin int, state types.LineState) error {
	payload := "OFF"
	if state == types.LineActive {
		payload = "ON"
	}
	token := m.client.Publish(m.Topic(pin), 1, true, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("publish %s: timed out after %v", m.Topic(pin), m.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.Topic(pin), err)
	}
	return nil
}

func (m *MQTT) AllOff() error {
	return applyEach(m, pinSet(m.pins))
}

// Close is a no-op; the connection belongs to the caller.
func (m *MQTT) Close() error { return nil }
