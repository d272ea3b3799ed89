// Package mqtt connects to the site broker and publishes session outcomes.
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/campus-energy/zonerelay/internal/logger"
)

// ClientConfig holds MQTT client configuration.
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix roots every topic, e.g. "campus/room101".
	Prefix string
}

// Client manages the broker connection.
type Client struct {
	client paho.Client
	config ClientConfig
}

// NewClient connects to the broker. The connection reconnects on its own afterwards.
func NewClient(config ClientConfig) (*Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("MQTT", "connected to %s", config.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT", "connection lost: %v", err)
	})
	// Broker marks us offline if the connection drops uncleanly.
	opts.SetWill(config.Prefix+"/status", "offline", 1, true)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	token := client.Publish(config.Prefix+"/status", 1, true, "online")
	token.Wait()

	return &Client{client: client, config: config}, nil
}

// Native returns the underlying paho client.
func (c *Client) Native() paho.Client {
	return c.client
}

// Prefix returns the configured topic prefix.
func (c *Client) Prefix() string {
	return c.config.Prefix
}

// IsConnected returns whether the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close publishes the offline status and disconnects.
func (c *Client) Close() {
	c.client.Publish(c.config.Prefix+"/status", 1, true, "offline").WaitTimeout(time.Second)
	c.client.Disconnect(250)
	logger.Info("MQTT", "disconnected")
}
