// Package webrtc pushes session events to browsers over WebRTC data channels.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/campus-energy/zonerelay/internal/events"
	"github.com/campus-energy/zonerelay/internal/logger"
)

var (
	// ErrTooManyClients is returned when the client limit is reached.
	ErrTooManyClients = errors.New("maximum clients reached")
	// ErrInvalidOffer is returned for a body that is not an SDP offer.
	ErrInvalidOffer = errors.New("invalid offer data")
)

// EventSource is the subscription side of events.Broadcaster.
type EventSource interface {
	Subscribe() (int, <-chan *events.SerializedEvent)
	Unsubscribe(id int)
}

// textSender is the part of a data channel the forwarder writes to.
type textSender interface {
	SendText(s string) error
}

// Client is one connected browser.
type Client struct {
	id         string
	peerConn   *webrtc.PeerConnection
	subID      int
	subscribed bool
	closeChan  chan struct{}
	closeOnce  sync.Once
	sent       atomic.Uint64
}

// Server answers offers and forwards every event to each open data channel.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	events     EventSource
}

// NewServer creates a server. With no STUN servers the public Google server is used.
func NewServer(stunServers []string, maxClients int, source EventSource) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		events:     source,
	}
}

// HandleOffer answers a browser offer. The browser is expected to open a data
// channel; events are forwarded on it once it opens.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: expected an sdp offer", ErrInvalidOffer)
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		logger.Debug("WebRTC", "client %s opened data channel %q", client.id, dc.Label())
		dc.OnOpen(func() {
			s.startForwarding(client, dc)
		})
		dc.OnClose(func() {
			s.RemoveClient(client.id)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	logger.Info("WebRTC", "client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

func (s *Server) startForwarding(client *Client, dc textSender) {
	s.clientsMu.Lock()
	if _, ok := s.clients[client.id]; !ok || client.subscribed {
		s.clientsMu.Unlock()
		return
	}
	id, ch := s.events.Subscribe()
	client.subID, client.subscribed = id, true
	s.clientsMu.Unlock()

	go forward(client, dc, ch)
}

// forward relays JSON events until the client closes or the subscription ends.
func forward(client *Client, dc textSender, ch <-chan *events.SerializedEvent) {
	for {
		select {
		case <-client.closeChan:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := dc.SendText(string(ev.JSONData)); err != nil {
				logger.Debug("WebRTC", "client %s send failed: %v", client.id, err)
				return
			}
			client.sent.Add(1)
		}
	}
}

// RemoveClient closes and forgets a client. It is safe to call more than once.
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !exists {
		return
	}
	s.closeClient(client)
	logger.Info("WebRTC", "client %s disconnected (events sent: %d)", clientID, client.sent.Load())
}

func (s *Server) closeClient(client *Client) {
	client.closeOnce.Do(func() {
		close(client.closeChan)
		if client.subscribed {
			s.events.Unsubscribe(client.subID)
		}
		if client.peerConn != nil {
			_ = client.peerConn.Close()
		}
	})
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.clientsMu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for id, c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		s.closeClient(c)
	}
	return nil
}
