package preview

import (
	"context"
	"sync"
	"time"

	"github.com/campus-energy/zonerelay/internal/camera"
	"github.com/campus-energy/zonerelay/internal/grid"
	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// SourceFunc returns the frame source to preview, opening it if necessary.
type SourceFunc func() (camera.Source, error)

// Broadcaster captures, annotates and fans JPEG frames out to MJPEG clients.
// It captures only while at least one client is subscribed.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	closed  bool

	source   SourceFunc
	grid     grid.Grid
	interval time.Duration
	quality  int

	occMu    sync.RWMutex
	occupied types.OccupancySet
}

func NewBroadcaster(source SourceFunc, g grid.Grid, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Broadcaster{
		clients:  make(map[int]chan []byte),
		source:   source,
		grid:     g,
		interval: interval,
		quality:  75,
		occupied: types.NewOccupancySet(),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
// Once Run has returned the channel comes back closed.
func (b *Broadcaster) Subscribe() (int, <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan []byte, 2)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	logger.Debug("Preview", "client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("Preview", "client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// SessionFinished highlights the zones of the latest successful session.
func (b *Broadcaster) SessionFinished(res types.SessionResult, err error) {
	if err != nil {
		return
	}
	occ := types.NewOccupancySet(res.OccupiedZones...)
	b.occMu.Lock()
	b.occupied = occ
	b.occMu.Unlock()
}

// Run produces frames until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
		}

		if b.clientCount() == 0 {
			idle++
			if idle%100 == 0 {
				logger.Debug("Preview", "no clients connected (idle for %d ticks)", idle)
			}
			continue
		}
		idle = 0

		frame, err := b.render(ctx)
		if err != nil {
			logger.Debug("Preview", "frame skipped: %v", err)
			continue
		}
		b.broadcast(frame)
	}
}

func (b *Broadcaster) render(ctx context.Context) ([]byte, error) {
	src, err := b.source()
	if err != nil {
		return nil, err
	}
	img, err := src.Capture(ctx)
	if err != nil {
		return nil, err
	}

	b.occMu.RLock()
	occupied := b.occupied
	b.occMu.RUnlock()

	annotated, err := Annotate(img, b.grid, occupied)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(annotated, b.quality)
}

func (b *Broadcaster) clientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) broadcast(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.clients {
		select {
		case ch <- data:
		default:
			// client too slow, it skips this frame
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}
