// Package realtime pushes risk alerts to auditors over WebSocket.
//
// Clients connect to /ws and may send a Subscription at any time to narrow
// what they receive.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/auditrisk/internal/feedback"
	"github.com/mbd888/auditrisk/internal/metrics"
	"github.com/mbd888/auditrisk/internal/txn"
)

// DefaultMaxClients caps concurrent connections.
const DefaultMaxClients = 10000

// Hub fans events out to connected clients. All membership changes happen
// on the Run goroutine.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxClients int

	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]struct{}

	running       atomic.Bool
	events        atomic.Int64
	droppedEvents atomic.Int64
	slowClients   atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMaxClients overrides DefaultMaxClients.
func WithMaxClients(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithAllowedOrigins admits browser connections from these origins in
// addition to the serving host.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = originChecker(origins) }
}

func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:     logger,
		maxClients: DefaultMaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(nil),
		},
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	h.logger.Info("realtime hub started")
	defer func() {
		h.running.Store(false)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.dropLocked(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "clients", n)

		case e := <-h.broadcast:
			h.fanout(e)
		}
	}
}

// fanout delivers e to matching clients. A client whose buffer is full is
// disconnected rather than allowed to stall the hub.
func (h *Hub) fanout(e *Event) {
	h.events.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event", "type", e.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if _, ok := h.clients[c]; ok {
			h.dropLocked(c)
			h.slowClients.Add(1)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow websocket clients", "count", len(slow))
}

func (h *Hub) dropLocked(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// Broadcast queues e without blocking; when the queue is full the event is
// dropped.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.broadcast <- e:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast queue full, dropping event", "type", e.Type)
	}
}

// BroadcastAlert publishes a scored transaction as a risk alert.
func (h *Hub) BroadcastAlert(s *txn.ScoredTransaction) {
	metrics.AlertsBroadcast.Inc()
	h.Broadcast(&Event{Type: EventRiskAlert, Timestamp: time.Now().UTC(), Data: NewAlert(s)})
}

// BroadcastBatch publishes a batch summary.
func (h *Hub) BroadcastBatch(summary *BatchSummary) {
	h.Broadcast(&Event{Type: EventBatchScored, Timestamp: time.Now().UTC(), Data: summary})
}

// BroadcastFeedback publishes an auditor decision.
func (h *Hub) BroadcastFeedback(e *feedback.Entry) {
	h.Broadcast(&Event{Type: EventFeedback, Timestamp: time.Now().UTC(), Data: e})
}

// Running reports whether Run is active.
func (h *Hub) Running() bool { return h.running.Load() }

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	SlowClients      int64 `json:"slowClients"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peakClients.Load(),
		TotalClients:     h.totalClients.Load(),
		TotalEvents:      h.events.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		SlowClients:      h.slowClients.Load(),
	}
}

// HandleWebSocket upgrades the request and registers the client with a
// subscription to everything.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().ConnectedClients >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}
