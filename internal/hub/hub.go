// Package hub implements the Connection Hub: WebSocket lifecycle, per-IP and
// global connection caps, and the bounded per-connection send queue that
// lets the rest of the server broadcast without ever blocking on a slow
// client. The broadcast-never-blocks discipline (non-blocking channel send,
// drop-and-count on a full buffer) lives here at per-connection granularity
// because fan-out is per-project, not global.
package hub

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/streamroom/streamroom/internal/logger"
	"github.com/streamroom/streamroom/internal/model"
)

// Dispatcher handles one decoded envelope from a connection. Implemented by
// the Message Router; kept as an interface here to avoid an import cycle
// between hub and router.
type Dispatcher interface {
	Dispatch(conn *Connection, env model.Envelope)
	HandleClose(conn *Connection)
}

// AdmissionGate lets the Resource Governor reject new connections while
// the process is over its soft memory limit, independent of the
// connection/per-address caps.
type AdmissionGate interface {
	Allow() bool
}

// Config bounds the Hub's admission and buffering behavior.
type Config struct {
	MaxConnections        int
	MaxConnectionsPerAddr int
	MaxFrameBytes         int64
	RateLimitPerSecond    float64
	RateLimitBurst        int
	PingInterval          time.Duration
	PongTimeout           time.Duration
	SendQueueSize         int
	AllowedOrigins        []string
}

// Hub owns the set of live connections.
type Hub struct {
	cfg        Config
	dispatcher Dispatcher
	upgrader   websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*Connection
	perAddr     map[string]int

	droppedFrames atomic.Int64
	rejectedTotal atomic.Int64
	acceptedTotal atomic.Int64

	gate AdmissionGate
}

// SetGate wires the Resource Governor's admission check. Nil disables it.
func (h *Hub) SetGate(gate AdmissionGate) {
	h.gate = gate
}

// New constructs a Hub. dispatcher may be nil at construction time and set
// later with SetDispatcher, to break the construction-order cycle between
// the Hub and a Router that needs a Hub reference.
func New(cfg Config, dispatcher Dispatcher) *Hub {
	h := &Hub{
		cfg:         cfg,
		dispatcher:  dispatcher,
		connections: make(map[string]*Connection),
		perAddr:     make(map[string]int),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetDispatcher wires the Message Router after both have been constructed.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// Accept upgrades an HTTP request to a WebSocket connection, admitting it
// only if the global and per-address caps allow, and starts its reader and
// writer tasks. Returns nil and writes the HTTP error itself if admission
// fails before upgrade, or if the upgrade itself fails.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, remoteAddr string) *Connection {
	if h.gate != nil && !h.gate.Allow() {
		http.Error(w, "server over resource budget", http.StatusTooManyRequests)
		h.rejectedTotal.Add(1)
		return nil
	}
	if !h.admit(remoteAddr) {
		http.Error(w, "connection limit reached", http.StatusTooManyRequests)
		h.rejectedTotal.Add(1)
		return nil
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release(remoteAddr)
		logger.Hub().Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	c := &Connection{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		conn:       conn,
		send:       make(chan []byte, h.cfg.SendQueueSize),
		hub:        h,
		limiter:    rate.NewLimiter(rate.Limit(h.cfg.RateLimitPerSecond), h.cfg.RateLimitBurst),
		subs:       make(map[string]bool),
	}
	c.lastPong.Store(time.Now())

	h.mu.Lock()
	h.connections[c.ID] = c
	h.mu.Unlock()
	h.acceptedTotal.Add(1)

	logger.Hub().Info().Str("conn_id", c.ID).Str("remote_addr", remoteAddr).Msg("connection accepted")

	go c.writePump(h.cfg.PingInterval, h.cfg.PongTimeout)
	go c.readPump(h.cfg.MaxFrameBytes)

	return c
}

func (h *Hub) admit(addr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, n := range h.perAddr {
		total += n
	}
	if h.cfg.MaxConnections > 0 && total >= h.cfg.MaxConnections {
		return false
	}
	if h.cfg.MaxConnectionsPerAddr > 0 && h.perAddr[addr] >= h.cfg.MaxConnectionsPerAddr {
		return false
	}
	h.perAddr[addr]++
	return true
}

func (h *Hub) release(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.perAddr[addr] > 0 {
		h.perAddr[addr]--
		if h.perAddr[addr] == 0 {
			delete(h.perAddr, addr)
		}
	}
}

// unregister removes a connection and notifies the dispatcher so it can
// tear down subscriptions. Called exactly once, from the connection's
// readPump on exit.
func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	_, existed := h.connections[c.ID]
	delete(h.connections, c.ID)
	h.mu.Unlock()
	if !existed {
		return
	}
	h.release(c.RemoteAddr)
	if h.dispatcher != nil {
		h.dispatcher.HandleClose(c)
	}
	logger.Hub().Info().Str("conn_id", c.ID).Msg("connection closed")
}

// Get returns the live connection for id, or nil if it is not (or no
// longer) registered.
func (h *Hub) Get(id string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connections[id]
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// RecordDrop increments the dropped-broadcast counter. Called by the
// Subscription Fabric whenever a connection's outbound queue is full.
func (h *Hub) RecordDrop() {
	h.droppedFrames.Add(1)
}

// DroppedFrames returns the cumulative count of dropped broadcast frames.
func (h *Hub) DroppedFrames() int64 {
	return h.droppedFrames.Load()
}

// Stats is a point-in-time snapshot of hub-level counters.
type Stats struct {
	Connections int
	Accepted    int64
	Rejected    int64
	Dropped     int64
}

// Snapshot returns the current hub counters.
func (h *Hub) Snapshot() Stats {
	return Stats{
		Connections: h.Count(),
		Accepted:    h.acceptedTotal.Load(),
		Rejected:    h.rejectedTotal.Load(),
		Dropped:     h.droppedFrames.Load(),
	}
}
