package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/streamroom/streamroom/internal/errors"
	"github.com/streamroom/streamroom/internal/logger"
	"github.com/streamroom/streamroom/internal/model"
)

// Connection is one live WebSocket client. It has exactly one reader task
// and one writer task; every outbound write goes through send, its bounded
// queue, never directly to conn.
type Connection struct {
	ID         string
	RemoteAddr string

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	limiter  *rate.Limiter
	lastPong atomic.Value // time.Time

	mu   sync.Mutex
	subs map[string]bool
}

func (c *Connection) readPump(maxFrameBytes int64) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now())
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Hub().Debug().Err(err).Str("conn_id", c.ID).Msg("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if !c.limiter.Allow() {
			c.SendError(apperrors.New(apperrors.CodeResourceLimit, "rate limit exceeded"))
			continue
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.SendError(apperrors.InvalidMessage("malformed envelope"))
			continue
		}
		if env.Type == "" {
			c.SendError(apperrors.InvalidMessage("missing type"))
			continue
		}

		if c.hub.dispatcher != nil {
			c.hub.dispatcher.Dispatch(c, env)
		}
	}
}

func (c *Connection) writePump(pingInterval, pongTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if last, ok := c.lastPong.Load().(time.Time); ok && time.Since(last) > pongTimeout {
				logger.Hub().Info().Str("conn_id", c.ID).Msg("closing stale connection: missed pong")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// GetID returns the connection's stable identifier, satisfying
// subscription.Sender.
func (c *Connection) GetID() string {
	return c.ID
}

// TryEnqueue attempts a non-blocking send of a raw frame. It reports
// whether the frame was enqueued; false means the connection's outbound
// queue was full and the frame was dropped — the caller counts it but
// never retries or blocks.
func (c *Connection) TryEnqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Send marshals v as {type, data} and enqueues it.
func (c *Connection) Send(msgType string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Hub().Error().Err(err).Msg("failed to marshal outbound payload")
		return
	}
	env := model.Envelope{Type: msgType, Data: payload}
	frame, err := json.Marshal(env)
	if err != nil {
		logger.Hub().Error().Err(err).Msg("failed to marshal outbound envelope")
		return
	}
	if !c.TryEnqueue(frame) {
		c.hub.RecordDrop()
	}
}

// SendError enqueues an `error` frame built from an AppError.
func (c *Connection) SendError(err *apperrors.AppError) {
	c.Send(model.TypeError, err.ToFrame())
}

// Subscribe records project in this connection's subscription set. Returns
// false if already subscribed (idempotent join).
func (c *Connection) Subscribe(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[projectID] {
		return false
	}
	c.subs[projectID] = true
	return true
}

// Unsubscribe removes projectID from this connection's subscription set.
func (c *Connection) Unsubscribe(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, projectID)
}

// Subscriptions returns a snapshot of the project IDs this connection has
// joined, used to unwind bindings on close.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for p := range c.subs {
		out = append(out, p)
	}
	return out
}
