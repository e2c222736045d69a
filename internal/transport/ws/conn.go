package ws

import (
	"sync"
	"time"

	"github.com/coder/websocket"
)

// State is the observable status of a room subscription.
type State int

const (
	// StateConnecting means a dial is in progress.
	StateConnecting State = iota
	// StateOpen means a live connection is delivering frames.
	StateOpen
	// StateClosed means there is no live connection; a reconnect may be pending.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameHandler consumes raw inbound frames in arrival order.
type FrameHandler interface {
	HandleFrame(data []byte)
}

// Binder attaches a frame handler to a freshly opened connection.
type Binder interface {
	Install(conn *Conn)
}

// Conn is one underlying websocket connection together with its single
// handler slot. A Conn is never reused after it closes.
type Conn struct {
	id       string
	room     string
	ws       *websocket.Conn
	openedAt time.Time

	mu      sync.Mutex
	handler FrameHandler
}

// NewConn wraps an already dialed websocket opened at openedAt. c may be
// nil for a detached connection that only carries a handler slot.
func NewConn(id, room string, c *websocket.Conn, openedAt time.Time) *Conn {
	return &Conn{id: id, room: room, ws: c, openedAt: openedAt}
}

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.id }

// Room is the room this connection subscribes to.
func (c *Conn) Room() string { return c.room }

// OpenedAt is when the dial completed.
func (c *Conn) OpenedAt() time.Time { return c.openedAt }

// Bind stores h as the connection's handler, replacing any other.
// It reports false when h was already bound. h must be comparable.
func (c *Conn) Bind(h FrameHandler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == h {
		return false
	}
	c.handler = h
	return true
}

// Unbind drops the handler. Frames arriving afterwards are discarded until
// a handler is bound again.
func (c *Conn) Unbind() {
	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()
}

// Handler returns the bound handler or nil.
func (c *Conn) Handler() FrameHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Dispatch hands data to the bound handler and reports whether one was bound.
func (c *Conn) Dispatch(data []byte) bool {
	h := c.Handler()
	if h == nil {
		return false
	}
	h.HandleFrame(data)
	return true
}
