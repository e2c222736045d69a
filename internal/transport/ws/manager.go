package ws

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	// ReconnectDelay is the fixed pause between a closure and the next dial.
	ReconnectDelay time.Duration
	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration
	// ReadLimit caps the size of a single frame.
	ReadLimit int64
	// HTTPClient is used for the websocket handshake.
	HTTPClient *stdhttp.Client
	Clock      clock.Clock
}

const (
	defaultReconnectDelay = 1500 * time.Millisecond
	defaultDialTimeout    = 10 * time.Second
	defaultReadLimit      = 1 << 20
)

func (o Options) withDefaults() Options {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Manager owns the subscription to one room's stream. It keeps at most one
// live connection, reconnects forever after any closure, and hands each new
// connection to its Binder before reading from it.
type Manager struct {
	server *url.URL
	binder Binder
	opts   Options
	log    *zerolog.Logger

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	state     State
	current   *Conn
	listeners []func(State)
}

// NewManager builds a manager for the server at serverURL (http or https).
func NewManager(serverURL string, binder Binder, opts Options, logger *zerolog.Logger) (*Manager, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	if binder == nil {
		return nil, errors.New("binder is required")
	}

	l := logger.With().Str("component", "stream").Logger()
	return &Manager{
		server: u,
		binder: binder,
		opts:   opts.withDefaults(),
		log:    &l,
		state:  StateClosed,
	}, nil
}

// ErrInvalidRoom is returned for room names that cannot form a stream path.
var ErrInvalidRoom = errors.New("invalid room name")

// StreamURL maps an http(s) server URL and room to the room's websocket URL.
func StreamURL(serverURL, room string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	return streamURL(u, room)
}

func streamURL(server *url.URL, room string) (string, error) {
	// JoinPath cleans dot segments, which would escape /ws.
	if room == "" || room == "." || room == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	u := *server
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.JoinPath("ws", url.PathEscape(room)).String(), nil
}

// OnStateChange registers a listener for every state transition.
// Listeners run on the manager's goroutine and must not block.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the live connection, or nil while not open.
func (m *Manager) Current() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Connect subscribes to room, stopping any previous subscription first.
// It returns once the run loop is started; progress is reported through
// state changes. The subscription lives until ctx is done or Close is called.
func (m *Manager) Connect(ctx context.Context, room string) error {
	target, err := streamURL(m.server, room)
	if err != nil {
		return err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		m.run(runCtx, room, target)
	}()
	return nil
}

// Close stops the subscription and waits for its connection to be released.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
}

func (m *Manager) run(ctx context.Context, room, target string) {
	log := m.log.With().Str("room", room).Logger()

	for attempt := 1; ; attempt++ {
		m.setState(StateConnecting)

		conn, err := m.dial(ctx, room, target)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateClosed)
				return
			}
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", m.opts.ReconnectDelay).Msg("stream connect failed")
		} else {
			log.Info().Str("conn_id", conn.id).Int("attempt", attempt).Msg("stream open")
			m.binder.Install(conn)
			m.setCurrent(conn)
			m.setState(StateOpen)

			err = m.readLoop(ctx, conn, &log)

			m.setCurrent(nil)
			_ = conn.ws.CloseNow()
			if ctx.Err() != nil {
				m.setState(StateClosed)
				return
			}
			log.Warn().Err(err).Str("conn_id", conn.id).Dur("retry_in", m.opts.ReconnectDelay).Msg("stream closed")
		}

		m.setState(StateClosed)

		select {
		case <-ctx.Done():
			return
		case <-m.opts.Clock.After(m.opts.ReconnectDelay):
		}
	}
}

func (m *Manager) dial(ctx context.Context, room, target string) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	c, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: m.opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c.SetReadLimit(m.opts.ReadLimit)

	return NewConn(uuid.NewString(), room, c, m.opts.Clock.Now()), nil
}

func (m *Manager) readLoop(ctx context.Context, conn *Conn, log *zerolog.Logger) error {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return err
		}
		if !conn.Dispatch(data) {
			log.Debug().Str("conn_id", conn.id).Msg("frame dropped: no handler bound")
		}
	}
}

func (m *Manager) setCurrent(conn *Conn) {
	m.mu.Lock()
	m.current = conn
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}
