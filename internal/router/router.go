// Package router decodes stream frames and dispatches them to a Renderer.
package router

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/blackroom/blackroom-client/internal/identity"
	"github.com/blackroom/blackroom-client/internal/proto"
	"github.com/blackroom/blackroom-client/internal/transport/ws"
)

// ConnSource exposes the currently live connection, if any.
type ConnSource interface {
	Current() *ws.Conn
}

// Router is a ws.FrameHandler and a ws.Binder.
type Router struct {
	identity identity.Source
	render   Renderer
	log      *zerolog.Logger
}

// New builds a router that classifies direction against id and renders through r.
func New(id identity.Source, r Renderer, logger *zerolog.Logger) *Router {
	l := logger.With().Str("component", "router").Logger()
	return &Router{identity: id, render: r, log: &l}
}

// Install binds the router to conn. Binding the same connection again is a
// no-op, so a frame is never dispatched twice.
func (r *Router) Install(conn *ws.Conn) {
	r.install(conn)
}

func (r *Router) install(conn *ws.Conn) bool {
	if conn == nil {
		return false
	}
	return conn.Bind(r)
}

// Reassert re-installs the router on the live connection every interval
// until ctx is done. It restores a handler that was dropped without a close.
func (r *Router) Reassert(ctx context.Context, src ConnSource, interval time.Duration, clk clock.Clock) {
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn := src.Current(); r.install(conn) {
				r.log.Debug().Str("conn_id", conn.ID()).Msg("handler re-bound")
			}
		}
	}
}

// HandleFrame decodes one frame and renders it. Malformed frames and
// renderer panics stop here.
func (r *Router) HandleFrame(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("renderer panicked")
		}
	}()

	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Debug().Err(err).Int("bytes", len(data)).Msg("malformed frame dropped")
		return
	}

	switch env.Type {
	case proto.FrameTypePresence:
		var p proto.Presence
		if err := json.Unmarshal(data, &p); err != nil {
			r.log.Debug().Err(err).Msg("malformed presence dropped")
			return
		}
		if count, ok := parseCount(p.Count); ok {
			r.render.Presence(count)
		}
	case proto.FrameTypeMsg:
		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.log.Debug().Err(err).Msg("malformed message dropped")
			return
		}
		r.RenderMessage(msg)
	default:
		r.log.Debug().Str("type", env.Type).Msg("unknown frame type ignored")
	}
}

// RenderHistory renders backlog entries in order with the live rules.
func (r *Router) RenderHistory(entries []proto.HistoryEntry) {
	for _, e := range entries {
		r.RenderMessage(e.AsMessage())
	}
}

// RenderMessage picks the render path for one message.
func (r *Router) RenderMessage(msg proto.Message) {
	b := Bubble{
		ID:        msg.ID,
		Direction: r.direction(msg.Device),
		Author:    UnknownAuthor,
		MIME:      msg.MIME,
		RawTS:     msg.TS,
		TS:        parseTS(msg.TS),
	}
	if msg.Device != nil && msg.Device.Label != "" {
		b.Author = msg.Device.Label
	}
	if msg.Content != nil {
		b.Content = *msg.Content
	}
	if msg.FileRef != nil {
		b.FileRef = *msg.FileRef
	}

	if b.FileRef != "" {
		switch msg.ContentType {
		case proto.ContentVoice:
			r.render.Voice(b)
			return
		case proto.ContentImage:
			r.render.Image(b)
			return
		case proto.ContentVideo:
			r.render.Video(b)
			return
		case proto.ContentFile:
			r.render.File(b)
			return
		}
	}
	r.render.Text(b)
}

// direction prefers the stable fingerprint when the frame carries one and
// falls back to comparing labels.
func (r *Router) direction(d *proto.Device) Direction {
	if d == nil {
		return DirectionIn
	}
	me := r.identity.Current()
	if d.Fingerprint != "" && me.Fingerprint != "" {
		if d.Fingerprint == me.Fingerprint {
			return DirectionOut
		}
		return DirectionIn
	}
	if d.Label != "" && d.Label == me.Label {
		return DirectionOut
	}
	return DirectionIn
}

func parseCount(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n *float64
	if err := json.Unmarshal(raw, &n); err != nil || n == nil {
		return 0, false
	}
	v := *n
	if v < 0 || v != math.Trunc(v) || v > math.MaxInt32 {
		return 0, false
	}
	return int(v), true
}
