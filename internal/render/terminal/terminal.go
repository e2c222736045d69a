// Package terminal renders the chat as plain lines on a writer.
package terminal

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blackroom/blackroom-client/internal/api"
	"github.com/blackroom/blackroom-client/internal/attach"
	"github.com/blackroom/blackroom-client/internal/capture"
	"github.com/blackroom/blackroom-client/internal/proto"
	"github.com/blackroom/blackroom-client/internal/router"
	"github.com/blackroom/blackroom-client/internal/transport/ws"
)

const clockLayout = "15:04:05"

// Renderer writes every chat event as one line. It implements
// router.Renderer, capture.Presenter and attach.Timeline and is safe for
// concurrent use.
type Renderer struct {
	base string
	loc  *time.Location

	mu          sync.Mutex
	w           io.Writer
	lastSeconds int
}

var (
	_ router.Renderer   = (*Renderer)(nil)
	_ capture.Presenter = (*Renderer)(nil)
	_ attach.Timeline   = (*Renderer)(nil)
)

// New renders to w. serverURL is used to compose media links; loc is the
// zone for timestamps, nil meaning local time.
func New(w io.Writer, serverURL string, loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.Local
	}
	return &Renderer{base: serverURL, loc: loc, w: w, lastSeconds: -1}
}

func (r *Renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format+"\n", args...)
}

// Connection prints stream state changes.
func (r *Renderer) Connection(s ws.State) {
	switch s {
	case ws.StateConnecting:
		r.printf("· connecting…")
	case ws.StateOpen:
		r.printf("· online")
	case ws.StateClosed:
		r.printf("· offline, reconnecting")
	}
}

// Presence prints the room's subscriber count.
func (r *Renderer) Presence(count int) {
	r.printf("· %d online", count)
}

// Text prints a text bubble.
func (r *Renderer) Text(b router.Bubble) {
	r.printf("%s %s", r.header(b), b.Content)
}

// Voice prints a voice note link.
func (r *Renderer) Voice(b router.Bubble) {
	r.printf("%s [voice] %s", r.header(b), api.MediaURL(r.base, proto.ContentVoice, b.FileRef))
}

// Image prints an image link.
func (r *Renderer) Image(b router.Bubble) {
	r.printf("%s [image] %s", r.header(b), api.MediaURL(r.base, proto.ContentImage, b.FileRef))
}

// Video prints a video link.
func (r *Renderer) Video(b router.Bubble) {
	r.printf("%s [video] %s", r.header(b), api.MediaURL(r.base, proto.ContentVideo, b.FileRef))
}

// File prints a download link with the original name.
func (r *Renderer) File(b router.Bubble) {
	name := b.Content
	if name == "" {
		name = b.FileRef
	}
	r.printf("%s [file %s] %s", r.header(b), name, api.MediaURL(r.base, proto.ContentFile, b.FileRef))
}

func (r *Renderer) header(b router.Bubble) string {
	ts := b.RawTS
	if !b.TS.IsZero() {
		ts = b.TS.In(r.loc).Format(clockLayout)
	}
	if ts == "" {
		ts = "--:--:--"
	}
	arrow := "<"
	if b.Direction == router.DirectionOut {
		arrow = ">"
	}
	return fmt.Sprintf("%s %s %s:", ts, arrow, b.Author)
}

// State prints voice note transitions.
func (r *Renderer) State(s capture.State, actionsEnabled bool) {
	switch s {
	case capture.StateRecording:
		r.mu.Lock()
		r.lastSeconds = -1
		r.mu.Unlock()
		r.printf("● recording, /rec again to stop")
	case capture.StateDraft:
		if actionsEnabled {
			r.printf("● draft ready, /send or /discard")
		}
	case capture.StateSending:
		r.printf("● sending voice note…")
	case capture.StateSent:
		r.printf("● voice note sent")
	case capture.StateDiscarded:
		r.printf("● draft discarded")
	}
}

// Elapsed prints the recording time once per second.
func (r *Renderer) Elapsed(d time.Duration) {
	secs := int(d / time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()
	if secs == r.lastSeconds {
		return
	}
	r.lastSeconds = secs
	fmt.Fprintf(r.w, "● %d:%02d\n", secs/60, secs%60)
}

// Notice prints an informational message.
func (r *Renderer) Notice(msg string) {
	r.printf("! %s", msg)
}

// Failure prints a failed user action.
func (r *Renderer) Failure(msg string) {
	r.printf("✗ %s", msg)
}

// Placeholder prints an uploading line for name.
func (r *Renderer) Placeholder(id, name string) attach.Placeholder {
	r.printf("↑ uploading %s…", name)
	return &placeholder{r: r, name: name}
}

type placeholder struct {
	r    *Renderer
	name string
}

func (p *placeholder) Done(proto.Result) {
	p.r.printf("✓ %s uploaded", p.name)
}

func (p *placeholder) Failed(err error) {
	p.r.printf("✗ %s: %v", p.name, err)
}
