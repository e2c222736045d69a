// Package capture records voice notes, keeps them as drafts and uploads them.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/blackroom/blackroom-client/internal/api"
	"github.com/blackroom/blackroom-client/internal/identity"
	"github.com/blackroom/blackroom-client/internal/proto"
)

var (
	// ErrBusy is returned while a start, stop or send is in flight.
	ErrBusy = errors.New("voice note operation in progress")
	// ErrNoDraft is returned by Send and Discard without a draft.
	ErrNoDraft = errors.New("no voice draft")
)

// Notices shown through the Presenter.
const (
	NoticeNothingRecorded = "nothing was recorded"
	NoticeMicUnavailable  = "microphone unavailable"
	FailureSend           = "voice note was not sent"
)

// Presenter shows the controller's state. Calls arrive in transition order;
// Elapsed may arrive from another goroutine while recording.
type Presenter interface {
	State(s State, actionsEnabled bool)
	Elapsed(d time.Duration)
	Notice(msg string)
	Failure(msg string)
}

// Uploader sends a finished voice note. A result with OK false counts as a failure.
type Uploader interface {
	UploadVoice(ctx context.Context, req api.UploadRequest) (proto.Result, error)
}

// Options tunes a Controller. Zero values fall back to defaults.
type Options struct {
	Room      string
	TimeSlice time.Duration
	Grace     time.Duration
	// Encodings is tried in order; FallbackEncoding is used when none is supported.
	Encodings []string
	Previews  *Previews
	Clock     clock.Clock
}

const (
	defaultTimeSlice = 250 * time.Millisecond
	defaultGrace     = 80 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.TimeSlice <= 0 {
		o.TimeSlice = defaultTimeSlice
	}
	if o.Grace < 0 {
		o.Grace = 0
	} else if o.Grace == 0 {
		o.Grace = defaultGrace
	}
	if len(o.Encodings) == 0 {
		o.Encodings = DefaultEncodings
	}
	if o.Previews == nil {
		o.Previews = NewPreviews(nil, "")
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Draft is a stopped recording awaiting send or discard.
type Draft struct {
	Data     []byte
	MIME     string
	Duration time.Duration
	Preview  *Preview
}

// Controller drives Idle → Recording → Draft → Sending → Sent, with
// Draft → Discarded → Idle and Sending → Draft on failure.
type Controller struct {
	mic      Microphone
	uploader Uploader
	identity identity.Source
	present  Presenter
	opts     Options
	log      *zerolog.Logger

	// op is held for the whole of a start, stop or send.
	op sync.Mutex

	mu      sync.Mutex
	state   State
	session *session
	draft   *Draft
	closed  bool
}

// New builds a controller in the Idle state.
func New(mic Microphone, up Uploader, id identity.Source, p Presenter, opts Options, logger *zerolog.Logger) *Controller {
	l := logger.With().Str("component", "capture").Logger()
	return &Controller{
		mic:      mic,
		uploader: up,
		identity: id,
		present:  p,
		opts:     opts.withDefaults(),
		log:      &l,
		state:    StateIdle,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Draft returns the current draft or nil.
func (c *Controller) Draft() *Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Toggle starts a recording, or stops the one in progress.
func (c *Controller) Toggle(ctx context.Context) error {
	if !c.op.TryLock() {
		return ErrBusy
	}
	defer c.op.Unlock()

	c.mu.Lock()
	closed, st := c.closed, c.state
	c.mu.Unlock()
	if closed {
		return errors.New("capture controller closed")
	}

	if st == StateRecording {
		return c.stop()
	}
	return c.start(ctx)
}

func (c *Controller) start(ctx context.Context) error {
	c.mu.Lock()
	if c.draft != nil {
		c.releaseDraftLocked()
	}
	c.mu.Unlock()

	mime := ChooseEncoding(c.opts.Encodings, c.mic.Supports, FallbackEncoding)

	// The capture outlives the caller's context; Stop and Close end it.
	capCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	capture, err := c.mic.Open(capCtx, mime)
	if err != nil {
		cancel()
		c.log.Warn().Err(err).Str("mime", mime).Msg("microphone acquisition failed")
		c.mu.Lock()
		c.setStateLocked(StateIdle, false)
		c.present.Notice(NoticeMicUnavailable)
		c.mu.Unlock()
		return fmt.Errorf("open microphone: %w", err)
	}

	s := newSession(capture, mime, c.opts.Clock.Now(), cancel)
	go s.read()
	go s.tick(c.opts.Clock, c.opts.TimeSlice, c.present)

	c.mu.Lock()
	c.session = s
	c.setStateLocked(StateRecording, true)
	c.present.Elapsed(0)
	c.mu.Unlock()

	c.log.Debug().Str("mime", mime).Msg("recording started")
	return nil
}

func (c *Controller) stop() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	data, err := s.finish(c.opts.Clock, c.opts.Grace)
	if err != nil {
		c.log.Warn().Err(err).Msg("recording ended with an error")
	}
	duration := c.opts.Clock.Since(s.started)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data) == 0 {
		c.setStateLocked(StateIdle, false)
		c.present.Notice(NoticeNothingRecorded)
		return nil
	}

	preview, err := c.opts.Previews.Create(data, ExtensionFor(s.mime))
	if err != nil {
		c.log.Warn().Err(err).Msg("preview unavailable")
	}
	c.draft = &Draft{Data: data, MIME: s.mime, Duration: duration, Preview: preview}
	c.setStateLocked(StateDraft, true)

	c.log.Debug().Int("bytes", len(data)).Dur("duration", duration).Msg("draft ready")
	return nil
}

// Send uploads the draft. A send already in flight makes this a no-op.
// On failure the draft is kept and actions are re-enabled.
func (c *Controller) Send(ctx context.Context) error {
	if !c.op.TryLock() {
		return nil
	}
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != StateDraft || c.draft == nil {
		c.mu.Unlock()
		return ErrNoDraft
	}
	draft := c.draft
	c.setStateLocked(StateSending, false)
	c.mu.Unlock()

	ext := ExtensionFor(draft.MIME)
	name := fmt.Sprintf("voice-%d.%s", c.opts.Clock.Now().UnixMilli(), ext)

	res, err := c.uploader.UploadVoice(ctx, api.UploadRequest{
		Room:     c.opts.Room,
		Identity: c.identity.Current(),
		File: api.File{
			Name:        name,
			ContentType: draft.MIME,
			Body:        bytes.NewReader(draft.Data),
		},
	})

	if err == nil && !res.OK {
		err = api.ErrNotOK
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Str("file", name).Msg("voice upload failed")
		c.setStateLocked(StateDraft, true)
		c.present.Failure(FailureSend)
		return fmt.Errorf("send voice note: %w", err)
	}

	c.setStateLocked(StateSent, false)
	c.log.Info().Int64("id", res.ID).Str("object_key", res.ObjectKey).Msg("voice note sent")
	return nil
}

// Discard drops the draft without contacting the server. It is a no-op
// while another operation is in flight.
func (c *Controller) Discard() error {
	if !c.op.TryLock() {
		return nil
	}
	defer c.op.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDraft || c.draft == nil {
		return ErrNoDraft
	}
	c.releaseDraftLocked()
	c.setStateLocked(StateDiscarded, false)
	c.setStateLocked(StateIdle, false)
	return nil
}

// Close ends a live recording and releases the draft. It waits for an
// in-flight operation to finish.
func (c *Controller) Close() error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	s := c.session
	c.session = nil
	c.closed = true
	c.mu.Unlock()

	if s != nil {
		_, _ = s.finish(c.opts.Clock, 0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseDraftLocked()
	if c.state != StateIdle {
		c.setStateLocked(StateIdle, false)
	}
	return nil
}

func (c *Controller) releaseDraftLocked() {
	if c.draft == nil {
		return
	}
	if err := c.draft.Preview.Release(); err != nil {
		c.log.Warn().Err(err).Msg("preview release failed")
	}
	c.draft = nil
}

func (c *Controller) setStateLocked(s State, actionsEnabled bool) {
	c.state = s
	c.present.State(s, actionsEnabled)
}

// session is one recording in progress.
type session struct {
	capture Capture
	mime    string
	started time.Time
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending []byte
	chunks  [][]byte
	readErr error

	readDone chan struct{}
	stopTick chan struct{}
	tickDone chan struct{}
}

func newSession(c Capture, mime string, started time.Time, cancel context.CancelFunc) *session {
	return &session{
		capture:  c,
		mime:     mime,
		started:  started,
		cancel:   cancel,
		readDone: make(chan struct{}),
		stopTick: make(chan struct{}),
		tickDone: make(chan struct{}),
	}
}

func (s *session) read() {
	defer close(s.readDone)

	buf := make([]byte, 32<<10)
	for {
		n, err := s.capture.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.pending = append(s.pending, buf[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.readErr = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// tick cuts a chunk every slice and reports the elapsed time.
func (s *session) tick(clk clock.Clock, slice time.Duration, p Presenter) {
	defer close(s.tickDone)

	ticker := clk.Ticker(slice)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopTick:
			return
		case <-ticker.C:
			s.cut()
			p.Elapsed(clk.Since(s.started))
		}
	}
}

func (s *session) cut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return
	}
	s.chunks = append(s.chunks, s.pending)
	s.pending = nil
}

// finish stops the capture, waits up to grace for the final data, releases
// the device and returns the assembled recording.
func (s *session) finish(clk clock.Clock, grace time.Duration) ([]byte, error) {
	close(s.stopTick)
	<-s.tickDone

	stopErr := s.capture.Stop()

	if grace > 0 {
		select {
		case <-s.readDone:
		case <-clk.After(grace):
		}
	}
	closeErr := s.capture.Close()
	s.cancel()

	s.cut()

	s.mu.Lock()
	defer s.mu.Unlock()

	size := 0
	for _, chunk := range s.chunks {
		size += len(chunk)
	}
	data := make([]byte, 0, size)
	for _, chunk := range s.chunks {
		data = append(data, chunk...)
	}
	return data, errors.Join(stopErr, s.readErr, closeErr)
}
