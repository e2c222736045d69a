package capture

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"

	"github.com/blackroom/blackroom-client/internal/api"
	"github.com/blackroom/blackroom-client/internal/identity"
	"github.com/blackroom/blackroom-client/internal/log"
	"github.com/blackroom/blackroom-client/internal/proto"
	"github.com/blackroom/blackroom-client/internal/testutil"
)

type fakeCapture struct {
	r *io.PipeReader
	w *io.PipeWriter

	// holdOnStop keeps the stream open after Stop, like a recorder that
	// never flushes its last chunk.
	holdOnStop bool

	mu     sync.Mutex
	closed int
}

func newFakeCapture() *fakeCapture {
	r, w := io.Pipe()
	return &fakeCapture{r: r, w: w}
}

func (f *fakeCapture) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *fakeCapture) Stop() error {
	if f.holdOnStop {
		return nil
	}
	return f.w.Close()
}

func (f *fakeCapture) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	_ = f.w.Close()
	return f.r.Close()
}

func (f *fakeCapture) released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed > 0
}

type fakeMic struct {
	supported map[string]bool
	err       error

	mu       sync.Mutex
	captures []*fakeCapture
	mimes    []string
	hold     bool
}

func (m *fakeMic) Supports(mime string) bool { return m.supported[mime] }

func (m *fakeMic) Open(_ context.Context, mime string) (Capture, error) {
	if m.err != nil {
		return nil, m.err
	}
	c := newFakeCapture()
	m.mu.Lock()
	c.holdOnStop = m.hold
	m.captures = append(m.captures, c)
	m.mimes = append(m.mimes, mime)
	m.mu.Unlock()
	return c, nil
}

func (m *fakeMic) last() *fakeCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures[len(m.captures)-1]
}

type stateCall struct {
	state   State
	enabled bool
}

type fakePresenter struct {
	mu       sync.Mutex
	states   []stateCall
	elapsed  []time.Duration
	notices  []string
	failures []string
}

func (p *fakePresenter) State(s State, enabled bool) {
	p.mu.Lock()
	p.states = append(p.states, stateCall{s, enabled})
	p.mu.Unlock()
}

func (p *fakePresenter) Elapsed(d time.Duration) {
	p.mu.Lock()
	p.elapsed = append(p.elapsed, d)
	p.mu.Unlock()
}

func (p *fakePresenter) Notice(msg string) {
	p.mu.Lock()
	p.notices = append(p.notices, msg)
	p.mu.Unlock()
}

func (p *fakePresenter) Failure(msg string) {
	p.mu.Lock()
	p.failures = append(p.failures, msg)
	p.mu.Unlock()
}

func (p *fakePresenter) stateSeq() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]State, len(p.states))
	for i, s := range p.states {
		out[i] = s.state
	}
	return out
}

func (p *fakePresenter) lastState() stateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[len(p.states)-1]
}

type sentVoice struct {
	req  api.UploadRequest
	data string
}

type fakeUploader struct {
	mu    sync.Mutex
	err   error
	notOK bool
	block chan struct{}
	sent  []sentVoice
}

func (u *fakeUploader) UploadVoice(ctx context.Context, req api.UploadRequest) (proto.Result, error) {
	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return proto.Result{}, ctx.Err()
		}
	}
	data, _ := io.ReadAll(req.File.Body)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, sentVoice{req: req, data: string(data)})
	if u.err != nil {
		return proto.Result{}, u.err
	}
	if u.notOK {
		return proto.Result{OK: false}, nil
	}
	return proto.Result{OK: true, ID: int64(len(u.sent)), ObjectKey: "k." + ExtensionFor(req.File.ContentType)}, nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent)
}

type harness struct {
	ctrl  *Controller
	mic   *fakeMic
	up    *fakeUploader
	pres  *fakePresenter
	fs    afero.Fs
	clock *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))

	h := &harness{
		mic:   &fakeMic{supported: map[string]bool{"audio/webm;codecs=opus": true, "audio/ogg;codecs=opus": true}},
		up:    &fakeUploader{},
		pres:  &fakePresenter{},
		fs:    afero.NewMemMapFs(),
		clock: mock,
	}
	h.ctrl = New(h.mic, h.up, identity.Static{Fingerprint: "fp-1", Label: "ana"}, h.pres, Options{
		Room:     "alpha",
		Previews: NewPreviews(h.fs, "/tmp"),
		Clock:    mock,
	}, log.Nop())
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

// record runs one Toggle → write → Toggle cycle.
func (h *harness) record(t *testing.T, payload string) {
	t.Helper()
	ctx := context.Background()

	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.ctrl.State() != StateRecording {
		t.Fatalf("expected recording, got %s", h.ctrl.State())
	}
	if payload != "" {
		if _, err := h.mic.last().w.Write([]byte(payload)); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
	if err := h.ctrl.Toggle(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRecordAndSend(t *testing.T) {
	h := newHarness(t)

	h.record(t, "opus-bytes")

	draft := h.ctrl.Draft()
	if h.ctrl.State() != StateDraft || draft == nil {
		t.Fatalf("expected a draft, state %s", h.ctrl.State())
	}
	if string(draft.Data) != "opus-bytes" || draft.MIME != "audio/webm;codecs=opus" {
		t.Fatalf("unexpected draft: %q %s", draft.Data, draft.MIME)
	}
	if !h.mic.last().released() {
		t.Fatalf("microphone must be released once the draft exists")
	}
	if draft.Preview == nil {
		t.Fatalf("expected a preview")
	}
	if ok, _ := afero.Exists(h.fs, draft.Preview.Path); !ok || !strings.HasSuffix(draft.Preview.Path, ".webm") {
		t.Fatalf("preview missing: %s", draft.Preview.Path)
	}
	if last := h.pres.lastState(); !last.enabled {
		t.Fatalf("draft actions should be enabled")
	}

	if err := h.ctrl.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if h.ctrl.State() != StateSent {
		t.Fatalf("expected sent, got %s", h.ctrl.State())
	}
	if h.up.count() != 1 {
		t.Fatalf("expected one upload, got %d", h.up.count())
	}
	sent := h.up.sent[0]
	if sent.req.File.Name != "voice-1700000000000.webm" {
		t.Fatalf("file name = %q", sent.req.File.Name)
	}
	if sent.req.Room != "alpha" || sent.req.Identity.Label != "ana" || sent.req.Identity.Fingerprint != "fp-1" {
		t.Fatalf("unexpected sender fields: %+v", sent.req)
	}
	if sent.data != "opus-bytes" || sent.req.File.ContentType != "audio/webm;codecs=opus" {
		t.Fatalf("unexpected payload: %q %s", sent.data, sent.req.File.ContentType)
	}

	want := []State{StateRecording, StateDraft, StateSending, StateSent}
	if got := h.pres.stateSeq(); !equalStates(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
}

func TestEmptyRecordingReturnsToIdle(t *testing.T) {
	h := newHarness(t)

	h.record(t, "")

	if h.ctrl.State() != StateIdle || h.ctrl.Draft() != nil {
		t.Fatalf("expected idle without draft, got %s", h.ctrl.State())
	}
	if len(h.pres.notices) != 1 || h.pres.notices[0] != NoticeNothingRecorded {
		t.Fatalf("expected the nothing-recorded notice, got %v", h.pres.notices)
	}
	if !h.mic.last().released() {
		t.Fatalf("microphone must be released")
	}
	if err := h.ctrl.Send(context.Background()); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("send without draft: %v", err)
	}
	if h.up.count() != 0 {
		t.Fatalf("no upload expected")
	}
}

func TestSendFailureRestoresDraft(t *testing.T) {
	h := newHarness(t)
	h.up.err = errors.New("connection reset")

	h.record(t, "abc")

	err := h.ctrl.Send(context.Background())
	if err == nil {
		t.Fatalf("expected send error")
	}
	if h.ctrl.State() != StateDraft || h.ctrl.Draft() == nil {
		t.Fatalf("expected the draft back, got %s", h.ctrl.State())
	}
	if last := h.pres.lastState(); last.state != StateDraft || !last.enabled {
		t.Fatalf("draft actions should be re-enabled: %+v", last)
	}
	if len(h.pres.failures) != 1 || h.pres.failures[0] != FailureSend {
		t.Fatalf("expected a failure notice, got %v", h.pres.failures)
	}

	h.up.mu.Lock()
	h.up.err = nil
	h.up.mu.Unlock()

	if err := h.ctrl.Send(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.ctrl.State() != StateSent || h.up.count() != 2 {
		t.Fatalf("expected the retry to succeed: %s, %d uploads", h.ctrl.State(), h.up.count())
	}
}

func TestRejectedUploadKeepsDraft(t *testing.T) {
	h := newHarness(t)
	h.up.notOK = true

	h.record(t, "abc")

	err := h.ctrl.Send(context.Background())
	if !errors.Is(err, api.ErrNotOK) {
		t.Fatalf("expected ErrNotOK, got %v", err)
	}
	if h.ctrl.State() != StateDraft || h.ctrl.Draft() == nil {
		t.Fatalf("a rejected upload must not count as sent, state %s", h.ctrl.State())
	}
	if len(h.pres.failures) != 1 || h.pres.failures[0] != FailureSend {
		t.Fatalf("expected a failure notice, got %v", h.pres.failures)
	}
}

func TestDiscard(t *testing.T) {
	h := newHarness(t)

	h.record(t, "abc")
	preview := h.ctrl.Draft().Preview.Path

	if err := h.ctrl.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}

	if h.ctrl.State() != StateIdle || h.ctrl.Draft() != nil {
		t.Fatalf("expected idle, got %s", h.ctrl.State())
	}
	if ok, _ := afero.Exists(h.fs, preview); ok {
		t.Fatalf("preview should be released")
	}
	if h.up.count() != 0 {
		t.Fatalf("discard must not upload")
	}
	want := []State{StateRecording, StateDraft, StateDiscarded, StateIdle}
	if got := h.pres.stateSeq(); !equalStates(got, want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	if err := h.ctrl.Discard(); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("second discard: %v", err)
	}
}

func TestBusyWhileSending(t *testing.T) {
	h := newHarness(t)
	h.up.block = make(chan struct{})

	h.record(t, "abc")

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Send(context.Background()) }()

	testutil.Eventually(t, 2*time.Second, func() bool { return h.ctrl.State() == StateSending },
		"expected sending state")

	if err := h.ctrl.Toggle(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("toggle while sending: %v", err)
	}
	if err := h.ctrl.Send(context.Background()); err != nil {
		t.Fatalf("concurrent send should be a no-op, got %v", err)
	}
	if err := h.ctrl.Discard(); err != nil {
		t.Fatalf("concurrent discard should be a no-op, got %v", err)
	}
	if last := h.pres.lastState(); last.state != StateSending || last.enabled {
		t.Fatalf("actions must be disabled while sending: %+v", last)
	}

	close(h.up.block)
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if h.up.count() != 1 {
		t.Fatalf("expected exactly one upload, got %d", h.up.count())
	}
}

func TestMicrophoneFailure(t *testing.T) {
	h := newHarness(t)
	h.mic.err = ErrNoMicrophone

	err := h.ctrl.Toggle(context.Background())
	if !errors.Is(err, ErrNoMicrophone) {
		t.Fatalf("expected ErrNoMicrophone, got %v", err)
	}
	if h.ctrl.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.ctrl.State())
	}
	if len(h.pres.notices) != 1 || h.pres.notices[0] != NoticeMicUnavailable {
		t.Fatalf("expected a microphone notice, got %v", h.pres.notices)
	}
}

func TestElapsedTicksEverySlice(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Toggle(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	testutil.Eventually(t, 2*time.Second, func() bool {
		h.clock.Add(250 * time.Millisecond)
		h.pres.mu.Lock()
		defer h.pres.mu.Unlock()
		for _, d := range h.pres.elapsed {
			if d > 0 && d%(250*time.Millisecond) == 0 {
				return true
			}
		}
		return false
	}, "expected an elapsed readout on a slice boundary")

	h.pres.mu.Lock()
	first := h.pres.elapsed[0]
	h.pres.mu.Unlock()
	if first != 0 {
		t.Fatalf("first readout should be zero, got %v", first)
	}
}

func TestGraceDelayBoundsStop(t *testing.T) {
	h := newHarness(t)
	h.mic.hold = true

	if err := h.ctrl.Toggle(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.mic.last().w.Write([]byte("partial")); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Toggle(context.Background()) }()

	testutil.Eventually(t, 2*time.Second, func() bool {
		h.clock.Add(80 * time.Millisecond)
		return h.ctrl.State() == StateDraft
	}, "expected stop to finish after the grace delay")

	if err := <-done; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := string(h.ctrl.Draft().Data); got != "partial" {
		t.Fatalf("draft = %q, want the data read before the grace delay", got)
	}
	if !h.mic.last().released() {
		t.Fatalf("microphone must be released")
	}
}

func TestToggleReplacesDraft(t *testing.T) {
	h := newHarness(t)

	h.record(t, "first")
	old := h.ctrl.Draft().Preview.Path

	h.record(t, "second")

	if got := string(h.ctrl.Draft().Data); got != "second" {
		t.Fatalf("draft = %q, want second", got)
	}
	if ok, _ := afero.Exists(h.fs, old); ok {
		t.Fatalf("the replaced draft's preview should be released")
	}
}

func TestNegotiatedEncodingDrivesExtension(t *testing.T) {
	h := newHarness(t)
	h.mic.supported = map[string]bool{"audio/ogg;codecs=opus": true}

	h.record(t, "ogg-bytes")
	if err := h.ctrl.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if h.mic.mimes[0] != "audio/ogg;codecs=opus" {
		t.Fatalf("negotiated %s", h.mic.mimes[0])
	}
	if name := h.up.sent[0].req.File.Name; !strings.HasSuffix(name, ".ogg") {
		t.Fatalf("file name = %s, want .ogg", name)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t)

	h.record(t, "abc")
	preview := h.ctrl.Draft().Preview.Path

	if err := h.ctrl.Toggle(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	live := h.mic.last()

	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !live.released() {
		t.Fatalf("live capture must be released")
	}
	if ok, _ := afero.Exists(h.fs, preview); ok {
		t.Fatalf("preview should be gone")
	}
	if h.ctrl.State() != StateIdle {
		t.Fatalf("expected idle after close")
	}
	if err := h.ctrl.Toggle(context.Background()); err == nil {
		t.Fatalf("toggle after close should fail")
	}
}

func TestChooseEncoding(t *testing.T) {
	supports := func(m string) bool { return m == "audio/mp4" || m == "audio/webm" }

	if got := ChooseEncoding(DefaultEncodings, supports, FallbackEncoding); got != "audio/mp4" {
		t.Fatalf("got %s, want audio/mp4", got)
	}
	if got := ChooseEncoding(DefaultEncodings, func(string) bool { return false }, FallbackEncoding); got != FallbackEncoding {
		t.Fatalf("got %s, want the fallback", got)
	}
	if got := ChooseEncoding([]string{"audio/ogg"}, nil, "audio/x"); got != "audio/x" {
		t.Fatalf("nil support check should fall back, got %s", got)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"audio/webm;codecs=opus": "webm",
		"audio/webm":             "webm",
		"audio/ogg; codecs=opus": "ogg",
		"audio/mp4":              "m4a",
		"AUDIO/MP4":              "m4a",
		"audio/unknown":          "webm",
	}
	for mime, want := range tests {
		if got := ExtensionFor(mime); got != want {
			t.Errorf("ExtensionFor(%q) = %q, want %q", mime, got, want)
		}
	}
}

func TestCommandMicrophone(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	mic := NewCommandMicrophone(map[string][]string{
		"audio/webm": {"sh", "-c", "printf voice"},
		"audio/ogg":  {"blackroom-no-such-recorder"},
	}, log.Nop())

	if !mic.Supports("audio/webm") {
		t.Fatalf("sh recorder should be supported")
	}
	if mic.Supports("audio/ogg") || mic.Supports("audio/mp4") {
		t.Fatalf("missing binaries and unconfigured types are unsupported")
	}

	capture, err := mic.Open(context.Background(), "audio/webm")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(capture)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "voice" {
		t.Fatalf("data = %q", data)
	}
	if err := capture.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := capture.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := capture.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := mic.Open(context.Background(), "audio/mp4"); !errors.Is(err, ErrNoMicrophone) {
		t.Fatalf("expected ErrNoMicrophone, got %v", err)
	}
}
