package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/blackroom/blackroom-client/internal/api"
	"github.com/blackroom/blackroom-client/internal/attach"
	"github.com/blackroom/blackroom-client/internal/capture"
	"github.com/blackroom/blackroom-client/internal/config"
	"github.com/blackroom/blackroom-client/internal/identity"
	"github.com/blackroom/blackroom-client/internal/render/terminal"
	"github.com/blackroom/blackroom-client/internal/router"
	"github.com/blackroom/blackroom-client/internal/store"
	"github.com/blackroom/blackroom-client/internal/store/sqlite"
	"github.com/blackroom/blackroom-client/internal/transport/ws"
)

// Options supplies the collaborators a Session does not build from config.
type Options struct {
	// Out receives rendered chat lines.
	Out io.Writer
	// Microphone defaults to a CommandMicrophone over cfg.Capture.Commands.
	Microphone capture.Microphone
	// Fs is used for attachments and previews; defaults to the OS file system.
	Fs         afero.Fs
	HTTPClient *http.Client
	Clock      clock.Clock
}

// Session wires identity, transport, routing and the upload controllers
// for one room.
type Session struct {
	cfg   config.Config
	log   *zerolog.Logger
	fs    afero.Fs
	clock clock.Clock

	store    store.KV
	identity *identity.Context
	client   *api.Client
	render   *terminal.Renderer
	router   *router.Router
	stream   *ws.Manager
	voice    *capture.Controller
	attach   *attach.Controller

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New constructs the session. The stream is not opened until Start.
func New(ctx context.Context, cfg config.Config, opts Options, logger *zerolog.Logger) (*Session, error) {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	st, err := sqlite.New(cfg.Identity.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Debug().Str("db_path", cfg.Identity.DBPath).Msg("device store opened")

	id, err := identity.Load(ctx, st, cfg.Identity.Label, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load identity: %w", err)
	}

	client, err := api.New(cfg.Server.URL, api.Options{HTTPClient: opts.HTTPClient, Timeout: cfg.Server.Timeout}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init api client: %w", err)
	}

	render := terminal.New(opts.Out, cfg.Server.URL, nil)
	rt := router.New(id, render, logger)

	stream, err := ws.NewManager(cfg.Server.URL, rt, ws.Options{
		ReconnectDelay: cfg.Stream.ReconnectDelay,
		DialTimeout:    cfg.Server.Timeout,
		ReadLimit:      cfg.Stream.ReadLimit,
		HTTPClient:     opts.HTTPClient,
		Clock:          opts.Clock,
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init stream: %w", err)
	}
	stream.OnStateChange(render.Connection)

	mic := opts.Microphone
	if mic == nil {
		mic = capture.NewCommandMicrophone(commandMap(cfg.Capture.Commands), logger)
	}
	voice := capture.New(mic, client, id, render, capture.Options{
		Room:      cfg.Room,
		TimeSlice: cfg.Capture.Timeslice,
		Grace:     cfg.Capture.Grace,
		Encodings: cfg.Capture.Encodings,
		Previews:  capture.NewPreviews(opts.Fs, ""),
		Clock:     opts.Clock,
	}, logger)

	return &Session{
		cfg:      cfg,
		log:      logger,
		fs:       opts.Fs,
		clock:    opts.Clock,
		store:    st,
		identity: id,
		client:   client,
		render:   render,
		router:   rt,
		stream:   stream,
		voice:    voice,
		attach:   attach.New(client, id, render, cfg.Room, logger),
	}, nil
}

func commandMap(specs []config.CommandSpec) map[string][]string {
	out := make(map[string][]string, len(specs))
	for _, s := range specs {
		out[s.MIME] = s.Args
	}
	return out
}

// Room is the room this session talks to.
func (s *Session) Room() string { return s.cfg.Room }

// Identity returns the current device identity.
func (s *Session) Identity() identity.Identity { return s.identity.Current() }

// Stream exposes the connection manager for status queries.
func (s *Session) Stream() *ws.Manager { return s.stream }

// Voice exposes the voice note controller.
func (s *Session) Voice() *capture.Controller { return s.voice }

// Start registers the device, renders the backlog and subscribes to the
// room's stream. Registration and backlog failures are logged, not fatal.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("session already started")
	}

	if _, err := s.client.UpsertDevice(ctx, s.identity.Current()); err != nil {
		s.log.Warn().Err(err).Msg("device registration failed")
	}
	if err := s.ShowHistory(ctx); err != nil {
		s.log.Warn().Err(err).Msg("history unavailable")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.stream.Connect(runCtx, s.cfg.Room); err != nil {
		cancel()
		return fmt.Errorf("connect stream: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.router.Reassert(runCtx, s.stream, s.cfg.Stream.ReassertInterval, s.clock)
	}()

	s.cancel = cancel
	s.stopped = stopped
	s.log.Info().Str("room", s.cfg.Room).Str("server", s.cfg.Server.URL).Msg("session started")
	return nil
}

// Run starts the session and blocks until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.Close()
		return err
	}
	<-ctx.Done()
	s.Close()
	return nil
}

// Close stops the stream and releases local resources.
func (s *Session) Close() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	s.stream.Close()

	if err := s.voice.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to release voice capture")
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close store")
	}
}

// SendText posts text to the room. Blank input is ignored. The echoed
// bubble arrives through the stream.
func (s *Session) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	res, err := s.client.SendText(ctx, s.cfg.Room, s.identity.Current(), text)
	if err != nil {
		s.log.Warn().Err(err).Msg("text send failed")
		return err
	}
	s.log.Debug().Int64("id", res.ID).Msg("text sent")
	return nil
}

// SetLabel renames the device locally and on the server.
func (s *Session) SetLabel(ctx context.Context, label string) error {
	if err := s.identity.SetLabel(ctx, label); err != nil {
		return err
	}
	if _, err := s.client.UpsertDevice(ctx, s.identity.Current()); err != nil {
		return fmt.Errorf("register label: %w", err)
	}
	return nil
}

// ShowHistory renders the room's recent backlog.
func (s *Session) ShowHistory(ctx context.Context) error {
	if s.cfg.History.Limit <= 0 {
		return nil
	}
	entries, err := s.client.History(ctx, s.cfg.Room, s.cfg.History.Limit)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	s.router.RenderHistory(entries)
	return nil
}

// Upload sends the files at paths as attachments.
func (s *Session) Upload(ctx context.Context, paths []string) ([]attach.Result, error) {
	files, err := attach.OpenFiles(s.fs, paths)
	if err != nil {
		return nil, err
	}
	return s.attach.Upload(ctx, files), nil
}
