package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	stopTimeout   = 2 * time.Second
	maxStderrKeep = 4 << 10
)

// CommandMicrophone records by running an external command that writes
// encoded audio to stdout, one command per MIME type.
type CommandMicrophone struct {
	commands map[string][]string
	lookPath func(string) (string, error)
	log      *zerolog.Logger
}

// NewCommandMicrophone builds a microphone from mime → argv pairs.
func NewCommandMicrophone(commands map[string][]string, logger *zerolog.Logger) *CommandMicrophone {
	l := logger.With().Str("component", "microphone").Logger()
	cmds := make(map[string][]string, len(commands))
	for mime, argv := range commands {
		if len(argv) > 0 {
			cmds[mime] = append([]string(nil), argv...)
		}
	}
	return &CommandMicrophone{commands: cmds, lookPath: exec.LookPath, log: &l}
}

// Supports reports whether a command is configured for mime and its binary is on PATH.
func (m *CommandMicrophone) Supports(mime string) bool {
	argv, ok := m.commands[mime]
	if !ok {
		return false
	}
	_, err := m.lookPath(argv[0])
	return err == nil
}

// Open starts the recorder for mime.
func (m *CommandMicrophone) Open(ctx context.Context, mime string) (Capture, error) {
	argv, ok := m.commands[mime]
	if !ok {
		return nil, fmt.Errorf("%w: no recorder for %s", ErrNoMicrophone, mime)
	}
	path, err := m.lookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMicrophone, err)
	}

	cmd := exec.CommandContext(ctx, path, argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder stdout: %w", err)
	}
	stderr := &tailBuffer{max: maxStderrKeep}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrNoMicrophone, argv[0], err)
	}
	m.log.Debug().Str("mime", mime).Int("pid", cmd.Process.Pid).Msg("recorder started")

	return &commandCapture{cmd: cmd, stdout: stdout, stderr: stderr, log: m.log}, nil
}

type commandCapture struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	log    *zerolog.Logger

	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func (c *commandCapture) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Stop asks the recorder to finalize its container and exit.
func (c *commandCapture) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		if sigErr := c.cmd.Process.Signal(os.Interrupt); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			err = fmt.Errorf("signal recorder: %w", sigErr)
		}
	})
	return err
}

// Close waits briefly for the recorder to exit and kills it otherwise.
func (c *commandCapture) Close() error {
	c.closeOnce.Do(func() {
		_ = c.Stop()

		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()

		var err error
		select {
		case err = <-done:
		case <-time.After(stopTimeout):
			_ = c.cmd.Process.Kill()
			err = <-done
		}

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			c.closeErr = fmt.Errorf("wait recorder: %w", err)
		}
		if tail := strings.TrimSpace(c.stderr.String()); tail != "" {
			c.log.Debug().Str("stderr", tail).Msg("recorder exited")
		}
	})
	return c.closeErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
