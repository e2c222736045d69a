package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blackroom/blackroom-client/internal/capture"
)

// ErrUnknownCommand is returned for a slash command Exec does not know.
var ErrUnknownCommand = errors.New("unknown command")

// Help lists the chat loop commands.
const Help = `/rec              start or stop a voice note
/send             send the voice draft
/discard          drop the voice draft
/upload <path>... send files
/label <name>     rename this device
/whoami           show this device
/history          show recent messages
/quit             leave`

// Exec runs one line typed in the chat loop. Lines without a leading slash
// are sent as text. quit reports that the loop should end.
func (s *Session) Exec(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return false, s.SendText(ctx, line)
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "rec":
		err := s.voice.Toggle(ctx)
		if errors.Is(err, capture.ErrBusy) {
			s.render.Notice("voice note busy, try again")
			return false, nil
		}
		return false, err
	case "send":
		return false, s.voice.Send(ctx)
	case "discard":
		return false, s.voice.Discard()
	case "upload":
		paths := strings.Fields(rest)
		if len(paths) == 0 {
			return false, errors.New("usage: /upload <path>...")
		}
		if _, err := s.Upload(ctx, paths); err != nil {
			return false, err
		}
		return false, nil
	case "label":
		return false, s.SetLabel(ctx, rest)
	case "whoami":
		id := s.identity.Current()
		s.render.Notice(fmt.Sprintf("%s (%s) in %s", id.Label, id.Fingerprint, s.cfg.Room))
		return false, nil
	case "history":
		return false, s.ShowHistory(ctx)
	case "help":
		for _, l := range strings.Split(Help, "\n") {
			s.render.Notice(l)
		}
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
}
