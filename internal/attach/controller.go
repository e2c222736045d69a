// Package attach uploads attachments concurrently, one placeholder per file.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/blackroom/blackroom-client/internal/api"
	"github.com/blackroom/blackroom-client/internal/identity"
	"github.com/blackroom/blackroom-client/internal/proto"
)

var errUploadAborted = errors.New("upload aborted")

// Uploader sends one attachment. A result with OK false counts as a failure.
type Uploader interface {
	UploadBlob(ctx context.Context, req api.UploadRequest) (proto.Result, error)
}

// Timeline inserts inline placeholders into the chat view.
type Timeline interface {
	Placeholder(id, name string) Placeholder
}

// Placeholder is the inline status of one upload. Exactly one of its
// methods is called.
type Placeholder interface {
	Done(res proto.Result)
	Failed(err error)
}

// Result is the outcome of one file.
type Result struct {
	PlaceholderID string
	Name          string
	Result        proto.Result
	Err           error
}

// Controller uploads attachments to one room.
type Controller struct {
	uploader Uploader
	identity identity.Source
	timeline Timeline
	room     string
	log      *zerolog.Logger
}

// New builds a controller for room.
func New(up Uploader, id identity.Source, tl Timeline, room string, logger *zerolog.Logger) *Controller {
	l := logger.With().Str("component", "attach").Logger()
	return &Controller{uploader: up, identity: id, timeline: tl, room: room, log: &l}
}

// Upload sends every file concurrently and returns once all have finished.
// Failures are independent and never retried. Results are in input order.
func (c *Controller) Upload(ctx context.Context, files []File) []Result {
	results := make([]Result, len(files))
	placeholders := make([]Placeholder, len(files))

	var wg conc.WaitGroup
	for i, f := range files {
		id := uuid.NewString()
		results[i] = Result{PlaceholderID: id, Name: f.Name}
		ph := c.timeline.Placeholder(id, f.Name)
		placeholders[i] = ph

		wg.Go(func() {
			res, err := c.uploadOne(ctx, f)
			if err == nil && !res.OK {
				err = api.ErrNotOK
			}
			results[i].Result = res
			results[i].Err = err
			if err != nil {
				c.log.Warn().Err(err).Str("file", f.Name).Msg("attachment upload failed")
				ph.Failed(err)
				return
			}
			c.log.Info().Str("file", f.Name).Int64("id", res.ID).Str("category", res.Category).Msg("attachment uploaded")
			ph.Done(res)
		})
	}

	if rec := wg.WaitAndRecover(); rec != nil {
		c.log.Error().Str("panic", rec.String()).Msg("attachment upload panicked")
		for i := range results {
			if results[i].Err == nil && !results[i].Result.OK {
				results[i].Err = errUploadAborted
				placeholders[i].Failed(errUploadAborted)
			}
		}
	}
	return results
}

func (c *Controller) uploadOne(ctx context.Context, f File) (proto.Result, error) {
	if f.Open == nil {
		return proto.Result{}, fmt.Errorf("%s: nothing to read", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return proto.Result{}, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	contentType := f.ContentType
	var body io.Reader = rc
	if contentType == "" {
		contentType, body, err = sniff(rc)
		if err != nil {
			return proto.Result{}, fmt.Errorf("read %s: %w", f.Name, err)
		}
	}

	return c.uploader.UploadBlob(ctx, api.UploadRequest{
		Room:     c.room,
		Identity: c.identity.Current(),
		File:     api.File{Name: f.Name, ContentType: contentType, Body: body},
	})
}
