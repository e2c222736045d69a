package router

import "time"

// Direction tells whether a message was sent from this device.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// UnknownAuthor replaces a missing device label.
const UnknownAuthor = "—"

// Bubble is everything a renderer needs to draw one message.
type Bubble struct {
	ID        int64
	Direction Direction
	Author    string
	// Content is the text body, or the original file name for file messages.
	Content string
	FileRef string
	MIME    string
	// TS is zero when RawTS could not be parsed.
	TS    time.Time
	RawTS string
}

// Renderer is implemented by the presentation layer. The router calls at
// most one method per frame.
type Renderer interface {
	Presence(count int)
	Text(b Bubble)
	Voice(b Bubble)
	Image(b Bubble)
	Video(b Bubble)
	File(b Bubble)
}

var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTS accepts ISO-8601 with or without a zone; naive values are UTC.
func parseTS(raw string) time.Time {
	for _, layout := range tsLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
