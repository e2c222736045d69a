// Package api is the HTTP client for the BlackRoom REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackroom/blackroom-client/internal/identity"
	"github.com/blackroom/blackroom-client/internal/proto"
)

const (
	maxResponseBytes = 8 << 20
	maxErrorBody     = 512
)

// Options configures a Client.
type Options struct {
	// HTTPClient is used for every request. If nil, one with Timeout is built.
	HTTPClient *http.Client
	// Timeout bounds a whole request when HTTPClient is nil.
	Timeout time.Duration
}

// Client talks to one server. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zerolog.Logger
}

// New validates serverURL (http or https) and builds a client for it.
func New(serverURL string, opts Options, logger *zerolog.Logger) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}

	l := logger.With().Str("component", "api").Logger()
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		http:    hc,
		log:     &l,
	}, nil
}

// BaseURL is the server URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// SendText posts a text message to room as id.
func (c *Client) SendText(ctx context.Context, room string, id identity.Identity, text string) (proto.Result, error) {
	body := proto.OutboundText{
		Room:        room,
		ContentType: proto.ContentText,
		Content:     text,
		Fingerprint: id.Fingerprint,
		Label:       id.Label,
	}

	var res proto.Result
	if err := c.doJSON(ctx, http.MethodPost, "/messages", body, &res); err != nil {
		return res, err
	}
	if !res.OK {
		return res, fmt.Errorf("send text: %w", ErrNotOK)
	}
	return res, nil
}

// UpsertDevice registers the device's fingerprint and label with the server.
func (c *Client) UpsertDevice(ctx context.Context, id identity.Identity) (proto.DeviceRecord, error) {
	body := proto.DeviceUpsert{Fingerprint: id.Fingerprint, Label: id.Label}

	var rec proto.DeviceRecord
	if err := c.doJSON(ctx, http.MethodPost, "/device/upsert", body, &rec); err != nil {
		return rec, err
	}
	if !rec.OK {
		return rec, fmt.Errorf("upsert device: %w", ErrNotOK)
	}
	return rec, nil
}

// History returns up to limit recent entries of room, oldest first.
func (c *Client) History(ctx context.Context, room string, limit int) ([]proto.HistoryEntry, error) {
	path := "/rooms/" + url.PathEscape(room) + "/history"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var entries []proto.HistoryEntry
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// MediaURL is where the server serves an uploaded object of the given category.
func (c *Client) MediaURL(category, objectKey string) string {
	return MediaURL(c.baseURL, category, objectKey)
}

// MediaURL composes the download URL for objectKey under base.
func MediaURL(base, category, objectKey string) string {
	kind := "blob"
	if category == proto.ContentVoice {
		kind = "audio"
	}
	return strings.TrimRight(base, "/") + "/files/" + kind + "/" + url.PathEscape(objectKey)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	data, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(started)).
		Msg("request done")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := strings.TrimSpace(string(data))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: text}
	}
	return data, nil
}
