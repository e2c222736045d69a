// Package testutil provides a fake BlackRoom server for package tests.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/blackroom/blackroom-client/internal/proto"
)

// Outcome decides how the backend answers a write request.
type Outcome int

const (
	// OutcomeOK answers 200 {"ok": true}.
	OutcomeOK Outcome = iota
	// OutcomeNotOK answers 200 {"ok": false}.
	OutcomeNotOK
	// OutcomeError answers 500.
	OutcomeError
)

// Upload is one multipart request received on /upload/voice or /upload/blob.
type Upload struct {
	Endpoint    string
	Room        string
	Fingerprint string
	Label       string
	FileName    string
	ContentType string
	Data        []byte
}

// Backend fakes the server's REST and stream interfaces over httptest.
type Backend struct {
	Server *httptest.Server

	mu               sync.Mutex
	rooms            map[string]*room
	attempts         map[string][]time.Time
	history          map[string][]proto.HistoryEntry
	texts            []proto.OutboundText
	uploads          []Upload
	devices          []proto.DeviceUpsert
	outcome          func(endpoint, name string) Outcome
	rejectStreams    int
	closeOnAccept    bool
	embedFingerprint bool
	nextID           int64
}

// NewBackend starts a backend that is closed when the test ends.
func NewBackend(t *testing.T) *Backend {
	t.Helper()

	gin.SetMode(gin.TestMode)

	b := &Backend{
		rooms:    make(map[string]*room),
		attempts: make(map[string][]time.Time),
		history:  make(map[string][]proto.HistoryEntry),
	}

	r := gin.New()
	r.POST("/messages", b.handleMessage)
	r.POST("/upload/voice", b.handleUpload)
	r.POST("/upload/blob", b.handleUpload)
	r.POST("/device/upsert", b.handleDevice)
	r.GET("/rooms/:room/history", b.handleHistory)

	// Streams bypass gin so Accept can hijack the raw ResponseWriter.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", b.handleStream)
	mux.Handle("/", r)

	b.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.KickAll()
		b.Server.Close()
	})
	return b
}

// URL is the http base URL of the backend.
func (b *Backend) URL() string { return b.Server.URL }

// SetOutcome installs a decision function for writes. name is the uploaded
// file name, or the text content for /messages.
func (b *Backend) SetOutcome(fn func(endpoint, name string) Outcome) {
	b.mu.Lock()
	b.outcome = fn
	b.mu.Unlock()
}

// RejectStreams makes the next n stream handshakes fail with 503.
func (b *Backend) RejectStreams(n int) {
	b.mu.Lock()
	b.rejectStreams = n
	b.mu.Unlock()
}

// CloseOnAccept makes every stream close right after the handshake.
func (b *Backend) CloseOnAccept(v bool) {
	b.mu.Lock()
	b.closeOnAccept = v
	b.mu.Unlock()
}

// EmbedFingerprint includes device.fingerprint in broadcast message frames.
func (b *Backend) EmbedFingerprint(v bool) {
	b.mu.Lock()
	b.embedFingerprint = v
	b.mu.Unlock()
}

// SetHistory replaces the backlog returned for room.
func (b *Backend) SetHistory(room string, entries []proto.HistoryEntry) {
	b.mu.Lock()
	b.history[room] = entries
	b.mu.Unlock()
}

// Attempts returns the time of every stream handshake for room.
func (b *Backend) Attempts(room string) []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.attempts[room]...)
}

// Subscribers returns the number of live streams for room.
func (b *Backend) Subscribers(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rooms[room]; ok {
		return len(r.clients)
	}
	return 0
}

// Texts returns every body received on /messages.
func (b *Backend) Texts() []proto.OutboundText {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]proto.OutboundText(nil), b.texts...)
}

// Uploads returns every multipart upload received.
func (b *Backend) Uploads() []Upload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Upload(nil), b.uploads...)
}

// Devices returns every device upsert received.
func (b *Backend) Devices() []proto.DeviceUpsert {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]proto.DeviceUpsert(nil), b.devices...)
}

// Broadcast marshals frame and sends it to every stream of room.
func (b *Backend) Broadcast(room string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	b.BroadcastRaw(room, data)
}

// BroadcastRaw sends data as-is, which allows malformed frames.
func (b *Backend) BroadcastRaw(room string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rooms[room]; ok {
		r.broadcast(data)
	}
}

// Kick closes every stream of room, like a server restart would.
func (b *Backend) Kick(room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rooms[room]; ok {
		for s := range r.clients {
			s.close()
		}
	}
}

// KickAll closes every stream.
func (b *Backend) KickAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.rooms {
		for s := range r.clients {
			s.close()
		}
	}
}

func (b *Backend) decide(endpoint, name string) Outcome {
	b.mu.Lock()
	fn := b.outcome
	b.mu.Unlock()
	if fn == nil {
		return OutcomeOK
	}
	return fn(endpoint, name)
}

func (b *Backend) handleStream(w http.ResponseWriter, req *http.Request) {
	name := strings.TrimPrefix(req.URL.Path, "/ws/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, req)
		return
	}

	b.mu.Lock()
	b.attempts[name] = append(b.attempts[name], time.Now())
	reject := b.rejectStreams > 0
	if reject {
		b.rejectStreams--
	}
	closeNow := b.closeOnAccept
	b.mu.Unlock()

	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	if closeNow {
		conn.Close(websocket.StatusGoingAway, "restarting")
		return
	}

	sub := newSubscriber(name)
	b.mu.Lock()
	r, ok := b.rooms[name]
	if !ok {
		r = newRoom(name)
		b.rooms[name] = r
	}
	r.add(sub)
	b.broadcastPresenceLocked(r)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if r.remove(sub) {
			b.broadcastPresenceLocked(r)
		}
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	// Reads only drive control frames; the client never sends data.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.CloseNow()
			return
		case <-sub.kick:
			conn.Close(websocket.StatusGoingAway, "server restart")
			return
		case frame := <-sub.frames:
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

func (b *Backend) broadcastPresenceLocked(r *room) {
	data, _ := json.Marshal(map[string]any{
		"type":  proto.FrameTypePresence,
		"room":  r.name,
		"count": len(r.clients),
	})
	r.broadcast(data)
}

func (b *Backend) handleMessage(c *gin.Context) {
	var body proto.OutboundText
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	b.mu.Lock()
	b.texts = append(b.texts, body)
	b.mu.Unlock()

	if !b.respond(c, "/messages", body.Content) {
		return
	}

	id := b.publish(body.Room, body.Fingerprint, body.Label, proto.ContentText, &body.Content, nil, "")
	c.JSON(http.StatusOK, proto.Result{OK: true, ID: id})
}

func (b *Backend) handleUpload(c *gin.Context) {
	endpoint := c.FullPath()

	header, err := c.FormFile(proto.FieldFile)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "file is required"})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "empty file"})
		return
	}

	up := Upload{
		Endpoint:    endpoint,
		Room:        c.DefaultPostForm(proto.FieldRoom, "alpha"),
		Fingerprint: c.PostForm(proto.FieldFingerprint),
		Label:       c.PostForm(proto.FieldLabel),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	b.mu.Lock()
	b.uploads = append(b.uploads, up)
	b.mu.Unlock()

	if !b.respond(c, endpoint, up.FileName) {
		return
	}

	sum := sha256.Sum256(data)
	ext := strings.TrimPrefix(filepath.Ext(up.FileName), ".")
	if ext == "" {
		ext = "bin"
	}
	key := hex.EncodeToString(sum[:]) + "." + ext

	category := proto.ContentVoice
	var content *string
	if endpoint == "/upload/blob" {
		category = classify(up.ContentType)
		content = &up.FileName
	}

	id := b.publish(up.Room, up.Fingerprint, up.Label, category, content, &key, up.ContentType)
	c.JSON(http.StatusOK, proto.Result{OK: true, ID: id, ObjectKey: key, Category: category})
}

func classify(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return proto.ContentImage
	case strings.HasPrefix(ct, "video/"):
		return proto.ContentVideo
	default:
		return proto.ContentFile
	}
}

// respond writes the failure response for a non-OK outcome and reports
// whether the caller should continue with success.
func (b *Backend) respond(c *gin.Context, endpoint, name string) bool {
	switch b.decide(endpoint, name) {
	case OutcomeNotOK:
		c.JSON(http.StatusOK, gin.H{"ok": false})
		return false
	case OutcomeError:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "boom"})
		return false
	default:
		return true
	}
}

func (b *Backend) publish(roomName, fingerprint, label, contentType string, content, fileRef *string, mime string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	device := map[string]any{"id": 1, "label": label, "ip": "127.0.0.1"}
	if b.embedFingerprint {
		device["fingerprint"] = fingerprint
	}
	frame := map[string]any{
		"type":         proto.FrameTypeMsg,
		"room":         roomName,
		"device":       device,
		"content_type": contentType,
		"content":      content,
		"file_ref":     fileRef,
		"ts":           time.Now().UTC().Format("2006-01-02T15:04:05.000000"),
		"id":           id,
	}
	if mime != "" {
		frame["mime"] = mime
	}
	data, _ := json.Marshal(frame)
	if r, ok := b.rooms[roomName]; ok {
		r.broadcast(data)
	}
	return id
}

func (b *Backend) handleDevice(c *gin.Context) {
	var body proto.DeviceUpsert
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	b.mu.Lock()
	b.devices = append(b.devices, body)
	id := int64(len(b.devices))
	b.mu.Unlock()

	c.JSON(http.StatusOK, proto.DeviceRecord{OK: true, DeviceID: id, Label: body.Label, IPLast: c.ClientIP()})
}

func (b *Backend) handleHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid limit"})
		return
	}

	b.mu.Lock()
	entries := append([]proto.HistoryEntry{}, b.history[c.Param("room")]...)
	b.mu.Unlock()

	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	c.JSON(http.StatusOK, entries)
}

// Eventually polls cond until it holds or timeout elapses. Arguments of
// type func() any are called only when the failure is reported, so they
// describe the state at the deadline.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf(format, resolveArgs(args)...)
}

func resolveArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if fn, ok := a.(func() any); ok {
			a = fn()
		}
		out[i] = a
	}
	return out
}
