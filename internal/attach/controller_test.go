package attach

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/blackroom/blackroom-client/internal/api"
	"github.com/blackroom/blackroom-client/internal/identity"
	"github.com/blackroom/blackroom-client/internal/log"
	"github.com/blackroom/blackroom-client/internal/proto"
	"github.com/blackroom/blackroom-client/internal/testutil"
)

type placeholder struct {
	id   string
	name string

	mu     sync.Mutex
	done   *proto.Result
	failed error
	calls  int
}

func (p *placeholder) Done(res proto.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = &res
	p.calls++
}

func (p *placeholder) Failed(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = err
	p.calls++
}

type timeline struct {
	mu           sync.Mutex
	placeholders []*placeholder
}

func (tl *timeline) Placeholder(id, name string) Placeholder {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	p := &placeholder{id: id, name: name}
	tl.placeholders = append(tl.placeholders, p)
	return p
}

func (tl *timeline) byName(name string) *placeholder {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for _, p := range tl.placeholders {
		if p.name == name {
			return p
		}
	}
	return nil
}

var me = identity.Static{Fingerprint: "fp-1", Label: "ana"}

func newTestController(t *testing.T) (*Controller, *testutil.Backend, *timeline) {
	t.Helper()
	backend := testutil.NewBackend(t)
	client, err := api.New(backend.URL(), api.Options{Timeout: 5 * time.Second}, log.Nop())
	if err != nil {
		t.Fatalf("api client: %v", err)
	}
	tl := &timeline{}
	return New(client, me, tl, "alpha", log.Nop()), backend, tl
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestUploadFailuresAreIndependent(t *testing.T) {
	c, backend, tl := newTestController(t)
	backend.SetOutcome(func(_, name string) testutil.Outcome {
		if name == "broken.txt" {
			return testutil.OutcomeError
		}
		return testutil.OutcomeOK
	})

	files := []File{
		BytesFile("cat.png", "", pngHeader),
		BytesFile("broken.txt", "text/plain", []byte("oops")),
		BytesFile("notes.txt", "", []byte("plain words")),
	}

	results := c.Upload(context.Background(), files)

	if len(results) != 3 {
		t.Fatalf("expected three results, got %d", len(results))
	}
	for i, f := range files {
		if results[i].Name != f.Name {
			t.Fatalf("result %d is %s, want input order", i, results[i].Name)
		}
	}
	if results[0].Err != nil || results[0].Result.Category != proto.ContentImage {
		t.Fatalf("png should upload as image: %+v", results[0])
	}
	if !api.IsStatus(results[1].Err, 500) {
		t.Fatalf("broken.txt should fail with 500: %+v", results[1])
	}
	if results[2].Err != nil || results[2].Result.Category != proto.ContentFile {
		t.Fatalf("notes.txt should upload as file: %+v", results[2])
	}

	if p := tl.byName("cat.png"); p == nil || p.done == nil || p.calls != 1 {
		t.Fatalf("cat.png placeholder should be confirmed once: %+v", p)
	}
	if p := tl.byName("broken.txt"); p == nil || p.failed == nil || p.calls != 1 {
		t.Fatalf("broken.txt placeholder should show an error: %+v", p)
	}
	if p := tl.byName("notes.txt"); p == nil || p.done == nil {
		t.Fatalf("notes.txt placeholder should be confirmed: %+v", p)
	}
	if results[0].PlaceholderID == "" || results[0].PlaceholderID == results[2].PlaceholderID {
		t.Fatalf("placeholders need distinct ids")
	}

	ups := backend.Uploads()
	if len(ups) != 3 {
		t.Fatalf("expected three requests, got %d", len(ups))
	}
	for _, up := range ups {
		if up.Endpoint != "/upload/blob" || up.Room != "alpha" || up.Label != "ana" || up.Fingerprint != "fp-1" {
			t.Fatalf("unexpected upload fields: %+v", up)
		}
		if up.FileName == "cat.png" && up.ContentType != "image/png" {
			t.Fatalf("sniffed content type = %q", up.ContentType)
		}
		if up.FileName == "notes.txt" && !strings.HasPrefix(up.ContentType, "text/plain") {
			t.Fatalf("sniffed content type = %q", up.ContentType)
		}
	}
}

type blockingUploader struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	release chan struct{}
}

func (u *blockingUploader) UploadBlob(ctx context.Context, req api.UploadRequest) (proto.Result, error) {
	u.mu.Lock()
	u.active++
	if u.active > u.maxSeen {
		u.maxSeen = u.active
	}
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.active--
		u.mu.Unlock()
	}()

	_, _ = io.Copy(io.Discard, req.File.Body)
	select {
	case <-u.release:
		return proto.Result{OK: true, ID: 1}, nil
	case <-ctx.Done():
		return proto.Result{}, ctx.Err()
	}
}

func (u *blockingUploader) peak() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.maxSeen
}

func TestUploadsRunConcurrently(t *testing.T) {
	up := &blockingUploader{release: make(chan struct{})}
	tl := &timeline{}
	c := New(up, me, tl, "alpha", log.Nop())

	files := []File{
		BytesFile("a", "text/plain", []byte("a")),
		BytesFile("b", "text/plain", []byte("b")),
		BytesFile("c", "text/plain", []byte("c")),
	}

	done := make(chan []Result, 1)
	go func() { done <- c.Upload(context.Background(), files) }()

	testutil.Eventually(t, 2*time.Second, func() bool { return up.peak() == 3 },
		"expected all uploads in flight at once, peak %d", func() any { return up.peak() })

	tl.mu.Lock()
	inserted := len(tl.placeholders)
	tl.mu.Unlock()
	if inserted != 3 {
		t.Fatalf("every file needs its placeholder before completion, got %d", inserted)
	}

	close(up.release)
	for _, r := range <-done {
		if r.Err != nil {
			t.Fatalf("upload %s: %v", r.Name, r.Err)
		}
	}
}

type rejectingUploader struct{}

func (rejectingUploader) UploadBlob(context.Context, api.UploadRequest) (proto.Result, error) {
	return proto.Result{OK: false}, nil
}

func TestRejectedUploadIsAFailure(t *testing.T) {
	tl := &timeline{}
	c := New(rejectingUploader{}, me, tl, "alpha", log.Nop())

	results := c.Upload(context.Background(), []File{BytesFile("a.txt", "text/plain", []byte("a"))})

	if !errors.Is(results[0].Err, api.ErrNotOK) {
		t.Fatalf("expected ErrNotOK, got %v", results[0].Err)
	}
	if p := tl.byName("a.txt"); p == nil || p.failed == nil || p.done != nil {
		t.Fatalf("placeholder should show the failure: %+v", p)
	}
}

type panickyUploader struct{}

func (panickyUploader) UploadBlob(_ context.Context, req api.UploadRequest) (proto.Result, error) {
	if req.File.Name == "bad" {
		panic("boom")
	}
	return proto.Result{OK: true, ID: 7}, nil
}

func TestUploadPanicIsContained(t *testing.T) {
	tl := &timeline{}
	c := New(panickyUploader{}, me, tl, "alpha", log.Nop())

	results := c.Upload(context.Background(), []File{
		BytesFile("good", "text/plain", []byte("g")),
		BytesFile("bad", "text/plain", []byte("b")),
	})

	if results[0].Err != nil || results[0].Result.ID != 7 {
		t.Fatalf("good upload should succeed: %+v", results[0])
	}
	if results[1].Err == nil {
		t.Fatalf("panicking upload should report an error")
	}
	if p := tl.byName("bad"); p == nil || p.failed == nil {
		t.Fatalf("panicking upload should mark its placeholder failed")
	}
}

func TestOpenFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/home/ana/pics/cat.png", pngHeader, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fs.MkdirAll("/home/ana/docs", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := OpenFiles(fs, []string{"/home/ana/pics/cat.png"})
	if err != nil {
		t.Fatalf("open files: %v", err)
	}
	if len(files) != 1 || files[0].Name != "cat.png" || files[0].Size != int64(len(pngHeader)) {
		t.Fatalf("unexpected files: %+v", files)
	}

	rc, err := files[0].Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != string(pngHeader) {
		t.Fatalf("content mismatch")
	}

	if _, err := OpenFiles(fs, []string{"/home/ana/docs"}); err == nil {
		t.Fatalf("directories must be rejected")
	}
	if _, err := OpenFiles(fs, []string{"/missing"}); err == nil {
		t.Fatalf("missing files must be rejected")
	}
}

func TestSniffKeepsWholeContent(t *testing.T) {
	body := strings.Repeat("x", sniffLen*2)

	ct, r, err := sniff(strings.NewReader(body))
	if err != nil {
		t.Fatalf("sniff: %v", err)
	}
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	data, _ := io.ReadAll(r)
	if string(data) != body {
		t.Fatalf("sniffing must not consume the content")
	}

	_, _, err = sniff(errReader{})
	if err == nil {
		t.Fatalf("read errors should surface")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }
