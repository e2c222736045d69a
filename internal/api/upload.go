package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/blackroom/blackroom-client/internal/identity"
	"github.com/blackroom/blackroom-client/internal/proto"
)

// File is one multipart payload.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// UploadRequest carries a file and the sender fields read at call time.
type UploadRequest struct {
	Room     string
	Identity identity.Identity
	File     File
}

// UploadVoice posts a recorded voice note to /upload/voice.
func (c *Client) UploadVoice(ctx context.Context, req UploadRequest) (proto.Result, error) {
	return c.upload(ctx, "/upload/voice", req)
}

// UploadBlob posts an attachment to /upload/blob. The server classifies it
// as image, video or file from the part's content type.
func (c *Client) UploadBlob(ctx context.Context, req UploadRequest) (proto.Result, error) {
	return c.upload(ctx, "/upload/blob", req)
}

func (c *Client) upload(ctx context.Context, path string, req UploadRequest) (proto.Result, error) {
	var res proto.Result
	if req.File.Body == nil {
		return res, fmt.Errorf("upload %s: file body is required", req.File.Name)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreatePart(filePartHeader(req.File))
	if err != nil {
		return res, fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, req.File.Body); err != nil {
		return res, fmt.Errorf("copy %s: %w", req.File.Name, err)
	}

	fields := []struct{ name, value string }{
		{proto.FieldRoom, req.Room},
		{proto.FieldFingerprint, req.Identity.Fingerprint},
		{proto.FieldLabel, req.Identity.Label},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return res, fmt.Errorf("write %s field: %w", f.name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return res, fmt.Errorf("close multipart body: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), &buf)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, fmt.Errorf("decode %s response: %w", path, err)
	}
	if !res.OK {
		return res, fmt.Errorf("upload %s: %w", req.File.Name, ErrNotOK)
	}
	return res, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func filePartHeader(f File) textproto.MIMEHeader {
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		proto.FieldFile, quoteEscaper.Replace(f.Name)))
	h.Set("Content-Type", contentType)
	return h
}
