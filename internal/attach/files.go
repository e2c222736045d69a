package attach

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

// File is one attachment to upload.
type File struct {
	// Name is the display name and the multipart file name.
	Name string
	Size int64
	// ContentType is sniffed from the content when empty.
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// OpenFiles builds attachments from paths on fs. Every path must be a regular file.
func OpenFiles(fs afero.Fs, paths []string) ([]File, error) {
	files := make([]File, 0, len(paths))
	for _, p := range paths {
		info, err := fs.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", p)
		}

		path := p
		files = append(files, File{
			Name: filepath.Base(p),
			Size: info.Size(),
			Open: func() (io.ReadCloser, error) { return fs.Open(path) },
		})
	}
	return files, nil
}

// BytesFile wraps in-memory content as an attachment.
func BytesFile(name, contentType string, data []byte) File {
	return File{
		Name:        name,
		Size:        int64(len(data)),
		ContentType: contentType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// sniff detects the content type of r from its first bytes and returns a
// reader that still yields the whole content.
func sniff(r io.Reader) (string, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", nil, err
	}
	head = head[:n]
	return mimetype.Detect(head).String(), io.MultiReader(bytes.NewReader(head), r), nil
}
