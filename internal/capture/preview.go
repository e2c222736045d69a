package capture

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// Previews writes locally playable copies of drafts.
type Previews struct {
	fs  afero.Fs
	dir string
}

// NewPreviews stores previews in dir on fs. An empty dir means the OS temp dir.
func NewPreviews(fs afero.Fs, dir string) *Previews {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return &Previews{fs: fs, dir: dir}
}

// Create writes data to a fresh file with extension ext.
func (p *Previews) Create(data []byte, ext string) (*Preview, error) {
	f, err := afero.TempFile(p.fs, p.dir, "blackroom-preview-*."+ext)
	if err != nil {
		return nil, fmt.Errorf("create preview: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = p.fs.Remove(name)
		return nil, fmt.Errorf("write preview: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = p.fs.Remove(name)
		return nil, fmt.Errorf("close preview: %w", err)
	}
	return &Preview{fs: p.fs, Path: name, Size: int64(len(data))}, nil
}

// Preview is a draft's playable file. Release removes it.
type Preview struct {
	fs   afero.Fs
	Path string
	Size int64

	once sync.Once
}

// Release deletes the preview file. It is safe to call more than once.
func (p *Preview) Release() error {
	if p == nil {
		return nil
	}
	var err error
	p.once.Do(func() {
		if rmErr := p.fs.Remove(p.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = fmt.Errorf("release preview: %w", rmErr)
		}
	})
	return err
}
