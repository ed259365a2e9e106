package store

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
)

// FS is a filesystem-based blob store rooted at a directory.
type FS struct {
	Root string
	log  logs.Log
}

// NewFS creates root if needed and returns a store over it.
func NewFS(log logs.Log, root string) (*FS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory %v (relative path %v): %w", absRoot, root, err)
	}
	return &FS{
		Root: absRoot,
		log:  log,
	}, nil
}

// fsWriter writes to a temporary file and renames it into place on Close, so
// readers never observe a partial object.
type fsWriter struct {
	*os.File
	ctx   context.Context
	final string
}

func (w *fsWriter) Close() error {
	tmp := w.File.Name()
	if err := w.File.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := w.ctx.Err(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, w.final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.log.Debugf("Store: writing %v", name)
	f, err := os.CreateTemp(s.Root, ".tmp-"+name+"-*")
	if err != nil {
		return nil, err
	}
	return &fsWriter{File: f, ctx: ctx, final: filepath.Join(s.Root, name)}, nil
}

func (s *FS) ReadFile(ctx context.Context, name string) (*File, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(s.Root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrNotFound, name)
	} else if err != nil {
		return nil, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &File{
		Reader:      file,
		ModifiedAt:  st.ModTime(),
		Size:        st.Size(),
		ContentType: ContentType(name),
	}, nil
}

func (s *FS) DeleteFile(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	s.log.Debugf("Store: deleting %v", name)
	err := os.Remove(filepath.Join(s.Root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(ErrNotFound, name)
	}
	return err
}

func (s *FS) URL(name string) (string, error) {
	return "", ErrNoPublicURL
}
