// Package store persists uploads and annotation artifacts in a blob store.
//
// Two backends are provided: FS (a local directory) and GCS (a Google Cloud
// Storage bucket). Names are flat: they may not contain path separators or
// "..".
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNoPublicURL is returned by URL when the backend cannot hand out
	// direct links; callers serve the object themselves.
	ErrNoPublicURL = errors.New("store has no public URL for objects")

	// ErrNotFound is returned by ReadFile for a missing object.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidName is returned for names that are empty or contain path
	// elements.
	ErrInvalidName = errors.New("invalid object name")
)

// Store is an abstraction of a blob store.
type Store interface {
	// When finished, you must close the WriteCloser. A write is only durable
	// once Close has returned nil.
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader.
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	// URL returns a direct public link to the object, or ErrNoPublicURL.
	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader      io.ReadCloser
	ModifiedAt  time.Time
	Size        int64
	ContentType string
}

// WriteFile copies content into the named object.
func WriteFile(ctx context.Context, s Store, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

// ReadFile returns the whole content of the named object.
func ReadFile(ctx context.Context, s Store, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

// ValidateName rejects names that could escape the store's namespace.
func ValidateName(name string) error {
	if name == "" || name == "." || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ContentType guesses an object's MIME type from its extension.
func ContentType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}
