package store

import (
	"context"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
)

// GCS is a Google Cloud Storage-based blob store. Objects are written under
// an optional prefix inside the bucket.
type GCS struct {
	bucketName string
	prefix     string
	bucket     *gcs.BucketHandle
	isPublic   bool
	log        logs.Log
}

// NewGCS connects to bucketName using application default credentials. When
// isPublic is set, URL returns direct storage.googleapis.com links.
func NewGCS(ctx context.Context, log logs.Log, bucketName, prefix string, isPublic bool) (*GCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCS client")
	}
	return &GCS{
		bucketName: bucketName,
		prefix:     prefix,
		bucket:     client.Bucket(bucketName),
		isPublic:   isPublic,
		log:        log,
	}, nil
}

func (s *GCS) object(name string) *gcs.ObjectHandle {
	return s.bucket.Object(s.prefix + name)
}

func (s *GCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.log.Debugf("Store: writing gs://%v/%v%v", s.bucketName, s.prefix, name)
	w := s.object(name).NewWriter(ctx)
	w.ContentType = ContentType(name)
	return w, nil
}

func (s *GCS) ReadFile(ctx context.Context, name string) (*File, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	r, err := s.object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, errors.Wrap(ErrNotFound, name)
	} else if err != nil {
		return nil, err
	}
	return &File{
		Reader:      r,
		ModifiedAt:  r.Attrs.LastModified,
		Size:        r.Attrs.Size,
		ContentType: r.Attrs.ContentType,
	}, nil
}

func (s *GCS) DeleteFile(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := s.object(name).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return errors.Wrap(ErrNotFound, name)
	}
	return err
}

func (s *GCS) URL(name string) (string, error) {
	if !s.isPublic {
		return "", ErrNoPublicURL
	}
	return "https://storage.googleapis.com/" + s.bucketName + "/" + s.prefix + name, nil
}
