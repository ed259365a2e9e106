package store

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/ironsheep/detection-annotator/internal/annotate"
	"github.com/ironsheep/detection-annotator/internal/detection"
	"github.com/ironsheep/detection-annotator/internal/imaging"
)

// Saved names the objects written for one annotated image.
type Saved struct {
	Image string `json:"image"`
	JSON  string `json:"json"`

	// ImageURL and JSONURL are direct links when the store has them.
	ImageURL string `json:"image_url,omitempty"`
	JSONURL  string `json:"json_url,omitempty"`
}

// ArtifactNames returns the object names for the artifacts of an upload
// called name: "annotated_<stem><ext>" and "predictions_<stem>.json". ext is
// the extension of the encoded image, so a PNG rendered from "cat.jpg" is
// stored as "annotated_cat.png".
func ArtifactNames(name, ext string) (image, report string) {
	stem := imaging.Stem(name)
	if ext == "" {
		ext = ".png"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return "annotated_" + stem + ext, "predictions_" + stem + ".json"
}

// ArtifactSink writes annotated images and their pixel-space reports to a
// Store. It is safe for concurrent use when the Store is.
type ArtifactSink struct {
	store Store
	log   logs.Log
}

// NewArtifactSink returns a sink writing to s.
func NewArtifactSink(s Store, log logs.Log) *ArtifactSink {
	return &ArtifactSink{store: s, log: log}
}

// Store returns the underlying store.
func (s *ArtifactSink) Store() Store {
	return s.store
}

// Save writes the artifact image and the report for the upload called name.
// Either both objects are written or, on error, neither is left behind.
func (s *ArtifactSink) Save(ctx context.Context, name string, artifact *annotate.Artifact, report detection.PixelReport) (*Saved, error) {
	if artifact == nil {
		return nil, errors.New("no artifact to save")
	}
	imageName, jsonName := ArtifactNames(name, artifact.Extension())
	if err := ValidateName(imageName); err != nil {
		return nil, err
	}

	if report == nil {
		report = detection.PixelReport{}
	}
	reportJSON, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode report")
	}

	if err := WriteFile(ctx, s.store, imageName, bytes.NewReader(artifact.Data)); err != nil {
		s.rollback(imageName)
		return nil, errors.Wrapf(err, "failed to write %v", imageName)
	}
	if err := WriteFile(ctx, s.store, jsonName, bytes.NewReader(reportJSON)); err != nil {
		s.rollback(imageName, jsonName)
		return nil, errors.Wrapf(err, "failed to write %v", jsonName)
	}

	saved := &Saved{Image: imageName, JSON: jsonName}
	if u, err := s.store.URL(imageName); err == nil {
		saved.ImageURL = u
	}
	if u, err := s.store.URL(jsonName); err == nil {
		saved.JSONURL = u
	}
	s.log.Infof("Store: saved %v and %v", imageName, jsonName)
	return saved, nil
}

// rollback deletes partially written objects, outside the request context.
func (s *ArtifactSink) rollback(names ...string) {
	for _, n := range names {
		err := s.store.DeleteFile(context.Background(), n)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warnf("Store: failed to remove partial artifact %v: %v", n, err)
		}
	}
}
