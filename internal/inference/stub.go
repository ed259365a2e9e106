package inference

import (
	"context"
	"sync"
	"time"

	"github.com/ironsheep/detection-annotator/internal/detection"
)

// Stub is an in-process Detector that returns a fixed report or error. It
// records the URLs it was asked about.
type Stub struct {
	// Report is returned (as a copy) on every call when Err is nil.
	Report detection.Report

	// Err, when set, is returned instead of a report.
	Err error

	// Delay simulates inference latency. Cancelling the context during the
	// delay returns an Unreachable error.
	Delay time.Duration

	mu   sync.Mutex
	urls []string
}

// NewStub returns a Stub that answers every call with report.
func NewStub(report detection.Report) *Stub {
	return &Stub{Report: report}
}

func (s *Stub) Detect(ctx context.Context, imageURL string) (detection.Report, error) {
	s.mu.Lock()
	s.urls = append(s.urls, imageURL)
	s.mu.Unlock()

	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, unreachable(ctx.Err())
		}
	} else if err := ctx.Err(); err != nil {
		return nil, unreachable(err)
	}

	if s.Err != nil {
		return nil, s.Err
	}
	report := s.Report.Clone()
	if report == nil {
		report = detection.Report{}
	}
	return report, nil
}

// URLs returns the image URLs received so far, in call order.
func (s *Stub) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}
