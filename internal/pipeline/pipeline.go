package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/ironsheep/detection-annotator/internal/annotate"
	"github.com/ironsheep/detection-annotator/internal/detection"
	"github.com/ironsheep/detection-annotator/internal/geometry"
	"github.com/ironsheep/detection-annotator/internal/imaging"
	"github.com/ironsheep/detection-annotator/internal/inference"
	"github.com/ironsheep/detection-annotator/internal/metrics"
	"github.com/ironsheep/detection-annotator/internal/store"
)

// Sink persists the output of a successful run. name is the upload's name.
// On error a Sink must not leave any object for that name behind.
type Sink interface {
	Save(ctx context.Context, name string, artifact *annotate.Artifact, report detection.PixelReport) (*store.Saved, error)
}

// Config is fixed for the lifetime of a Pipeline.
type Config struct {
	// InferenceEndpoint is the URL of the detector, for logging.
	InferenceEndpoint string

	// WorkingResolution is the resolution the detector reports boxes in.
	WorkingResolution geometry.Resolution

	// RequestTimeout bounds the detector call.
	RequestTimeout time.Duration

	// OutputSink, when set, receives every completed artifact.
	OutputSink Sink
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.WorkingResolution.Validate(); err != nil {
		return errors.Wrap(err, "working resolution")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0, got %v", c.RequestTimeout)
	}
	return nil
}

// Input is one image to annotate. URL is where the detector can fetch it.
type Input struct {
	Image imaging.ImageRef
	URL   string
}

// Result is the output of a successful run.
type Result struct {
	Artifact *annotate.Artifact

	// Report is the pixel-space report, in the detector's order.
	Report detection.PixelReport

	// Raw is the detector's report in working-resolution space.
	Raw detection.Report

	// Saved is set when an output sink is configured.
	Saved *store.Saved

	// States lists the states the run passed through, ending in Complete.
	States []State
}

// Pipeline orchestrates detection and annotation. It holds only immutable
// configuration and concurrency-safe collaborators.
type Pipeline struct {
	cfg      Config
	detector inference.Detector
	mapper   *geometry.Mapper
	renderer *annotate.Renderer
	log      logs.Log
	metrics  *metrics.Metrics
}

// New validates cfg and returns a Pipeline. m may be nil.
func New(cfg Config, detector inference.Detector, renderer *annotate.Renderer, log logs.Log, m *metrics.Metrics) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if detector == nil {
		return nil, errors.New("detector is required")
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	mapper, err := geometry.NewMapper(cfg.WorkingResolution)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:      cfg,
		detector: detector,
		mapper:   mapper,
		renderer: renderer,
		log:      log,
		metrics:  m,
	}, nil
}

// Config returns the pipeline's configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// run carries the per-invocation state of Run.
type run struct {
	p      *Pipeline
	name   string
	states []State
	start  time.Time
}

func (r *run) enter(s State) time.Time {
	r.states = append(r.states, s)
	return time.Now()
}

func (r *run) leave(s State, since time.Time) {
	r.p.metrics.ObserveStage(s.String(), time.Since(since))
}

func (r *run) fail(kind Kind, index int, err error) *Failure {
	f := &Failure{State: r.states[len(r.states)-1], Kind: kind, Index: index, Err: err}
	r.p.log.Warnf("Pipeline: %v: %v", r.name, f)
	r.p.metrics.ObserveRun(kind.String())
	return f
}

// Run annotates one image.
//
// The detector is asked for boxes at in.URL, each box is validated and mapped
// from the working resolution into in.Image's pixel space, the boxes are drawn
// onto a copy of in.Image, and the artifact is handed to the output sink when
// one is configured. Each stage is attempted once.
//
// Parameters:
//   - ctx: Bounds the whole run. The detector call is additionally bounded by
//     Config.RequestTimeout.
//   - in: The decoded upload and the absolute http(s) URL the detector fetches
//     it from. Both must describe the same pixels.
//
// Returns:
//   - *Result: The artifact, the raw and pixel-space reports, what was saved,
//     and the states the run passed through.
//   - error: A *Failure naming the state and kind of the first error. No
//     result is returned alongside it.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	defer p.metrics.Begin()()
	r := &run{p: p, name: in.Image.Name, start: time.Now()}
	r.enter(Received)

	if err := in.Image.Validate(); err != nil {
		return nil, r.fail(Ingestion, -1, err)
	}
	if err := validateImageURL(in.URL); err != nil {
		return nil, r.fail(Ingestion, -1, err)
	}

	t := r.enter(Detecting)
	raw, err := p.detect(ctx, in.URL)
	r.leave(Detecting, t)
	if err != nil {
		return nil, r.fail(Detection, -1, err)
	}

	t = r.enter(Mapping)
	original := in.Image.Resolution()
	report := make(detection.PixelReport, len(raw))
	for i, d := range raw {
		if err := d.Validate(); err != nil {
			r.leave(Mapping, t)
			return nil, r.fail(InvalidDetection, i, err)
		}
		report[i] = d.ToPixel(p.mapper, original)
	}
	r.leave(Mapping, t)
	p.metrics.ObserveDetections(len(report))

	t = r.enter(Rendering)
	artifact, err := p.renderer.Render(ctx, in.Image, report)
	r.leave(Rendering, t)
	if err != nil {
		return nil, r.fail(cancelledOr(ctx, err, Render), -1, err)
	}

	res := &Result{Artifact: artifact, Report: report, Raw: raw}
	if p.cfg.OutputSink != nil {
		t = r.enter(Persisting)
		saved, err := p.cfg.OutputSink.Save(ctx, in.Image.Name, artifact, report)
		r.leave(Persisting, t)
		if err != nil {
			return nil, r.fail(cancelledOr(ctx, err, Persist), -1, err)
		}
		res.Saved = saved
	}

	r.enter(Complete)
	res.States = r.states
	p.metrics.ObserveRun(metrics.OutcomeComplete)
	p.log.Infof("Pipeline: %v (%v): %d detections in %v", in.Image.Name, original, len(report), time.Since(r.start).Round(time.Millisecond))
	return res, nil
}

// cancelledOr classifies err as Cancelled when it was caused by ctx ending,
// and as kind otherwise.
func cancelledOr(ctx context.Context, err error, kind Kind) Kind {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return Cancelled
	}
	return kind
}

// detect calls the detector under RequestTimeout. A detector that returns
// something other than *inference.DetectionError has its error classified as
// Unreachable.
func (p *Pipeline) detect(ctx context.Context, imageURL string) (detection.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	p.log.Debugf("Pipeline: detecting %v via %v", imageURL, p.cfg.InferenceEndpoint)
	report, err := p.detector.Detect(ctx, imageURL)
	if err != nil {
		var de *inference.DetectionError
		if !errors.As(err, &de) {
			err = &inference.DetectionError{Kind: inference.Unreachable, Err: err}
		}
		return nil, err
	}
	return report, nil
}

func validateImageURL(raw string) error {
	if raw == "" {
		return errors.New("image URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "invalid image URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("image URL %q is not an absolute http(s) URL", raw)
	}
	return nil
}
