package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ironsheep/detection-annotator/internal/metrics"
	"github.com/ironsheep/detection-annotator/internal/pipeline"
	"github.com/ironsheep/detection-annotator/internal/store"
)

// Options configures the HTTP layer.
type Options struct {
	// PublicURL is the base URL under which the inference service can fetch
	// uploads, e.g. "http://annotator:8080". It should be set in deployment.
	// Empty means the local address each request arrived on.
	PublicURL string

	// TrustRequestHost derives the base URL from the request's Host and
	// X-Forwarded-Proto headers when PublicURL is empty. Both are client
	// controlled, so enable it only behind a proxy that sets them.
	TrustRequestHost bool

	// MaxUploadSize is the largest accepted request body.
	MaxUploadSize int64

	// RateLimit is the number of upload requests allowed per minute per
	// client IP. Zero disables rate limiting.
	RateLimit int

	// KeepUploads leaves raw uploads in the upload store after a run.
	KeepUploads bool
}

// DefaultMaxUploadSize is used when Options.MaxUploadSize is zero.
const DefaultMaxUploadSize = 32 << 20

// Server is the HTTP ingestion and UI layer.
type Server struct {
	opts     Options
	pipeline *pipeline.Pipeline
	uploads  store.Store
	outputs  store.Store
	log      logs.Log
	metrics  *metrics.Metrics
	router   *httprouter.Router
}

// New creates a Server. outputs is the store the pipeline's sink writes to
// and may be nil when nothing is persisted. m may be nil.
func New(opts Options, p *pipeline.Pipeline, uploads, outputs store.Store, log logs.Log, m *metrics.Metrics) (*Server, error) {
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if uploads == nil {
		return nil, errors.New("upload store is required")
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	s := &Server{
		opts:     opts,
		pipeline: p,
		uploads:  uploads,
		outputs:  outputs,
		log:      log,
		metrics:  m,
		router:   httprouter.New(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	var limited func(http.Handler) http.Handler
	if s.opts.RateLimit > 0 {
		limited = httprate.LimitByIP(s.opts.RateLimit, time.Minute)
	}

	s.handle("GET", "/", s.httpIndex, nil)
	s.handle("POST", "/upload", s.httpUpload, limited)
	s.handle("POST", "/api/v1/detect", s.httpDetect, limited)
	s.handle("GET", "/uploads/:name", s.httpServeUpload, nil)
	s.handle("GET", "/outputs/:name", s.httpServeOutput, nil)
	s.handle("GET", "/healthz", s.httpHealth, nil)
	if s.metrics != nil {
		s.router.Handler("GET", "/metrics", s.metrics.Handler())
	}

	s.router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cors(w)
		w.WriteHeader(http.StatusNoContent)
	})
	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, "Not Found", http.StatusNotFound)
	})
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infof("Server: listening on %v", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Infof("Server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
