package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cyclopcam/logs"

	"github.com/ironsheep/detection-annotator/internal/annotate"
	"github.com/ironsheep/detection-annotator/internal/config"
	"github.com/ironsheep/detection-annotator/internal/inference"
	"github.com/ironsheep/detection-annotator/internal/metrics"
	"github.com/ironsheep/detection-annotator/internal/pipeline"
	"github.com/ironsheep/detection-annotator/internal/server"
	"github.com/ironsheep/detection-annotator/internal/store"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// infoLog drops debug messages.
type infoLog struct {
	logs.Log
}

func (infoLog) Debugf(format string, a ...interface{}) {}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Printf("annotator %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
			return
		}
	}

	cfg, err := config.Load(os.Args, os.Getenv)
	if err != nil {
		var ue *config.UsageError
		if errors.As(err, &ue) {
			fmt.Print(ue.Usage)
		} else {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		}
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()
	if !cfg.Debug() {
		logger = infoLog{logger}
	}
	logger.Infof("annotator %v (built %v, commit %v)", Version, BuildTime, GitCommit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Errorf("%v", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logs.Log) error {
	m := metrics.New()

	uploads, err := store.NewFS(log, cfg.UploadDir)
	if err != nil {
		return err
	}
	var outputs store.Store
	if cfg.GCSBucket != "" {
		outputs, err = store.NewGCS(ctx, log, cfg.GCSBucket, "", cfg.GCSPublic)
		log.Infof("Storing outputs in gs://%v", cfg.GCSBucket)
	} else {
		outputs, err = store.NewFS(log, cfg.OutputDir)
		log.Infof("Storing outputs in %v", cfg.OutputDir)
	}
	if err != nil {
		return err
	}

	var detector inference.Detector
	if cfg.StubInference {
		log.Warnf("Using stub inference: every image gets an empty detection report")
		detector = inference.NewStub(nil)
	} else {
		client, err := inference.NewClient(cfg.InferenceURL, cfg.RequestTimeout, inference.WithLog(log))
		if err != nil {
			return err
		}
		detector = client
	}

	renderer, err := annotate.NewRenderer(cfg.RendererOptions())
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		InferenceEndpoint: cfg.InferenceURL,
		WorkingResolution: cfg.WorkingResolution(),
		RequestTimeout:    cfg.RequestTimeout,
		OutputSink:        store.NewArtifactSink(outputs, log),
	}, detector, renderer, log, m)
	if err != nil {
		return err
	}

	if cfg.PublicURL == "" {
		log.Warnf("No public URL configured; the inference service will fetch uploads from the address each request arrived on")
	}
	srv, err := server.New(server.Options{
		PublicURL:        cfg.PublicURL,
		TrustRequestHost: cfg.TrustRequestHost,
		MaxUploadSize:    cfg.MaxUploadSize,
		RateLimit:        cfg.RateLimit,
		KeepUploads:      cfg.KeepUploads,
	}, p, uploads, outputs, log, m)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.Listen)
}
