// Package app wires configuration into a ready-to-use run service.
package app

import (
	"fmt"
	"io"
	"log"

	"model-runner/internal/config"
	"model-runner/internal/forecast"
	"model-runner/internal/pipeline"
	"model-runner/internal/publish"
	"model-runner/internal/revision"
	"model-runner/internal/store"
)

// Options adjust the wiring for a single process
type Options struct {
	// Revision pins the revision instead of reading it from git.
	Revision string
	// ForecastOutput receives the collaborator's process output.
	ForecastOutput io.Writer
	Logger         *log.Logger
}

// NewForecaster builds the collaborator selected by cfg
func NewForecaster(cfg config.Forecaster, out io.Writer) (pipeline.Forecaster, error) {
	switch cfg.Kind {
	case config.ForecasterCommand:
		return forecast.CommandForecaster{Argv: cfg.Command, Dir: cfg.Workdir, Env: cfg.Env, Stream: out}, nil
	case config.ForecasterDryRun:
		return forecast.StaticForecaster{Regions: cfg.Regions}, nil
	default:
		return nil, fmt.Errorf("unknown forecaster kind %q", cfg.Kind)
	}
}

// NewRevisionSource returns a pinned source when override is set, git otherwise
func NewRevisionSource(cfg config.Revision, override string) pipeline.RevisionSource {
	if override != "" {
		return revision.Static{ID: override}
	}
	return revision.GitSource{Dir: cfg.RepoDir}
}

// NewPublisher returns nil when publishing is disabled
func NewPublisher(cfg config.Publish) (pipeline.Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	s3, err := publish.NewS3Store(cfg)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	retry := publish.DefaultRetryConfig
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	return &publish.Publisher{Store: s3, Bucket: cfg.Bucket, Prefix: cfg.Prefix, Workers: cfg.Workers, Retry: retry}, nil
}

// NewService opens the ledger (when configured) and assembles the run service.
// Callers should defer store.Close().
func NewService(cfg config.Config, opts Options) (*pipeline.RunService, error) {
	forecaster, err := NewForecaster(cfg.Forecaster, opts.ForecastOutput)
	if err != nil {
		return nil, err
	}
	publisher, err := NewPublisher(cfg.Publish)
	if err != nil {
		return nil, err
	}

	var ledger pipeline.RunLedger
	if cfg.Database != "" {
		if err := store.InitDB(cfg.Database); err != nil {
			return nil, fmt.Errorf("open run ledger %s: %w", cfg.Database, err)
		}
		ledger = store.RunRecorder{}
	}

	orch := &pipeline.Orchestrator{
		Selector:  pipeline.RegionSelector{Countries: cfg.Countries},
		Invoker:   pipeline.ForecastInvoker{Forecaster: forecaster},
		Stamper:   pipeline.FileStamper{},
		Revisions: NewRevisionSource(cfg.Revision, opts.Revision),
		Events:    pipeline.LogSink{Logger: opts.Logger},
	}
	return pipeline.NewRunService(orch, ledger, publisher), nil
}
