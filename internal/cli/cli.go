package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"

	"model-runner/internal/app"
	"model-runner/internal/config"
	"model-runner/internal/model"
	"model-runner/internal/pipeline"
	"model-runner/internal/store"
)

const (
	ExitSuccess           = 0
	ExitForecastFailure   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitStampFailure      = 4
	ExitInternalError     = 5
)

const usage = `Run models

Usage:
  model-runner county [-s STATE] [-o DIR] [flags]   run county level model
  model-runner state  [-s STATE] [-o DIR] [flags]   run state level model
  model-runner config                               print the default configuration
`

// Invocation is a parsed command line
type Invocation struct {
	Level      model.AggregationLevel
	Region     string
	Output     string
	Country    string
	ConfigPath string
	Database   string
	NoDatabase bool
	Revision   string
	DryRun     bool
}

// InvocationError carries the exit code for a bad command line
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses "<county|state> [flags]"
func ParseInvocation(args []string, stderr io.Writer) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{}, invalidInvocationf("a command is required\n\n%s", usage)
	}
	level, err := model.ParseAggregationLevel(args[0])
	if err != nil {
		return Invocation{}, invalidInvocationf("unknown command %q\n\n%s", args[0], usage)
	}

	inv := Invocation{Level: level}
	fs := flag.NewFlagSet(string(level), flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&inv.Region, "state", "", "Run a single state (skips the version file)")
	fs.StringVar(&inv.Region, "s", "", "Shorthand for --state")
	fs.StringVar(&inv.Output, "output", "", "Output directory (default from config)")
	fs.StringVar(&inv.Output, "o", "", "Shorthand for --output")
	fs.StringVar(&inv.Country, "country", "", "Country to run (default from config)")
	fs.StringVar(&inv.ConfigPath, "config", "", "Config file (default "+config.DefaultPath+" if present)")
	fs.StringVar(&inv.Database, "db", "", "Run ledger path (overrides config)")
	fs.BoolVar(&inv.NoDatabase, "no-db", false, "Do not record the run in the ledger")
	fs.StringVar(&inv.Revision, "revision", "", "Pin the revision recorded in the version file instead of reading git")
	fs.BoolVar(&inv.DryRun, "dry-run", false, "Write placeholder artifacts instead of running the model")

	if err := fs.Parse(args[1:]); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return Invocation{}, invalidInvocationf("unexpected arguments: %q", strings.Join(fs.Args(), " "))
	}
	return inv, nil
}

// Run is the whole command: parse, configure, execute. It returns the exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "config" {
		fmt.Fprint(stdout, config.DefaultYAML())
		return ExitSuccess
	}
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help" || args[0] == "help") {
		fmt.Fprint(stdout, usage)
		return ExitSuccess
	}

	inv, err := ParseInvocation(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		fmt.Fprintln(stderr, err)
		return ExitCode(err)
	}

	cfg, err := config.Load(inv.ConfigPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfigError
	}
	applyOverrides(&cfg, inv)
	if inv.Output == "" {
		inv.Output = cfg.OutputFor(string(inv.Level))
	}

	logger := log.New(stderr, "", log.LstdFlags)
	svc, err := app.NewService(cfg, app.Options{Revision: inv.Revision, ForecastOutput: stderr, Logger: logger})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitConfigError
	}
	defer store.Close()

	req := model.RunRequest{
		Level:   inv.Level,
		Region:  model.RegionFilter(inv.Region),
		Country: cfg.Country,
		Output:  inv.Output,
	}
	result, err := svc.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "❌ %s run failed: %v\n", inv.Level, err)
		if result.ArtifactsProduced {
			fmt.Fprintf(stderr, "⚠️  artifacts were written to %s but are not versioned\n", result.Request.Output)
		}
		return ExitCode(err)
	}

	switch {
	case result.Stamped():
		fmt.Fprintf(stdout, "✅ %s run %s done: wrote %s (revision %s)\n", inv.Level, result.RunID, result.ManifestPath, result.Revision.ID)
	default:
		fmt.Fprintf(stdout, "✅ %s run %s done: partial run of %s, version file skipped\n", inv.Level, result.RunID, result.Scope.Region)
	}
	if result.PublishError != "" {
		fmt.Fprintf(stderr, "⚠️  publish failed: %s\n", result.PublishError)
	}
	return ExitSuccess
}

func applyOverrides(cfg *config.Config, inv Invocation) {
	if inv.Country != "" {
		cfg.Country = inv.Country
	}
	if inv.Database != "" {
		cfg.Database = inv.Database
	}
	if inv.NoDatabase {
		cfg.Database = ""
	}
	if inv.DryRun {
		cfg.Forecaster.Kind = config.ForecasterDryRun
	}
}

// ExitCode maps an error to the process exit code
func ExitCode(err error) int {
	var invErr *InvocationError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &invErr):
		return invErr.ExitCode
	case errors.Is(err, pipeline.ErrInvalidScope), errors.Is(err, pipeline.ErrOutputBusy):
		return ExitInvalidInvocation
	case errors.Is(err, pipeline.ErrForecastFailure):
		return ExitForecastFailure
	case errors.Is(err, pipeline.ErrStampFailure):
		return ExitStampFailure
	case errors.Is(err, pipeline.ErrRevisionUnavailable):
		return ExitConfigError
	default:
		return ExitInternalError
	}
}
