// Package forecast holds the Forecaster implementations the runner can be wired with.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"model-runner/internal/model"
	"model-runner/internal/pipeline"
)

// DefaultCommand is the argv template used when none is configured
var DefaultCommand = []string{
	"pyseir", "run-{level}-forecast",
	"--min-date", "{start}",
	"--max-date", "{end}",
	"--output-dir", "{output}",
	"--country", "{country}",
	"--state", "{region}",
}

const outputTailLines = 20

// CommandForecaster runs the forecasting model as an external process.
// Argv is a template; see ExpandArgs for the placeholders.
type CommandForecaster struct {
	Argv []string
	Dir  string
	Env  []string
	// Stream, when set, receives the process output as it is produced.
	Stream io.Writer
}

func (c CommandForecaster) RunCountyForecast(ctx context.Context, req pipeline.ForecastRequest) error {
	return c.run(ctx, model.LevelCounty, req)
}

func (c CommandForecaster) RunStateForecast(ctx context.Context, req pipeline.ForecastRequest) error {
	return c.run(ctx, model.LevelState, req)
}

func (c CommandForecaster) run(ctx context.Context, level model.AggregationLevel, req pipeline.ForecastRequest) error {
	argv := ExpandArgs(c.Argv, level, req)
	if len(argv) == 0 {
		return errors.New("forecast command is empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	tail := &tailWriter{max: 64 * 1024}
	var w io.Writer = tail
	if c.Stream != nil {
		w = io.MultiWriter(tail, c.Stream)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s exited after %s: %w\n%s", argv[0], time.Since(start).Round(time.Millisecond), err, tail.Lines(outputTailLines))
	}
	return nil
}

// ExpandArgs substitutes {level}, {start}, {end}, {output}, {country} and
// {region} in tmpl. With no region filter, any argument mentioning {region}
// is dropped, together with a preceding flag when the argument is exactly
// "{region}", so "--state {region}" disappears for full runs.
func ExpandArgs(tmpl []string, level model.AggregationLevel, req pipeline.ForecastRequest) []string {
	if len(tmpl) == 0 {
		tmpl = DefaultCommand
	}
	r := strings.NewReplacer(
		"{level}", string(level),
		"{start}", req.Start.Format(time.DateOnly),
		"{end}", req.End.Format(time.DateOnly),
		"{output}", req.Output,
		"{country}", req.Country,
		"{region}", req.Region,
	)

	out := make([]string, 0, len(tmpl))
	for _, arg := range tmpl {
		if req.Region == "" && strings.Contains(arg, "{region}") {
			if arg == "{region}" && len(out) > 1 && strings.HasPrefix(out[len(out)-1], "-") {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, r.Replace(arg))
	}
	return out
}

// tailWriter keeps the last max bytes written to it
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

// Lines returns at most n trailing lines
func (t *tailWriter) Lines(n int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := strings.Split(strings.TrimRight(string(t.buf), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
