package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"model-runner/internal/model"
)

// fakeForecaster records calls and writes one artifact per call.
type fakeForecaster struct {
	mu    sync.Mutex
	calls []string
	reqs  []ForecastRequest
	err   error
	// onRun runs before the artifact is written.
	onRun func()
}

func (f *fakeForecaster) RunCountyForecast(ctx context.Context, req ForecastRequest) error {
	return f.run("county", req)
}

func (f *fakeForecaster) RunStateForecast(ctx context.Context, req ForecastRequest) error {
	return f.run("state", req)
}

func (f *fakeForecaster) run(level string, req ForecastRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, level)
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun()
	}
	if f.err != nil {
		return f.err
	}
	name := req.Region
	if name == "" {
		name = "ALL"
	}
	return os.WriteFile(filepath.Join(req.Output, level+"-"+name+".json"), []byte(`{}`), 0o644)
}

// sequenceRevisions hands out rev-1, rev-2, ... on each call.
type sequenceRevisions struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceRevisions) Current(ctx context.Context) (model.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return model.Revision{ID: fmt.Sprintf("rev-%d", s.n), Branch: "main"}, nil
}

type failingRevisions struct{}

func (failingRevisions) Current(ctx context.Context) (model.Revision, error) {
	return model.Revision{}, errors.New("not a git repository")
}

type failingStamper struct{}

func (failingStamper) Stamp(level model.AggregationLevel, output string, m model.VersionManifest) (string, error) {
	return "", errors.New("disk full")
}

func newTestOrchestrator(fc *fakeForecaster, revs RevisionSource) (*Orchestrator, *MemorySink) {
	sink := &MemorySink{}
	return &Orchestrator{
		Invoker:   ForecastInvoker{Forecaster: fc},
		Revisions: revs,
		Events:    sink,
		Now:       func() time.Time { return time.Date(2020, 7, 7, 12, 0, 0, 0, time.UTC) },
	}, sink
}

func TestRun_FullCountyRun_StampsCountyManifest(t *testing.T) {
	out := t.TempDir()
	fc := &fakeForecaster{}
	o, sink := newTestOrchestrator(fc, &sequenceRevisions{})

	res, err := o.Run(context.Background(), "run-1", model.RunRequest{Level: model.LevelCounty, Country: "USA", Output: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != model.StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	if res.Coverage != model.CoverageFull {
		t.Fatalf("expected full coverage, got %s", res.Coverage)
	}
	want := filepath.Join(out, "county.version.json")
	if res.ManifestPath != want {
		t.Fatalf("manifest path: want %s got %s", want, res.ManifestPath)
	}
	m, err := ReadManifest(want)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.Key != "county" || m.Level != "county" || m.Country != "USA" || m.RunID != "run-1" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if m.Window.Start != "2020-03-07" || m.Window.End != "2020-07-06" {
		t.Fatalf("unexpected window: %+v", m.Window)
	}

	if !reflect.DeepEqual(fc.calls, []string{"county"}) {
		t.Fatalf("expected one county call, got %v", fc.calls)
	}
	req := fc.reqs[0]
	if !req.Start.Equal(time.Date(2020, 3, 7, 0, 0, 0, 0, time.UTC)) || !req.End.Equal(time.Date(2020, 7, 6, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected window passed to forecaster: %s..%s", req.Start, req.End)
	}
	if req.Region != "" || req.Country != "USA" || req.Output != out {
		t.Fatalf("unexpected forecast request: %+v", req)
	}

	wantStates := []model.RunState{
		model.StateResolving, model.StateInvoking, model.StateClassifying, model.StateStamping, model.StateDone,
	}
	if got := sink.States(); !reflect.DeepEqual(got, wantStates) {
		t.Fatalf("states: want %v got %v", wantStates, got)
	}
}

func TestRun_FullStateRun_StampsStatesManifest(t *testing.T) {
	out := t.TempDir()
	fc := &fakeForecaster{}
	o, _ := newTestOrchestrator(fc, &sequenceRevisions{})

	res, err := o.Run(context.Background(), "run-2", model.RunRequest{Level: model.LevelState, Country: "USA", Output: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != model.StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	if res.ManifestPath != filepath.Join(out, "states.version.json") {
		t.Fatalf("unexpected manifest path %s", res.ManifestPath)
	}
	if _, err := os.Stat(filepath.Join(out, "county.version.json")); !os.IsNotExist(err) {
		t.Fatalf("county manifest must not exist for a state run")
	}
	if !reflect.DeepEqual(fc.calls, []string{"state"}) {
		t.Fatalf("expected one state call, got %v", fc.calls)
	}
}

func TestRun_SingleStateRun_SkipsManifestWithoutError(t *testing.T) {
	out := t.TempDir()
	fc := &fakeForecaster{}
	o, sink := newTestOrchestrator(fc, &sequenceRevisions{})

	res, err := o.Run(context.Background(), "run-3", model.RunRequest{Level: model.LevelState, Country: "USA", Region: "ca", Output: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != model.StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	if res.Coverage != model.CoveragePartial || res.Stamped() || res.Err != nil || res.ErrorKind != "" {
		t.Fatalf("unexpected partial result: %+v", res)
	}
	if fc.reqs[0].Region != "CA" {
		t.Fatalf("expected region CA, got %q", fc.reqs[0].Region)
	}
	if _, err := os.Stat(filepath.Join(out, "states.version.json")); !os.IsNotExist(err) {
		t.Fatalf("partial run must not write a manifest")
	}

	var skips, errs int
	for _, ev := range sink.Events() {
		switch ev.Kind {
		case model.EventSkip:
			skips++
			if ev.State != model.StateSkippingStamp {
				t.Fatalf("skip reported in state %s", ev.State)
			}
		case model.EventError:
			errs++
		}
	}
	if skips != 1 || errs != 0 {
		t.Fatalf("expected exactly one skip and no errors, got skips=%d errors=%d", skips, errs)
	}
	wantStates := []model.RunState{
		model.StateResolving, model.StateInvoking, model.StateClassifying, model.StateSkippingStamp, model.StateDone,
	}
	if got := sink.States(); !reflect.DeepEqual(got, wantStates) {
		t.Fatalf("states: want %v got %v", wantStates, got)
	}
}

func TestRun_PartialRun_LeavesExistingManifestUntouched(t *testing.T) {
	out := t.TempDir()
	o, _ := newTestOrchestrator(&fakeForecaster{}, &sequenceRevisions{})

	full, err := o.Run(context.Background(), "full", model.RunRequest{Level: model.LevelCounty, Country: "USA", Output: out})
	if err != nil {
		t.Fatalf("full run: %v", err)
	}
	before, err := os.ReadFile(full.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}

	if _, err := o.Run(context.Background(), "partial", model.RunRequest{Level: model.LevelCounty, Country: "USA", Region: "TX", Output: out}); err != nil {
		t.Fatalf("partial run: %v", err)
	}
	after, err := os.ReadFile(full.ManifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("partial run modified the manifest")
	}
}

func TestRun_ForecastFailure_NeverStamps(t *testing.T) {
	for _, region := range []model.RegionFilter{"", "CA"} {
		t.Run("region="+string(region), func(t *testing.T) {
			out := t.TempDir()
			fc := &fakeForecaster{err: errors.New("model diverged")}
			o, sink := newTestOrchestrator(fc, &sequenceRevisions{})

			res, err := o.Run(context.Background(), "run", model.RunRequest{Level: model.LevelState, Country: "USA", Region: region, Output: out})
			if !errors.Is(err, ErrForecastFailure) {
				t.Fatalf("expected ErrForecastFailure, got %v", err)
			}
			if res.State != model.StateFailed || res.ArtifactsProduced || res.Stamped() {
				t.Fatalf("unexpected result: %+v", res)
			}
			if res.ErrorKind != "forecast_failure" {
				t.Fatalf("unexpected error kind %q", res.ErrorKind)
			}
			entries, _ := filepath.Glob(filepath.Join(out, "*.version.json"))
			if len(entries) != 0 {
				t.Fatalf("manifest written after forecast failure: %v", entries)
			}
			states := sink.States()
			if states[len(states)-1] != model.StateFailed {
				t.Fatalf("expected terminal failed, got %v", states)
			}
			for _, s := range states {
				if s == model.StateStamping || s == model.StateClassifying {
					t.Fatalf("must not reach %s after forecast failure", s)
				}
			}
		})
	}
}

func TestRun_StampFailure_IsDistinguishable(t *testing.T) {
	out := t.TempDir()
	o, _ := newTestOrchestrator(&fakeForecaster{}, &sequenceRevisions{})
	o.Stamper = failingStamper{}

	res, err := o.Run(context.Background(), "run", model.RunRequest{Level: model.LevelCounty, Country: "USA", Output: out})
	if !errors.Is(err, ErrStampFailure) {
		t.Fatalf("expected ErrStampFailure, got %v", err)
	}
	if errors.Is(err, ErrForecastFailure) {
		t.Fatalf("stamp failure must not look like a forecast failure")
	}
	if res.State != model.StateFailed || !res.ArtifactsProduced || res.Stamped() {
		t.Fatalf("expected failed run with artifacts and no manifest, got %+v", res)
	}
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.State != model.StateStamping {
		t.Fatalf("expected RunError in stamping state, got %#v", err)
	}
}

func TestRun_InvalidCountry_FailsBeforeSideEffects(t *testing.T) {
	out := filepath.Join(t.TempDir(), "never-created")
	fc := &fakeForecaster{}
	o, _ := newTestOrchestrator(fc, &sequenceRevisions{})

	for _, country := range []string{"", "  ", "Atlantis"} {
		_, err := o.Run(context.Background(), "run", model.RunRequest{Level: model.LevelCounty, Country: country, Output: out})
		if !errors.Is(err, ErrInvalidScope) {
			t.Fatalf("country %q: expected ErrInvalidScope, got %v", country, err)
		}
	}
	if len(fc.calls) != 0 {
		t.Fatalf("forecaster must not be called, got %v", fc.calls)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output location must not be created")
	}
}

func TestRun_RevisionUnavailable_Fails(t *testing.T) {
	fc := &fakeForecaster{}
	o, _ := newTestOrchestrator(fc, failingRevisions{})

	res, err := o.Run(context.Background(), "run", model.RunRequest{Level: model.LevelCounty, Country: "USA", Output: t.TempDir()})
	if !errors.Is(err, ErrRevisionUnavailable) {
		t.Fatalf("expected ErrRevisionUnavailable, got %v", err)
	}
	if res.State != model.StateFailed || len(fc.calls) != 0 {
		t.Fatalf("unexpected result %+v calls=%v", res, fc.calls)
	}
}

func TestRun_BlankRegionFilter_NeverStamps(t *testing.T) {
	fc := &fakeForecaster{}
	o, _ := newTestOrchestrator(fc, &sequenceRevisions{})

	for _, level := range []model.AggregationLevel{model.LevelCounty, model.LevelState} {
		out := t.TempDir()
		res, err := o.Run(context.Background(), "run", model.RunRequest{Level: level, Country: "USA", Region: "   ", Output: out})
		if !errors.Is(err, ErrInvalidScope) {
			t.Fatalf("%s: expected ErrInvalidScope, got %v", level, err)
		}
		if res.Coverage == model.CoverageFull || res.Stamped() {
			t.Fatalf("%s: blank filter widened to a full run: %+v", level, res)
		}
		matches, _ := filepath.Glob(filepath.Join(out, "*.version.json"))
		if len(matches) != 0 {
			t.Fatalf("%s: manifest written for a filtered run: %v", level, matches)
		}
	}
	if len(fc.calls) != 0 {
		t.Fatalf("forecaster must not be called, got %v", fc.calls)
	}
}

func TestRun_InvalidScopeWinsOverMissingRevision(t *testing.T) {
	fc := &fakeForecaster{}
	o, _ := newTestOrchestrator(fc, failingRevisions{})

	_, err := o.Run(context.Background(), "run", model.RunRequest{Level: model.LevelState, Country: "Atlantis", Output: t.TempDir()})
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
	if errors.Is(err, ErrRevisionUnavailable) {
		t.Fatalf("input error reported as revision failure: %v", err)
	}
}

func TestRun_ManifestUsesRevisionCapturedAtStart(t *testing.T) {
	out := t.TempDir()
	revs := &sequenceRevisions{}
	fc := &fakeForecaster{}
	// the revision moves while the forecast is running
	fc.onRun = func() { _, _ = revs.Current(context.Background()) }
	o, _ := newTestOrchestrator(fc, revs)

	res, err := o.Run(context.Background(), "run", model.RunRequest{Level: model.LevelCounty, Country: "USA", Output: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m, err := ReadManifest(res.ManifestPath)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.Revision.ID != "rev-1" {
		t.Fatalf("expected revision captured at start (rev-1), got %s", m.Revision.ID)
	}
	if revs.n != 2 {
		t.Fatalf("expected revision source to have advanced, n=%d", revs.n)
	}
}

func TestRun_RerunOverwritesManifest(t *testing.T) {
	out := t.TempDir()
	o, _ := newTestOrchestrator(&fakeForecaster{}, &sequenceRevisions{})
	req := model.RunRequest{Level: model.LevelState, Country: "USA", Output: out}

	if _, err := o.Run(context.Background(), "first", req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := o.Run(context.Background(), "second", req)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	manifests, err := filepath.Glob(filepath.Join(out, "*.version.json*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(manifests) != 1 {
		t.Fatalf("expected exactly one manifest file, got %v", manifests)
	}
	m, err := ReadManifest(res.ManifestPath)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.RunID != "second" || m.Revision.ID != "rev-2" {
		t.Fatalf("expected last writer to win, got %+v", m)
	}
}

func TestRun_CreatesMissingOutputLocation(t *testing.T) {
	out := filepath.Join(t.TempDir(), "results", "county")
	o, _ := newTestOrchestrator(&fakeForecaster{}, &sequenceRevisions{})

	res, err := o.Run(context.Background(), "run", model.RunRequest{Level: model.LevelCounty, Country: "USA", Output: out})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "county-ALL.json")); err != nil {
		t.Fatalf("expected artifact in created output dir: %v", err)
	}
	if !res.Stamped() {
		t.Fatalf("expected manifest")
	}
}

func TestRun_OutputLocationIsAFile_ForecastFailure(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(out, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	fc := &fakeForecaster{}
	o, _ := newTestOrchestrator(fc, &sequenceRevisions{})

	_, err := o.Run(context.Background(), "run", model.RunRequest{Level: model.LevelCounty, Country: "USA", Output: out})
	if !errors.Is(err, ErrForecastFailure) {
		t.Fatalf("expected ErrForecastFailure, got %v", err)
	}
	if len(fc.calls) != 0 {
		t.Fatalf("forecaster must not run, got %v", fc.calls)
	}
}

func TestRun_DistinctOutputsRunConcurrently(t *testing.T) {
	base := t.TempDir()
	o, _ := newTestOrchestrator(&fakeForecaster{}, &sequenceRevisions{})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := filepath.Join(base, fmt.Sprintf("out-%d", i))
			_, err := o.Run(context.Background(), fmt.Sprintf("run-%d", i), model.RunRequest{Level: model.LevelCounty, Country: "USA", Output: out})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent run failed: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		if _, err := os.Stat(filepath.Join(base, fmt.Sprintf("out-%d", i), "county.version.json")); err != nil {
			t.Fatalf("missing manifest for out-%d: %v", i, err)
		}
	}
}
