package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"model-runner/internal/model"
)

// RevisionSource reports the code/configuration revision a run is produced from
type RevisionSource interface {
	Current(ctx context.Context) (model.Revision, error)
}

// Orchestrator runs one aggregation level end to end:
// resolve scope -> invoke forecast -> classify coverage -> stamp (full runs only).
//
// A single Run is strictly sequential. The orchestrator holds no state between
// runs, so runs against distinct output locations may proceed concurrently;
// runs against the same output location must be serialized by the caller
// (see OutputLocks).
type Orchestrator struct {
	Selector  RegionSelector
	Invoker   ForecastInvoker
	Stamper   VersionStamper
	Revisions RevisionSource
	Events    EventSink
	Now       func() time.Time
}

// Run executes req and returns its result. The returned error is the same as
// result.Err and is nil only when the run ended in StateDone.
func (o *Orchestrator) Run(ctx context.Context, runID string, req model.RunRequest) (model.RunResult, error) {
	r := &run{o: o, state: model.StateIdle}
	req.Output = strings.TrimSpace(req.Output)
	if req.Output != "" {
		req.Output = filepath.Clean(req.Output)
	}
	r.result = model.RunResult{
		RunID:     runID,
		Request:   req,
		State:     model.StateIdle,
		StartedAt: o.now(),
	}

	// --- RESOLVING ---
	if err := r.moveTo(model.StateResolving, "Resolving run scope", map[string]interface{}{
		"level":  string(req.Level),
		"region": string(req.Region),
		"output": req.Output,
	}); err != nil {
		return r.fail(err)
	}

	scope, err := o.Selector.Select(req.Level, req.Country, req.Region)
	if err != nil {
		return r.fail(err)
	}
	if req.Output == "" {
		return r.fail(runErrorf(ErrInvalidScope, model.StateResolving, nil, "output location is required"))
	}
	window, err := model.WindowFor(scope.Level)
	if err == nil {
		err = window.Validate()
	}
	if err != nil {
		return r.fail(runErrorf(ErrInvalidScope, model.StateResolving, err, "simulation window"))
	}
	r.result.Scope = scope
	r.result.Window = window.Record()

	// captured before anything runs so the manifest names what produced the artifacts
	if o.Revisions == nil {
		return r.fail(runErrorf(ErrRevisionUnavailable, model.StateResolving, nil, "no revision source configured"))
	}
	rev, err := o.Revisions.Current(ctx)
	if err != nil {
		return r.fail(runErrorf(ErrRevisionUnavailable, model.StateResolving, err, "capture revision"))
	}
	r.result.Revision = rev

	// --- INVOKING ---
	if err := r.moveTo(model.StateInvoking, "Invoking forecast", map[string]interface{}{
		"scope":    scope.String(),
		"window":   window.String(),
		"revision": rev.ID,
	}); err != nil {
		return r.fail(err)
	}
	if err := o.Invoker.Invoke(ctx, window, scope, req.Output); err != nil {
		return r.fail(ensureKind(err, ErrForecastFailure, model.StateInvoking))
	}
	r.result.ArtifactsProduced = true

	// --- CLASSIFYING ---
	if err := r.moveTo(model.StateClassifying, "Wrote output to "+req.Output, nil); err != nil {
		return r.fail(err)
	}
	coverage := Classify(scope)
	r.result.Coverage = coverage

	if coverage == model.CoveragePartial {
		if err := r.moveTo(model.StateSkippingStamp, "Skipping version manifest", map[string]interface{}{
			"coverage": string(coverage),
		}); err != nil {
			return r.fail(err)
		}
		r.emit(model.EventSkip, "Skip version file because this is not a full run", map[string]interface{}{
			"region": scope.Region,
		})
		return r.done(nil)
	}

	// --- STAMPING ---
	if err := r.moveTo(model.StateStamping, "Writing version manifest", map[string]interface{}{
		"key": scope.Level.ManifestKey(),
	}); err != nil {
		return r.fail(err)
	}
	manifest := model.VersionManifest{
		Key:       scope.Level.ManifestKey(),
		Revision:  rev,
		Level:     string(scope.Level),
		Country:   scope.Country,
		Window:    window.Record(),
		RunID:     runID,
		WrittenAt: o.now(),
	}
	path, err := o.stamper().Stamp(scope.Level, req.Output, manifest)
	if err != nil {
		return r.fail(ensureKind(err, ErrStampFailure, model.StateStamping))
	}
	r.result.ManifestPath = path

	return r.done(map[string]interface{}{"manifest": path})
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) stamper() VersionStamper {
	if o.Stamper != nil {
		return o.Stamper
	}
	return FileStamper{}
}

// run is the state of one Orchestrator.Run call
type run struct {
	o      *Orchestrator
	state  model.RunState
	result model.RunResult
}

func (r *run) moveTo(to model.RunState, msg string, fields map[string]interface{}) error {
	if err := Transition(r.state, to); err != nil {
		return err
	}
	r.state = to
	r.result.State = to
	r.emit(model.EventState, msg, fields)
	return nil
}

func (r *run) emit(kind, msg string, fields map[string]interface{}) {
	if r.o.Events == nil {
		return
	}
	r.o.Events.Record(model.RunEvent{
		RunID:   r.result.RunID,
		State:   r.state,
		Kind:    kind,
		Message: msg,
		Fields:  fields,
		At:      r.o.now(),
	})
}

func (r *run) done(fields map[string]interface{}) (model.RunResult, error) {
	if err := r.moveTo(model.StateDone, "Run complete", fields); err != nil {
		return r.fail(err)
	}
	r.result.FinishedAt = r.o.now()
	return r.result, nil
}

func (r *run) fail(err error) (model.RunResult, error) {
	r.emit(model.EventError, err.Error(), map[string]interface{}{
		"kind":      ErrorKind(err),
		"failed_in": string(r.state),
	})
	if terr := r.moveTo(model.StateFailed, "Run failed", nil); terr != nil {
		err = errors.Join(err, terr)
		r.state = model.StateFailed
		r.result.State = model.StateFailed
	}
	r.result.Err = err
	r.result.ErrorKind = ErrorKind(err)
	r.result.Error = err.Error()
	r.result.FinishedAt = r.o.now()
	return r.result, err
}

// ensureKind wraps errors from injected collaborators that did not classify themselves
func ensureKind(err, kind error, state model.RunState) error {
	if errors.Is(err, kind) {
		return err
	}
	return &RunError{Kind: kind, State: state, Err: err}
}
