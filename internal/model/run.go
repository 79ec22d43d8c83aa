package model

import "time"

// RegionFilter names a single region (e.g. a state code). Empty means all regions.
type RegionFilter string

// Scope is the logical set of regions a run covers
type Scope struct {
	Level   AggregationLevel `json:"level"`
	Country string           `json:"country"`
	Region  string           `json:"region,omitempty"` // empty = every region of Level in Country
}

// AllRegions reports whether the scope spans every region of its level
func (s Scope) AllRegions() bool { return s.Region == "" }

func (s Scope) String() string {
	if s.AllRegions() {
		return "all " + string(s.Level) + " regions in " + s.Country
	}
	return string(s.Level) + " " + s.Region + " in " + s.Country
}

// Coverage is the classification of a run's scope
type Coverage string

const (
	CoverageFull    Coverage = "full"
	CoveragePartial Coverage = "partial"
)

// Revision identifies the code/configuration state that produced a run
type Revision struct {
	ID         string    `json:"id"`
	Branch     string    `json:"branch,omitempty"`
	Dirty      bool      `json:"dirty"`
	CapturedAt time.Time `json:"captured_at"`
}

// RunState is a step of the orchestration state machine
type RunState string

const (
	StateIdle          RunState = "idle"
	StateResolving     RunState = "resolving"
	StateInvoking      RunState = "invoking"
	StateClassifying   RunState = "classifying"
	StateStamping      RunState = "stamping"
	StateSkippingStamp RunState = "skipping_stamp"
	StateDone          RunState = "done"
	StateFailed        RunState = "failed"
)

// RunRequest is what a caller submits
type RunRequest struct {
	Level   AggregationLevel `json:"level"`
	Region  RegionFilter     `json:"region,omitempty"`
	Country string           `json:"country"`
	Output  string           `json:"output"` // output location (directory)
}

// VersionManifest marks an output location as produced by one identifiable revision
type VersionManifest struct {
	Key       string       `json:"key"`
	Revision  Revision     `json:"revision"`
	Level     string       `json:"level"`
	Country   string       `json:"country"`
	Window    WindowRecord `json:"window"`
	RunID     string       `json:"run_id,omitempty"`
	WrittenAt time.Time    `json:"written_at"`
}

// Event kinds reported while a run moves through its states
const (
	EventState         = "state"
	EventSkip          = "skip"
	EventError         = "error"
	EventPublished     = "published"
	EventPublishFailed = "publish_failed"
)

// RunEvent is one observable step of a run
type RunEvent struct {
	RunID   string                 `json:"run_id"`
	State   RunState               `json:"state"`
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	At      time.Time              `json:"at"`
}

// RunResult is the outcome of one orchestrated run.
// ArtifactsProduced is set once the forecast collaborator reported success, so a
// failed run with ArtifactsProduced=true has artifacts on disk but no manifest.
type RunResult struct {
	RunID             string       `json:"run_id"`
	Request           RunRequest   `json:"request"`
	State             RunState     `json:"state"`
	Coverage          Coverage     `json:"coverage,omitempty"`
	Scope             Scope        `json:"scope"`
	Window            WindowRecord `json:"window"`
	Revision          Revision     `json:"revision"`
	ManifestPath      string       `json:"manifest_path,omitempty"`
	ArtifactsProduced bool         `json:"artifacts_produced"`
	ErrorKind         string       `json:"error_kind,omitempty"`
	Error             string       `json:"error,omitempty"`
	PublishError      string       `json:"publish_error,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	FinishedAt        time.Time    `json:"finished_at"`

	Err error `json:"-"`
}

// Stamped reports whether the run left a version manifest behind
func (r RunResult) Stamped() bool { return r.ManifestPath != "" }
