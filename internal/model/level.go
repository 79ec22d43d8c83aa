package model

import (
	"fmt"
	"strings"
	"time"
)

// AggregationLevel is the granularity a forecast run covers
type AggregationLevel string

const (
	LevelCounty AggregationLevel = "county"
	LevelState  AggregationLevel = "state"
)

// ParseAggregationLevel accepts "county" or "state" (case-insensitive)
func ParseAggregationLevel(raw string) (AggregationLevel, error) {
	switch AggregationLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case LevelCounty:
		return LevelCounty, nil
	case LevelState:
		return LevelState, nil
	default:
		return "", fmt.Errorf("unknown aggregation level %q (expected county|state)", raw)
	}
}

// Valid reports whether l is one of the known levels
func (l AggregationLevel) Valid() bool {
	return l == LevelCounty || l == LevelState
}

// ManifestKey is the name a version manifest is tagged with for this level.
// State runs use the plural key that downstream consumers already look for.
func (l AggregationLevel) ManifestKey() string {
	switch l {
	case LevelCounty:
		return "county"
	case LevelState:
		return "states"
	default:
		return ""
	}
}

func (l AggregationLevel) String() string { return string(l) }

// Window bounds shared by every aggregation level.
var (
	windowStart = time.Date(2020, time.March, 7, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2020, time.July, 6, 0, 0, 0, 0, time.UTC)
)

// SimulationWindow is the inclusive date range a forecast is fit over.
// It is fixed by policy and never supplied by the caller.
type SimulationWindow struct {
	start time.Time
	end   time.Time
}

// WindowFor returns the policy window for level
func WindowFor(level AggregationLevel) (SimulationWindow, error) {
	if !level.Valid() {
		return SimulationWindow{}, fmt.Errorf("no simulation window for level %q", level)
	}
	return SimulationWindow{start: windowStart, end: windowEnd}, nil
}

func (w SimulationWindow) Start() time.Time { return w.start }
func (w SimulationWindow) End() time.Time   { return w.end }

// Validate enforces start <= end on a non-zero window
func (w SimulationWindow) Validate() error {
	if w.start.IsZero() || w.end.IsZero() {
		return fmt.Errorf("simulation window is not set")
	}
	if w.end.Before(w.start) {
		return fmt.Errorf("simulation window end %s is before start %s", w.end.Format(time.DateOnly), w.start.Format(time.DateOnly))
	}
	return nil
}

func (w SimulationWindow) String() string {
	return w.start.Format(time.DateOnly) + ".." + w.end.Format(time.DateOnly)
}

// WindowRecord is the serialized form of a SimulationWindow
type WindowRecord struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Record returns the serialized form of the window
func (w SimulationWindow) Record() WindowRecord {
	return WindowRecord{Start: w.start.Format(time.DateOnly), End: w.end.Format(time.DateOnly)}
}
