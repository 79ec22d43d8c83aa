package pipeline

import (
	"time"

	"model-runner/internal/model"
)

// StageMetrics is the time a run spent in one state
type StageMetrics struct {
	State     model.RunState `json:"state"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
}

// RunMetrics summarizes a run from its recorded events
type RunMetrics struct {
	RunID      string         `json:"run_id"`
	Status     model.RunState `json:"status"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Stages     []StageMetrics `json:"stages"`
	ErrorCount int            `json:"error_count"`
	Skipped    bool           `json:"skipped_stamp"`
	Published  bool           `json:"published"`
}

// ComputeMetrics derives stage timings from events in the order they were
// recorded. A stage ends when the next state is entered; the last stage of
// an unfinished run stays open.
func ComputeMetrics(runID string, events []model.RunEvent) RunMetrics {
	m := RunMetrics{RunID: runID, Status: model.StateIdle, Stages: []StageMetrics{}}
	for _, ev := range events {
		switch ev.Kind {
		case model.EventError, model.EventPublishFailed:
			m.ErrorCount++
		case model.EventSkip:
			m.Skipped = true
		case model.EventPublished:
			m.Published = true
		case model.EventState:
			if m.StartTime.IsZero() {
				m.StartTime = ev.At
			}
			if n := len(m.Stages); n > 0 {
				closeStage(&m.Stages[n-1], ev.At)
			}
			m.Status = ev.State
			if IsTerminal(ev.State) {
				end := ev.At
				m.EndTime = &end
				m.Duration = end.Sub(m.StartTime)
				continue
			}
			m.Stages = append(m.Stages, StageMetrics{State: ev.State, StartTime: ev.At})
		}
	}
	return m
}

func closeStage(s *StageMetrics, at time.Time) {
	if s.EndTime != nil {
		return
	}
	end := at
	s.EndTime = &end
	s.Duration = end.Sub(s.StartTime)
}
