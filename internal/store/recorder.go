package store

import (
	"errors"
	"log"

	"model-runner/internal/model"
)

// RunRecorder persists run events and results to the ledger. It satisfies
// pipeline.RunLedger.
type RunRecorder struct{}

func (RunRecorder) OpenRun(runID string, req model.RunRequest) error {
	return SaveRun(runID, req)
}

// Record stores the event and keeps runs.state in step with state events.
// Store failures are logged; they never interrupt the run.
func (RunRecorder) Record(ev model.RunEvent) {
	if err := SaveRunEvent(ev); err != nil {
		log.Printf("❌ Failed to save event for run %s: %v", ev.RunID, err)
	}
	switch ev.Kind {
	case model.EventState:
		if err := UpdateRunState(ev.RunID, ev.State); err != nil {
			log.Printf("❌ Failed to update state of run %s: %v", ev.RunID, err)
		}
	case model.EventError, model.EventPublishFailed:
		kind := ev.Kind
		if k, ok := ev.Fields["kind"].(string); ok && k != "" {
			kind = k
		}
		if err := SaveRunError(ev.RunID, kind, errors.New(ev.Message)); err != nil {
			log.Printf("❌ Failed to save error for run %s: %v", ev.RunID, err)
		}
	}
}

func (RunRecorder) FinishRun(result model.RunResult) error {
	return FinishRun(result)
}
