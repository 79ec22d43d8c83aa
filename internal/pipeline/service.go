package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"model-runner/internal/model"

	"github.com/google/uuid"
)

// RunLedger persists runs and their events
type RunLedger interface {
	EventSink
	OpenRun(runID string, req model.RunRequest) error
	FinishRun(result model.RunResult) error
}

// Publisher mirrors a stamped output location downstream and reports how many
// files it sent
type Publisher interface {
	Publish(ctx context.Context, level model.AggregationLevel, output string) (int, error)
}

// RunService is the entry point shared by the CLI and the API. It owns the
// per-output-location locks, assigns run IDs and, after a stamped full run,
// hands the output location to the publisher.
type RunService struct {
	Orchestrator *Orchestrator
	Locks        *OutputLocks
	Ledger       RunLedger
	Publisher    Publisher
	NewID        func() string

	mu sync.Mutex
}

// NewRunService wires a service around orch with fresh output locks
func NewRunService(orch *Orchestrator, ledger RunLedger, publisher Publisher) *RunService {
	return &RunService{
		Orchestrator: orch,
		Locks:        &OutputLocks{},
		Ledger:       ledger,
		Publisher:    publisher,
	}
}

// PendingRun holds the output location lock for a run that has not executed yet
type PendingRun struct {
	ID      string
	Request model.RunRequest

	svc     *RunService
	release func()
}

// Begin claims req.Output and registers the run. Execute must follow, or
// Abandon to give the output location back.
func (s *RunService) Begin(req model.RunRequest) (*PendingRun, error) {
	id := s.newID()
	release, err := s.locks().Acquire(req.Output, id)
	if err != nil {
		return nil, err
	}
	if s.Ledger != nil {
		if err := s.Ledger.OpenRun(id, req); err != nil {
			release()
			return nil, err
		}
	}
	return &PendingRun{ID: id, Request: req, svc: s, release: release}, nil
}

// Run begins and executes req in one call
func (s *RunService) Run(ctx context.Context, req model.RunRequest) (model.RunResult, error) {
	p, err := s.Begin(req)
	if err != nil {
		return model.RunResult{
			Request:   req,
			State:     model.StateFailed,
			ErrorKind: ErrorKind(err),
			Error:     err.Error(),
			Err:       err,
		}, err
	}
	return p.Execute(ctx)
}

// Abandon releases the output location without running
func (p *PendingRun) Abandon() {
	p.release()
}

// Execute runs the orchestrator and releases the output location afterwards.
func (p *PendingRun) Execute(ctx context.Context) (model.RunResult, error) {
	defer p.release()
	s := p.svc

	orch := *s.Orchestrator
	sinks := MultiSink{orch.Events}
	if s.Ledger != nil {
		sinks = append(sinks, s.Ledger)
	}
	orch.Events = sinks

	result, err := orch.Run(ctx, p.ID, p.Request)

	if err == nil && result.Coverage == model.CoverageFull && result.Stamped() && s.Publisher != nil {
		count, perr := s.Publisher.Publish(ctx, result.Scope.Level, result.Request.Output)
		ev := model.RunEvent{RunID: p.ID, State: result.State, At: time.Now().UTC()}
		if perr != nil {
			result.PublishError = perr.Error()
			ev.Kind = model.EventPublishFailed
			ev.Message = "Publish failed: " + perr.Error()
		} else {
			ev.Kind = model.EventPublished
			ev.Message = "Published output location"
			ev.Fields = map[string]interface{}{"files": count}
		}
		sinks.Record(ev)
	}

	if s.Ledger != nil {
		if lerr := s.Ledger.FinishRun(result); lerr != nil {
			log.Printf("❌ Failed to record result of run %s: %v", p.ID, lerr)
		}
	}
	return result, err
}

func (s *RunService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.New().String()
}

func (s *RunService) locks() *OutputLocks {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Locks == nil {
		s.Locks = &OutputLocks{}
	}
	return s.Locks
}
