package pipeline

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"model-runner/internal/model"
)

// EventSink receives every step a run takes. Record must not block for long:
// it is called inline from the run.
type EventSink interface {
	Record(ev model.RunEvent)
}

// MultiSink fans an event out to several sinks
type MultiSink []EventSink

func (m MultiSink) Record(ev model.RunEvent) {
	for _, s := range m {
		if s != nil {
			s.Record(ev)
		}
	}
}

// LogSink prints events through the standard logger
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Record(ev model.RunEvent) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("%s [%s] %s%s", eventIcon(ev), shortID(ev.RunID), ev.Message, formatFields(ev.Fields))
}

func eventIcon(ev model.RunEvent) string {
	switch ev.Kind {
	case model.EventError, model.EventPublishFailed:
		return "❌"
	case model.EventSkip:
		return "⏭️"
	case model.EventPublished:
		return "📦"
	}
	switch ev.State {
	case model.StateResolving:
		return "🚀"
	case model.StateInvoking:
		return "🔄"
	case model.StateClassifying:
		return "🔍"
	case model.StateStamping:
		return "🏷️"
	case model.StateDone:
		return "✅"
	default:
		return "•"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// MemorySink keeps events in memory, in order
type MemorySink struct {
	mu     sync.Mutex
	events []model.RunEvent
}

func (s *MemorySink) Record(ev model.RunEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of everything recorded so far
func (s *MemorySink) Events() []model.RunEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RunEvent, len(s.events))
	copy(out, s.events)
	return out
}

// States returns the state of every state-change event, in order
func (s *MemorySink) States() []model.RunState {
	var states []model.RunState
	for _, ev := range s.Events() {
		if ev.Kind == model.EventState {
			states = append(states, ev.State)
		}
	}
	return states
}
