package pipeline

import (
	"errors"
	"fmt"

	"model-runner/internal/model"
)

var (
	// ErrInvalidScope rejects bad region/country input before any side effect.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrForecastFailure means the collaborator failed; no manifest was written.
	ErrForecastFailure = errors.New("forecast failure")
	// ErrStampFailure means artifacts exist but the version manifest could not be written.
	ErrStampFailure = errors.New("stamp failure")

	ErrRevisionUnavailable = errors.New("revision unavailable")
	ErrOutputBusy          = errors.New("output location busy")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// RunError carries the error kind and the state a run failed in
type RunError struct {
	Kind  error
	State model.RunState
	Msg   string
	Err   error
}

func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is/As.
func (e *RunError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func runErrorf(kind error, state model.RunState, cause error, format string, args ...any) error {
	return &RunError{Kind: kind, State: state, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// ErrorKind names the sentinel behind err, or "" when err is not a run error.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrForecastFailure):
		return "forecast_failure"
	case errors.Is(err, ErrStampFailure):
		return "stamp_failure"
	case errors.Is(err, ErrRevisionUnavailable):
		return "revision_unavailable"
	case errors.Is(err, ErrOutputBusy):
		return "output_busy"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal"
	}
}
