package pipeline

import "model-runner/internal/model"

// IsTerminal reports whether a run in state s has finished.
func IsTerminal(s model.RunState) bool {
	return s == model.StateDone || s == model.StateFailed
}

// Transition validates a single state machine step.
//
//	idle -> resolving -> invoking -> classifying -> stamping -> done
//	                                            \-> skipping_stamp -> done
//	resolving, invoking, stamping -> failed
func Transition(from, to model.RunState) error {
	if !isAllowedTransition(from, to) {
		return runErrorf(ErrInvalidTransition, from, nil, "%s -> %s", from, to)
	}
	return nil
}

func isAllowedTransition(from, to model.RunState) bool {
	switch from {
	case model.StateIdle:
		return to == model.StateResolving
	case model.StateResolving:
		return to == model.StateInvoking || to == model.StateFailed
	case model.StateInvoking:
		return to == model.StateClassifying || to == model.StateFailed
	case model.StateClassifying:
		return to == model.StateStamping || to == model.StateSkippingStamp
	case model.StateStamping:
		return to == model.StateDone || to == model.StateFailed
	case model.StateSkippingStamp:
		return to == model.StateDone
	default:
		return false
	}
}
