package ingestion

import (
	"fmt"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var Statuses = []Status{StatusQueued, StatusProcessing, StatusSucceeded, StatusFailed, StatusCancelled}

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusProcessing, StatusSucceeded, StatusFailed, StatusCancelled:
		return Status(s), nil
	}
	return "", ValidationError{reason: fmt.Errorf("unknown status %q", s)}
}

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Action string

const (
	ActionBegin   Action = "begin"
	ActionSucceed Action = "succeed"
	ActionFail    Action = "fail"
	ActionCancel  Action = "cancel"
)

// Effect tells the caller whether Next moved the record or merely observed it.
type Effect int

const (
	EffectApplied Effect = iota
	EffectNoOp
)

func (e Effect) String() string {
	if e == EffectNoOp {
		return "noop"
	}
	return "applied"
}

// Next is the ingestion state machine. It never mutates anything; stores use
// its result as the target of a compare-and-set on the stored status.
//
//	queued     --begin-->   processing
//	queued     --cancel-->  cancelled
//	processing --succeed--> succeeded
//	processing --fail-->    failed
//
// Begin on processing and any non-cancel action on a terminal status are
// no-ops. Cancel outside queued is ErrPreconditionFailed. Everything else is
// ErrInvalidTransition.
func Next(current Status, action Action) (Status, Effect, error) {
	switch current {
	case StatusQueued:
		switch action {
		case ActionBegin:
			return StatusProcessing, EffectApplied, nil
		case ActionCancel:
			return StatusCancelled, EffectApplied, nil
		case ActionSucceed, ActionFail:
			return current, EffectNoOp, invalid(current, action)
		}
	case StatusProcessing:
		switch action {
		case ActionBegin:
			return current, EffectNoOp, nil
		case ActionSucceed:
			return StatusSucceeded, EffectApplied, nil
		case ActionFail:
			return StatusFailed, EffectApplied, nil
		case ActionCancel:
			return current, EffectNoOp, notCancellable(current)
		}
	case StatusSucceeded, StatusFailed, StatusCancelled:
		switch action {
		case ActionBegin, ActionSucceed, ActionFail:
			return current, EffectNoOp, nil
		case ActionCancel:
			return current, EffectNoOp, notCancellable(current)
		}
	}
	return current, EffectNoOp, invalid(current, action)
}

func invalid(current Status, action Action) error {
	return fmt.Errorf("%w: cannot %s from %q", ErrInvalidTransition, action, current)
}

func notCancellable(current Status) error {
	return fmt.Errorf("%w: only queued ingestions can be cancelled, status is %q", ErrPreconditionFailed, current)
}

// Transition is an action plus the detail recorded with it.
type Transition struct {
	Action  Action
	Message string
}

func Begin() Transition { return Transition{Action: ActionBegin} }

func Succeed() Transition { return Transition{Action: ActionSucceed} }

func Fail(message string) Transition { return Transition{Action: ActionFail, Message: message} }

func Cancel() Transition { return Transition{Action: ActionCancel} }

// TransitionTo maps a requested target status onto the action that reaches it.
func TransitionTo(target Status, message string) (Transition, error) {
	switch target {
	case StatusProcessing:
		return Begin(), nil
	case StatusSucceeded:
		return Transition{Action: ActionSucceed, Message: message}, nil
	case StatusFailed:
		return Fail(message), nil
	case StatusCancelled:
		return Cancel(), nil
	case StatusQueued:
		return Transition{}, fmt.Errorf("%w: ingestions cannot return to %q", ErrInvalidTransition, target)
	}
	return Transition{}, ValidationError{reason: fmt.Errorf("unknown status %q", target)}
}
