package model

import "fmt"

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusPending: true,
	},
	StatusPending: {
		StatusProcessing: true,
		StatusError:      true, // rejected before submission
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusError:     true,
	},
	StatusCompleted: {},
	StatusError:     {},
}

var allowedStateTransitions = map[AppState]map[AppState]bool{
	StateInput: {
		StateProcessing: true,
	},
	StateProcessing: {
		StateResults: true,
		StateInput:   true, // reset mid-batch
	},
	StateResults: {
		StateInput: true,
	},
}

func IsKnownStatus(status string) bool {
	_, ok := allowedTransitions[status]
	return ok
}

func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusError
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionProjectStatus(p *Project, toStatus string, reason string) error {
	from := p.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid project status transition: %q -> %q (project_id=%s name=%s)", from, toStatus, p.ID, p.Name)
	}
	p.Status = toStatus
	if toStatus == StatusError {
		p.Error = reason
	}
	return nil
}

func CanTransitionState(from, to AppState) bool {
	next, ok := allowedStateTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionState(current *AppState, to AppState) error {
	if !CanTransitionState(*current, to) {
		return fmt.Errorf("invalid application state transition: %q -> %q", *current, to)
	}
	*current = to
	return nil
}
