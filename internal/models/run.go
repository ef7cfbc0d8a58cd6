package models

import "time"

type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusRunning      RunStatus = "running"
	RunStatusAwaitingStep RunStatus = "awaiting_step"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
)

// IsTerminal reports whether the run can no longer be advanced.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusAwaitingStep, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// Label is the operator-facing description of a status.
func (s RunStatus) Label() string {
	switch s {
	case RunStatusPending:
		return "pending (waiting for first step)"
	case RunStatusRunning:
		return "running (ready for next step)"
	case RunStatusAwaitingStep:
		return "awaiting step completion"
	case RunStatusCompleted:
		return "completed"
	case RunStatusFailed:
		return "failed"
	default:
		return "unknown (" + string(s) + ")"
	}
}

// NoStep marks PendingStep/SessionStep as unset.
const NoStep = -1

type StepOutcome struct {
	Index       int       `json:"index"`
	Success     bool      `json:"success"`
	Output      string    `json:"output"`
	CompletedAt time.Time `json:"completedAt"`
}

type Run struct {
	ID               string
	WorkflowID       string
	WorkflowName     string
	TaskTitle        string
	Status           RunStatus
	LeadAgentID      string
	LeadSessionLabel string
	Steps            []StepOutcome
	PendingStep      int
	SessionStep      int
	SessionHandle    string
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SucceededSteps counts successful outcomes; it is also the index of the
// next step to hand out.
func (r *Run) SucceededSteps() int {
	n := 0
	for _, s := range r.Steps {
		if s.Success {
			n++
		}
	}
	return n
}

// FailedAttempts counts failed outcomes recorded for the given step index.
func (r *Run) FailedAttempts(index int) int {
	n := 0
	for _, s := range r.Steps {
		if s.Index == index && !s.Success {
			n++
		}
	}
	return n
}

// NeedsAgent reports whether a step has been handed out but no agent
// session has been spawned for it yet.
func (r *Run) NeedsAgent() bool {
	return r.Status == RunStatusAwaitingStep && r.PendingStep != NoStep && r.SessionStep != r.PendingStep
}

// DisplayName prefers the workflow's human name.
func (r *Run) DisplayName() string {
	if r.WorkflowName != "" {
		return r.WorkflowName
	}
	return r.WorkflowID
}
