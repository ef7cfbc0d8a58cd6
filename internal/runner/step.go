package runner

import (
	"fmt"
	"time"

	"github.com/mpataki/antfarm/internal/models"
)

// RenderFunc produces the task text for one step of a workflow.
type RenderFunc func(wf *models.Workflow, index int, tc models.TaskContext) (string, error)

// StepResult is what `workflow next` hands to an agent.
type StepResult struct {
	RunID       string           `json:"runId"`
	TaskTitle   string           `json:"taskTitle"`
	Status      models.RunStatus `json:"status"`
	StatusLabel string           `json:"statusLabel"`
	Done        bool             `json:"done"`
	StepIndex   int              `json:"stepIndex"`
	StepName    string           `json:"stepName,omitempty"`
	Agent       string           `json:"agent,omitempty"`
	Task        string           `json:"task,omitempty"`
	Attempt     int              `json:"attempt,omitempty"`
	TotalSteps  int              `json:"totalSteps"`
}

// CompletionResult is what `workflow complete` reports back.
type CompletionResult struct {
	RunID       string           `json:"runId"`
	TaskTitle   string           `json:"taskTitle"`
	StepIndex   int              `json:"stepIndex"`
	Success     bool             `json:"success"`
	Status      models.RunStatus `json:"status"`
	StatusLabel string           `json:"statusLabel"`
	Error       string           `json:"error,omitempty"`
}

// Advance hands out the next step of run. A run already awaiting a step gets
// that same step back, so an agent that lost the response can poll again
// without skipping work. When no steps remain the run is completed.
func Advance(run *models.Run, wf *models.Workflow, render RenderFunc) (StepResult, error) {
	if run.Status.IsTerminal() {
		return StepResult{}, fmt.Errorf("%w: run %s is %s", ErrRunTerminal, run.ID, run.Status)
	}

	index := run.SucceededSteps()
	if run.Status == models.RunStatusAwaitingStep && run.PendingStep != models.NoStep {
		index = run.PendingStep
	}

	if index >= len(wf.Steps) {
		run.Status = models.RunStatusCompleted
		run.PendingStep = models.NoStep
		return StepResult{
			RunID:       run.ID,
			TaskTitle:   run.TaskTitle,
			Status:      run.Status,
			StatusLabel: run.Status.Label(),
			Done:        true,
			StepIndex:   models.NoStep,
			TotalSteps:  len(wf.Steps),
		}, nil
	}

	step := wf.Steps[index]
	task, err := render(wf, index, models.TaskContext{
		RunID:          run.ID,
		WorkflowID:     run.WorkflowID,
		WorkflowName:   run.DisplayName(),
		TaskTitle:      run.TaskTitle,
		PreviousOutput: previousOutput(run),
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("run %s: render step %d: %w", run.ID, index, err)
	}

	run.Status = models.RunStatusAwaitingStep
	run.PendingStep = index

	return StepResult{
		RunID:       run.ID,
		TaskTitle:   run.TaskTitle,
		Status:      run.Status,
		StatusLabel: run.Status.Label(),
		StepIndex:   index,
		StepName:    step.Name,
		Agent:       step.Agent,
		Task:        task,
		Attempt:     run.FailedAttempts(index) + 1,
		TotalSteps:  len(wf.Steps),
	}, nil
}

// ApplyOutcome records the result of the pending step. Success makes the
// run ready for the next step; failure is handled by the workflow's
// on_failure policy.
func ApplyOutcome(run *models.Run, wf *models.Workflow, success bool, output string, now time.Time) (CompletionResult, error) {
	if run.Status != models.RunStatusAwaitingStep || run.PendingStep == models.NoStep {
		return CompletionResult{}, fmt.Errorf("%w: run %s is %s", ErrNoStepPending, run.ID, run.Status)
	}

	index := run.PendingStep
	run.Steps = append(run.Steps, models.StepOutcome{
		Index:       index,
		Success:     success,
		Output:      output,
		CompletedAt: now.UTC(),
	})
	run.PendingStep = models.NoStep
	// The next hand-out, even a retry of this step, needs a fresh agent.
	run.SessionStep = models.NoStep

	switch {
	case success:
		run.Status = models.RunStatusRunning
	case retryAllowed(run, wf, index):
		run.Status = models.RunStatusRunning
	default:
		run.Status = models.RunStatusFailed
		run.Error = failureReason(run, wf, index, output)
	}

	return CompletionResult{
		RunID:       run.ID,
		TaskTitle:   run.TaskTitle,
		StepIndex:   index,
		Success:     success,
		Status:      run.Status,
		StatusLabel: run.Status.Label(),
		Error:       run.Error,
	}, nil
}

func retryAllowed(run *models.Run, wf *models.Workflow, index int) bool {
	if wf == nil || wf.Settings == nil || wf.Settings.OnFailure != models.FailurePolicyRetry {
		return false
	}
	return run.FailedAttempts(index) < wf.Settings.MaxStepAttempts
}

func failureReason(run *models.Run, wf *models.Workflow, index int, output string) string {
	name := fmt.Sprintf("step %d", index)
	if wf != nil && index < len(wf.Steps) && wf.Steps[index].Name != "" {
		name = fmt.Sprintf("step %d (%s)", index, wf.Steps[index].Name)
	}

	reason := name + " failed"
	if attempts := run.FailedAttempts(index); attempts > 1 {
		reason = fmt.Sprintf("%s after %d attempts", reason, attempts)
	}
	if output != "" {
		reason += ": " + output
	}
	return reason
}

// previousOutput is the output of the most recent successful step.
func previousOutput(run *models.Run) string {
	for i := len(run.Steps) - 1; i >= 0; i-- {
		if run.Steps[i].Success {
			return run.Steps[i].Output
		}
	}
	return ""
}
