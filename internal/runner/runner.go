package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/antfarm/internal/models"
	"github.com/mpataki/antfarm/internal/telemetry"
)

// RunStore is the subset of the run store the runner needs.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) (string, error)
	GetRunByTitle(ctx context.Context, title string) (*models.Run, error)
	UpdateRun(ctx context.Context, id string, mutate func(*models.Run) error) (*models.Run, error)
}

// Definitions resolves installed workflows and renders their step tasks.
type Definitions interface {
	Get(id string) (*models.Workflow, error)
	RenderTask(wf *models.Workflow, index int, tc models.TaskContext) (string, error)
}

// Runner drives runs through their steps on behalf of operators and agents.
// Every change goes through RunStore.UpdateRun, so it is safe to use while a
// daemon pass is working on the same runs.
type Runner struct {
	store  RunStore
	defs   Definitions
	logger *slog.Logger
	now    func() time.Time
}

func New(store RunStore, defs Definitions, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:  store,
		defs:   defs,
		logger: logger,
		now:    time.Now,
	}
}

// Start creates a pending run of workflowID for the task title.
func (r *Runner) Start(ctx context.Context, workflowID, title string) (*models.Run, error) {
	if title == "" {
		return nil, fmt.Errorf("task title is required")
	}

	wf, err := r.defs.Get(workflowID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	run := &models.Run{
		ID:               id,
		WorkflowID:       wf.ID,
		WorkflowName:     wf.Name,
		TaskTitle:        title,
		Status:           models.RunStatusPending,
		LeadAgentID:      wf.Lead(),
		LeadSessionLabel: LeadSessionLabel(wf.ID, id),
		PendingStep:      models.NoStep,
		SessionStep:      models.NoStep,
	}

	if _, err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	telemetry.WithRunID(r.logger, id).Info("run created",
		"workflow_id", wf.ID,
		"task_title", title,
		"lead_agent", run.LeadAgentID,
	)
	return run, nil
}

// Next hands out the next step for the run of title.
func (r *Runner) Next(ctx context.Context, title string) (StepResult, error) {
	run, err := r.store.GetRunByTitle(ctx, title)
	if err != nil {
		return StepResult{}, err
	}
	if run.Status.IsTerminal() {
		return StepResult{}, fmt.Errorf("%w: run %s is %s", ErrRunTerminal, run.ID, run.Status)
	}
	wf, err := r.workflow(run)
	if err != nil {
		return StepResult{}, err
	}

	var result StepResult
	_, err = r.store.UpdateRun(ctx, run.ID, func(current *models.Run) error {
		res, err := Advance(current, wf, r.defs.RenderTask)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return StepResult{}, err
	}

	logger := telemetry.WithRunID(r.logger, run.ID)
	if result.Done {
		logger.Info("run completed", "task_title", title)
	} else {
		logger.Debug("step handed out", "step", result.StepIndex, "agent", result.Agent)
	}
	return result, nil
}

// Complete records the outcome of the pending step for the run of title.
func (r *Runner) Complete(ctx context.Context, title string, success bool, output string) (CompletionResult, error) {
	run, err := r.store.GetRunByTitle(ctx, title)
	if err != nil {
		return CompletionResult{}, err
	}
	if run.Status != models.RunStatusAwaitingStep {
		return CompletionResult{}, fmt.Errorf("%w: run %s is %s", ErrNoStepPending, run.ID, run.Status)
	}
	wf, err := r.workflow(run)
	if err != nil {
		return CompletionResult{}, err
	}

	var result CompletionResult
	_, err = r.store.UpdateRun(ctx, run.ID, func(current *models.Run) error {
		res, err := ApplyOutcome(current, wf, success, output, r.now())
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}

	logger := telemetry.WithRunID(r.logger, run.ID)
	if result.Status == models.RunStatusFailed {
		logger.Warn("run failed", "step", result.StepIndex, "error", result.Error)
	} else {
		logger.Debug("step completed", "step", result.StepIndex, "success", success)
	}
	return result, nil
}

// Cancel fails the active run for title with reason. The returned run still
// carries the session handle of any agent that was working on it.
func (r *Runner) Cancel(ctx context.Context, title, reason string) (*models.Run, error) {
	run, err := r.store.GetRunByTitle(ctx, title)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	updated, err := r.store.UpdateRun(ctx, run.ID, func(current *models.Run) error {
		if current.Status.IsTerminal() {
			return fmt.Errorf("%w: run %s is %s", ErrRunTerminal, current.ID, current.Status)
		}
		current.Status = models.RunStatusFailed
		current.Error = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.WithRunID(r.logger, run.ID).Info("run cancelled", "task_title", title, "reason", reason)
	return updated, nil
}

// Status returns the run for title: the active one, else the latest finished.
func (r *Runner) Status(ctx context.Context, title string) (*models.Run, error) {
	return r.store.GetRunByTitle(ctx, title)
}

func (r *Runner) workflow(run *models.Run) (*models.Workflow, error) {
	wf, err := r.defs.Get(run.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}
	return wf, nil
}

// LeadSessionLabel names the lead agent session of a run.
func LeadSessionLabel(workflowID, runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return "antfarm:" + workflowID + ":" + short
}

// StepSessionLabel names the agent session spawned for one step of a run.
func StepSessionLabel(workflowID, runID string, step int) string {
	return fmt.Sprintf("%s:%d", LeadSessionLabel(workflowID, runID), step)
}
