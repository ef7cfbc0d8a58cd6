package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mpataki/antfarm/internal/models"
	"github.com/mpataki/antfarm/internal/storage"
	"github.com/mpataki/antfarm/internal/telemetry"
)

type fakeDefs struct {
	workflows map[string]*models.Workflow
}

func (f *fakeDefs) Get(id string) (*models.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow not installed: %s", id)
	}
	return wf, nil
}

func (f *fakeDefs) RenderTask(wf *models.Workflow, index int, tc models.TaskContext) (string, error) {
	return fmt.Sprintf("%s #%d for %s (prev=%q)", wf.Steps[index].Agent, index, tc.TaskTitle, tc.PreviousOutput), nil
}

func threeStepWorkflow(settings *models.Settings) *models.Workflow {
	return &models.Workflow{
		ID:   "docs",
		Name: "Documentation",
		Steps: []*models.StepDef{
			{Name: "draft", Agent: "writer"},
			{Name: "review", Agent: "reviewer"},
			{Name: "polish", Agent: "writer"},
		},
		Settings: settings,
	}
}

func newTestRunner(t *testing.T, wf *models.Workflow) *Runner {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "antfarm.db"))
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	defs := &fakeDefs{workflows: map[string]*models.Workflow{wf.ID: wf}}
	return New(store, defs, telemetry.Discard())
}

func TestRunner_WriteReadmeScenario(t *testing.T) {
	r := newTestRunner(t, threeStepWorkflow(nil))
	ctx := context.Background()

	run, err := r.Start(ctx, "docs", "Write README")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if run.Status != models.RunStatusPending || run.LeadAgentID != "writer" {
		t.Errorf("unexpected new run: %+v", run)
	}
	if run.LeadSessionLabel != "antfarm:docs:"+run.ID[:8] {
		t.Errorf("LeadSessionLabel = %q", run.LeadSessionLabel)
	}

	outputs := []string{"draft done", "review done", "polish done"}
	for i, out := range outputs {
		step, err := r.Next(ctx, "Write README")
		if err != nil {
			t.Fatalf("Next() step %d error: %v", i, err)
		}
		if step.Done || step.StepIndex != i {
			t.Fatalf("Next() = %+v, want step %d", step, i)
		}
		if i > 0 {
			want := fmt.Sprintf("(prev=%q)", outputs[i-1])
			if !strings.HasSuffix(step.Task, want) {
				t.Errorf("step %d task %q should carry previous output %s", i, step.Task, want)
			}
		}

		res, err := r.Complete(ctx, "Write README", true, out)
		if err != nil {
			t.Fatalf("Complete() step %d error: %v", i, err)
		}
		if res.Status != models.RunStatusRunning || res.StepIndex != i {
			t.Errorf("Complete() = %+v", res)
		}
	}

	final, err := r.Next(ctx, "Write README")
	if err != nil {
		t.Fatalf("final Next() error: %v", err)
	}
	if !final.Done || final.Status != models.RunStatusCompleted {
		t.Errorf("final Next() = %+v, want completed", final)
	}

	got, err := r.Status(ctx, "Write README")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if got.Status != models.RunStatusCompleted || len(got.Steps) != 3 {
		t.Errorf("Status() = %s with %d steps", got.Status, len(got.Steps))
	}

	if _, err := r.Next(ctx, "Write README"); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("Next() on completed run error = %v, want ErrRunTerminal", err)
	}
}

func TestRunner_NextIsIdempotentWhileAwaiting(t *testing.T) {
	r := newTestRunner(t, threeStepWorkflow(nil))
	ctx := context.Background()

	if _, err := r.Start(ctx, "docs", "Idempotent"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	first, err := r.Next(ctx, "Idempotent")
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	second, err := r.Next(ctx, "Idempotent")
	if err != nil {
		t.Fatalf("second Next() error: %v", err)
	}
	if first != second {
		t.Errorf("Next() not idempotent: %+v vs %+v", first, second)
	}
}

func TestRunner_DuplicateCompletion(t *testing.T) {
	r := newTestRunner(t, threeStepWorkflow(nil))
	ctx := context.Background()

	if _, err := r.Start(ctx, "docs", "Dup"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := r.Complete(ctx, "Dup", true, "early"); !errors.Is(err, ErrNoStepPending) {
		t.Errorf("Complete() before Next() error = %v, want ErrNoStepPending", err)
	}
	if _, err := r.Next(ctx, "Dup"); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if _, err := r.Complete(ctx, "Dup", true, "ok"); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if _, err := r.Complete(ctx, "Dup", true, "ok"); !errors.Is(err, ErrNoStepPending) {
		t.Errorf("second Complete() error = %v, want ErrNoStepPending", err)
	}

	run, _ := r.Status(ctx, "Dup")
	if len(run.Steps) != 1 {
		t.Errorf("len(Steps) = %d, want 1", len(run.Steps))
	}
}

func TestRunner_DuplicateActiveRun(t *testing.T) {
	r := newTestRunner(t, threeStepWorkflow(nil))
	ctx := context.Background()

	if _, err := r.Start(ctx, "docs", "Same"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := r.Start(ctx, "docs", "Same"); !errors.Is(err, storage.ErrDuplicateActiveRun) {
		t.Errorf("second Start() error = %v, want ErrDuplicateActiveRun", err)
	}
	if _, err := r.Start(ctx, "missing", "Other"); err == nil {
		t.Error("Start() with unknown workflow should fail")
	}
}

func TestRunner_FailPolicy(t *testing.T) {
	r := newTestRunner(t, threeStepWorkflow(nil))
	ctx := context.Background()

	if _, err := r.Start(ctx, "docs", "Breaks"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := r.Next(ctx, "Breaks"); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	res, err := r.Complete(ctx, "Breaks", false, "tests red")
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if res.Status != models.RunStatusFailed {
		t.Errorf("Status = %s, want failed", res.Status)
	}
	if res.Error != "step 0 (draft) failed: tests red" {
		t.Errorf("Error = %q", res.Error)
	}

	if _, err := r.Next(ctx, "Breaks"); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("Next() after failure error = %v, want ErrRunTerminal", err)
	}

	// A failed run frees the title.
	if _, err := r.Start(ctx, "docs", "Breaks"); err != nil {
		t.Errorf("Start() after failure error: %v", err)
	}
}

func TestRunner_RetryPolicy(t *testing.T) {
	wf := threeStepWorkflow(&models.Settings{OnFailure: models.FailurePolicyRetry, MaxStepAttempts: 2})
	r := newTestRunner(t, wf)
	ctx := context.Background()

	if _, err := r.Start(ctx, "docs", "Flaky"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	step, _ := r.Next(ctx, "Flaky")
	if step.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", step.Attempt)
	}
	res, err := r.Complete(ctx, "Flaky", false, "timeout")
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if res.Status != models.RunStatusRunning {
		t.Fatalf("Status after first failure = %s, want running", res.Status)
	}

	step, _ = r.Next(ctx, "Flaky")
	if step.StepIndex != 0 || step.Attempt != 2 {
		t.Errorf("retry Next() = %+v, want step 0 attempt 2", step)
	}
	res, _ = r.Complete(ctx, "Flaky", false, "timeout again")
	if res.Status != models.RunStatusFailed {
		t.Errorf("Status after exhausting attempts = %s, want failed", res.Status)
	}
	if res.Error != "step 0 (draft) failed after 2 attempts: timeout again" {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestAdvance_Table(t *testing.T) {
	wf := threeStepWorkflow(nil)
	render := (&fakeDefs{}).RenderTask

	tests := []struct {
		name      string
		run       models.Run
		wantErr   error
		wantIndex int
		wantDone  bool
	}{
		{
			name:      "pending starts at zero",
			run:       models.Run{Status: models.RunStatusPending, PendingStep: models.NoStep},
			wantIndex: 0,
		},
		{
			name: "running continues after successes",
			run: models.Run{
				Status:      models.RunStatusRunning,
				PendingStep: models.NoStep,
				Steps:       []models.StepOutcome{{Index: 0, Success: true}, {Index: 1, Success: false}, {Index: 1, Success: true}},
			},
			wantIndex: 2,
		},
		{
			name:      "awaiting returns pending step",
			run:       models.Run{Status: models.RunStatusAwaitingStep, PendingStep: 1, Steps: []models.StepOutcome{{Index: 0, Success: true}}},
			wantIndex: 1,
		},
		{
			name: "exhausted completes",
			run: models.Run{
				Status:      models.RunStatusRunning,
				PendingStep: models.NoStep,
				Steps:       []models.StepOutcome{{Index: 0, Success: true}, {Index: 1, Success: true}, {Index: 2, Success: true}},
			},
			wantIndex: models.NoStep,
			wantDone:  true,
		},
		{
			name:    "completed is terminal",
			run:     models.Run{Status: models.RunStatusCompleted},
			wantErr: ErrRunTerminal,
		},
		{
			name:    "failed is terminal",
			run:     models.Run{Status: models.RunStatusFailed},
			wantErr: ErrRunTerminal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := tt.run
			got, err := Advance(&run, wf, render)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Advance() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Advance() error: %v", err)
			}
			if got.StepIndex != tt.wantIndex || got.Done != tt.wantDone {
				t.Errorf("Advance() = %+v, want index %d done %v", got, tt.wantIndex, tt.wantDone)
			}
			if !tt.wantDone && (run.Status != models.RunStatusAwaitingStep || run.PendingStep != tt.wantIndex) {
				t.Errorf("run left as %s pending %d", run.Status, run.PendingStep)
			}
		})
	}
}

func TestApplyOutcome_ResetsSession(t *testing.T) {
	run := &models.Run{
		Status:        models.RunStatusAwaitingStep,
		PendingStep:   0,
		SessionStep:   0,
		SessionHandle: "antfarm:docs:abcd1234:0@42",
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if _, err := ApplyOutcome(run, threeStepWorkflow(nil), true, "done", now); err != nil {
		t.Fatalf("ApplyOutcome() error: %v", err)
	}
	if run.SessionStep != models.NoStep || run.PendingStep != models.NoStep {
		t.Errorf("session/pending not cleared: %+v", run)
	}
	if len(run.Steps) != 1 || !run.Steps[0].CompletedAt.Equal(now) {
		t.Errorf("outcome not recorded: %+v", run.Steps)
	}
}

func TestRunner_Cancel(t *testing.T) {
	r := newTestRunner(t, threeStepWorkflow(nil))
	ctx := context.Background()

	if _, err := r.Start(ctx, "docs", "Abandon"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := r.Next(ctx, "Abandon"); err != nil {
		t.Fatalf("Next() error: %v", err)
	}

	run, err := r.Cancel(ctx, "Abandon", "")
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if run.Status != models.RunStatusFailed || run.Error != "cancelled by operator" {
		t.Errorf("Cancel() = %s %q", run.Status, run.Error)
	}

	if _, err := r.Cancel(ctx, "Abandon", ""); !errors.Is(err, ErrRunTerminal) {
		t.Errorf("second Cancel() error = %v, want ErrRunTerminal", err)
	}
	if _, err := r.Complete(ctx, "Abandon", true, "late"); !errors.Is(err, ErrNoStepPending) {
		t.Errorf("Complete() after Cancel error = %v, want ErrNoStepPending", err)
	}
}
