package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/antfarm/internal/models"
	"github.com/mpataki/antfarm/internal/queue"
	"github.com/mpataki/antfarm/internal/runner"
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
	return fmt.Sprintf("%s: %s", wf.Steps[index].Name, tc.TaskTitle), nil
}

type fakeSpawner struct {
	mu          sync.Mutex
	err         error
	delay       time.Duration
	calls       []models.SpawnRequest
	inFlight    int
	maxInFlight int
	// onSpawn runs inside every Spawn call, before it returns.
	onSpawn func()
}

func (f *fakeSpawner) Spawn(ctx context.Context, req models.SpawnRequest) (models.SessionHandle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	pid := 1000 + len(f.calls)
	onSpawn := f.onSpawn
	f.mu.Unlock()

	if onSpawn != nil {
		onSpawn()
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return models.SessionHandle{}, err
	}
	return models.SessionHandle{Label: req.SessionLabel, PID: pid}, nil
}

func (f *fakeSpawner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	store   *storage.Storage
	queue   *queue.Queue
	runner  *runner.Runner
	orch    *Orchestrator
	spawner *fakeSpawner
}

func newHarness(t *testing.T, spawner *fakeSpawner) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "antfarm.db"))
	if err != nil {
		t.Fatalf("storage.New() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q, err := queue.Open(filepath.Join(dir, "spawn-queue"), telemetry.Discard())
	if err != nil {
		t.Fatalf("queue.Open() error: %v", err)
	}

	defs := &fakeDefs{workflows: map[string]*models.Workflow{
		"docs": {
			ID:   "docs",
			Name: "Documentation",
			Steps: []*models.StepDef{
				{Name: "draft", Agent: "writer"},
				{Name: "review", Agent: "reviewer"},
			},
		},
	}}

	return &harness{
		store:   store,
		queue:   q,
		runner:  runner.New(store, defs, telemetry.Discard()),
		orch:    New(store, q, defs, spawner, telemetry.Discard()),
		spawner: spawner,
	}
}

func (h *harness) start(t *testing.T, title string) *models.Run {
	t.Helper()
	run, err := h.runner.Start(context.Background(), "docs", title)
	if err != nil {
		t.Fatalf("Start(%q) error: %v", title, err)
	}
	return run
}

func (h *harness) awaiting(t *testing.T, title string) *models.Run {
	t.Helper()
	run := h.start(t, title)
	if _, err := h.runner.Next(context.Background(), title); err != nil {
		t.Fatalf("Next(%q) error: %v", title, err)
	}
	return run
}

func (h *harness) once(t *testing.T, opts Options) PassResult {
	t.Helper()
	res, err := h.orch.OrchestrateOnce(context.Background(), opts)
	if err != nil {
		t.Fatalf("OrchestrateOnce() error: %v", err)
	}
	return res
}

func (h *harness) queued(t *testing.T) []models.SpawnRequest {
	t.Helper()
	reqs, err := h.queue.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	return reqs
}

func (h *harness) run(t *testing.T, id string) *models.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	return run
}

func TestOrchestrateOnce_NoDuplicateRequests(t *testing.T) {
	h := newHarness(t, &fakeSpawner{err: errors.New("agent unreachable")})
	run := h.awaiting(t, "Write README")
	opts := Options{Concurrency: 4, MaxSpawnAttempts: 10}

	first := h.once(t, opts)
	if first.Enqueued != 1 {
		t.Errorf("first pass Enqueued = %d, want 1", first.Enqueued)
	}
	if first.SpawnFailures != 1 {
		t.Errorf("first pass SpawnFailures = %d, want 1", first.SpawnFailures)
	}

	second := h.once(t, opts)
	if second.Enqueued != 0 {
		t.Errorf("second pass Enqueued = %d, want 0", second.Enqueued)
	}

	reqs := h.queued(t)
	if len(reqs) != 1 {
		t.Fatalf("queue holds %d entries, want 1", len(reqs))
	}
	req := reqs[0]
	if req.RunID != run.ID || req.StepIndex != 0 || req.AgentID != "writer" {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.Task != "draft: Write README" {
		t.Errorf("Task = %q", req.Task)
	}
	if req.Attempts != 2 || req.LastError != "agent unreachable" {
		t.Errorf("Attempts = %d LastError = %q", req.Attempts, req.LastError)
	}
}

func TestOrchestrateOnce_SpawnRecordsSession(t *testing.T) {
	h := newHarness(t, &fakeSpawner{})
	run := h.awaiting(t, "Write README")

	res := h.once(t, Options{Concurrency: 4})
	if res.Enqueued != 1 || res.Spawned != 1 {
		t.Fatalf("pass = %+v, want one enqueue and one spawn", res)
	}
	if n := len(h.queued(t)); n != 0 {
		t.Errorf("queue holds %d entries after spawn, want 0", n)
	}

	got := h.run(t, run.ID)
	if got.SessionStep != 0 {
		t.Errorf("SessionStep = %d, want 0", got.SessionStep)
	}
	wantHandle := runner.StepSessionLabel("docs", run.ID, 0) + "@1001"
	if got.SessionHandle != wantHandle {
		t.Errorf("SessionHandle = %q, want %q", got.SessionHandle, wantHandle)
	}

	again := h.once(t, Options{Concurrency: 4})
	if again.Enqueued != 0 || again.Spawned != 0 {
		t.Errorf("second pass = %+v, want nothing to do", again)
	}
	if h.spawner.callCount() != 1 {
		t.Errorf("spawner called %d times, want 1", h.spawner.callCount())
	}
}

func TestOrchestrateOnce_AdvancesPendingRuns(t *testing.T) {
	h := newHarness(t, &fakeSpawner{})
	run := h.start(t, "Fresh")

	res := h.once(t, Options{})
	if res.Advanced != 1 || res.Enqueued != 1 || res.Spawned != 1 {
		t.Errorf("pass = %+v", res)
	}

	got := h.run(t, run.ID)
	if got.Status != models.RunStatusAwaitingStep || got.PendingStep != 0 || got.SessionStep != 0 {
		t.Errorf("run = %s pending %d session %d", got.Status, got.PendingStep, got.SessionStep)
	}

	// The spawned agent asks for its step and gets the one it was spawned for.
	step, err := h.runner.Next(context.Background(), "Fresh")
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if step.StepIndex != 0 {
		t.Errorf("Next() step = %d, want 0", step.StepIndex)
	}
}

func TestOrchestrateOnce_FollowsStepCompletion(t *testing.T) {
	h := newHarness(t, &fakeSpawner{})
	ctx := context.Background()
	run := h.start(t, "Two steps")

	h.once(t, Options{})
	if _, err := h.runner.Complete(ctx, "Two steps", true, "drafted"); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	res := h.once(t, Options{})
	if res.Advanced != 1 || res.Spawned != 1 {
		t.Fatalf("pass after step 0 = %+v", res)
	}
	if last := h.spawner.calls[len(h.spawner.calls)-1]; last.StepIndex != 1 || last.AgentID != "reviewer" {
		t.Errorf("second spawn = %+v, want reviewer for step 1", last)
	}

	if _, err := h.runner.Complete(ctx, "Two steps", true, "reviewed"); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	res = h.once(t, Options{})
	if res.Completed != 1 {
		t.Errorf("final pass = %+v, want run completed", res)
	}
	if got := h.run(t, run.ID); got.Status != models.RunStatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
}

func TestOrchestrateOnce_SpawnAttemptsExhausted(t *testing.T) {
	h := newHarness(t, &fakeSpawner{err: errors.New("exec: claude: not found")})
	run := h.awaiting(t, "Doomed")
	opts := Options{MaxSpawnAttempts: 2}

	first := h.once(t, opts)
	if first.FailedRuns != 0 {
		t.Fatalf("first pass failed the run too early: %+v", first)
	}
	if got := h.run(t, run.ID); got.Status != models.RunStatusAwaitingStep {
		t.Fatalf("Status after one failure = %s", got.Status)
	}

	second := h.once(t, opts)
	if second.FailedRuns != 1 {
		t.Errorf("second pass = %+v, want run failed", second)
	}
	if n := len(h.queued(t)); n != 0 {
		t.Errorf("queue holds %d entries, want 0", n)
	}

	got := h.run(t, run.ID)
	if got.Status != models.RunStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, ErrSpawnFailure.Error()) {
		t.Errorf("Error = %q, want spawn failure reason", got.Error)
	}

	third := h.once(t, opts)
	if third.Enqueued != 0 || third.ActiveRuns != 0 {
		t.Errorf("pass after failure = %+v, want nothing", third)
	}
}

func TestOrchestrateOnce_ConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, &fakeSpawner{delay: 50 * time.Millisecond})
	for i := 0; i < 5; i++ {
		h.start(t, fmt.Sprintf("task %d", i))
	}
	opts := Options{Concurrency: 2}

	want := []struct{ spawned, deferred int }{{2, 3}, {2, 1}, {1, 0}}
	for i, w := range want {
		res := h.once(t, opts)
		if res.Spawned != w.spawned || res.Deferred != w.deferred {
			t.Errorf("pass %d = spawned %d deferred %d, want %d/%d", i, res.Spawned, res.Deferred, w.spawned, w.deferred)
		}
	}

	if h.spawner.maxInFlight > 2 {
		t.Errorf("max in-flight spawns = %d, want <= 2", h.spawner.maxInFlight)
	}
	if h.spawner.callCount() != 5 {
		t.Errorf("spawner called %d times, want 5", h.spawner.callCount())
	}
}

func TestOrchestrateOnce_DropsStaleEntries(t *testing.T) {
	h := newHarness(t, &fakeSpawner{})
	ctx := context.Background()

	done := h.awaiting(t, "Done already")
	if _, err := h.store.UpdateRun(ctx, done.ID, func(r *models.Run) error {
		r.Status = models.RunStatusCompleted
		return nil
	}); err != nil {
		t.Fatalf("UpdateRun() error: %v", err)
	}

	for _, req := range []models.SpawnRequest{
		{AgentID: "writer", RunID: "no-such-run", StepIndex: 0},
		{AgentID: "writer", RunID: done.ID, StepIndex: 0},
	} {
		if _, err := h.queue.Enqueue(req); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	res := h.once(t, Options{})
	if res.Dropped != 2 || res.Spawned != 0 {
		t.Errorf("pass = %+v, want two drops and no spawns", res)
	}
	if n := len(h.queued(t)); n != 0 {
		t.Errorf("queue holds %d entries, want 0", n)
	}
	if h.spawner.callCount() != 0 {
		t.Errorf("spawner called %d times, want 0", h.spawner.callCount())
	}
}

func TestOrchestrateOnce_BadRunDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, &fakeSpawner{})
	ctx := context.Background()

	orphan := &models.Run{
		ID:          "orphan",
		WorkflowID:  "uninstalled",
		TaskTitle:   "Orphan",
		Status:      models.RunStatusPending,
		PendingStep: models.NoStep,
		SessionStep: models.NoStep,
	}
	if _, err := h.store.CreateRun(ctx, orphan); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	h.start(t, "Healthy")

	res := h.once(t, Options{Verbose: true})
	if res.Errors != 1 {
		t.Errorf("Errors = %d, want 1", res.Errors)
	}
	if res.Spawned != 1 {
		t.Errorf("Spawned = %d, want 1", res.Spawned)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, &fakeSpawner{})
	h.start(t, "Loop")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := h.orch.Run(ctx, Options{PollInterval: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if h.spawner.callCount() != 1 {
		t.Errorf("spawner called %d times across passes, want 1", h.spawner.callCount())
	}
}

func TestOrchestrateOnce_ShutdownDuringSpawn(t *testing.T) {
	spawner := &fakeSpawner{}
	h := newHarness(t, spawner)
	run := h.awaiting(t, "Write README")

	// The daemon is stopped while the agent is being launched; the launch
	// itself still succeeds.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	spawner.onSpawn = cancel

	res, err := h.orch.OrchestrateOnce(ctx, Options{})
	if err != nil {
		t.Fatalf("OrchestrateOnce() error: %v", err)
	}
	if res.Spawned != 1 || res.Errors != 0 {
		t.Errorf("result = %+v, want 1 spawned and no errors", res)
	}

	got := h.run(t, run.ID)
	if got.SessionStep != 0 || got.SessionHandle == "" {
		t.Errorf("session not recorded: step %d handle %q", got.SessionStep, got.SessionHandle)
	}
	if reqs := h.queued(t); len(reqs) != 0 {
		t.Errorf("queue = %v, want empty", reqs)
	}

	// A restarted daemon must not launch the step again.
	spawner.onSpawn = nil
	h.once(t, Options{})
	if n := spawner.callCount(); n != 1 {
		t.Errorf("agent spawned %d times for one step, want 1", n)
	}
}

func TestOrchestrateOnce_InterruptedSpawnKeepsAttempts(t *testing.T) {
	spawner := &fakeSpawner{err: context.Canceled}
	h := newHarness(t, spawner)
	h.awaiting(t, "Write README")
	h.awaiting(t, "Write CHANGELOG")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	spawner.onSpawn = cancel

	res, err := h.orch.OrchestrateOnce(ctx, Options{Concurrency: 2})
	if err != nil {
		t.Fatalf("OrchestrateOnce() error: %v", err)
	}
	if res.SpawnFailures != 0 || res.Deferred != 2 {
		t.Errorf("result = %+v, want 0 spawn failures and 2 deferred", res)
	}

	reqs := h.queued(t)
	if len(reqs) != 2 {
		t.Fatalf("len(queue) = %d, want 2", len(reqs))
	}
	for _, req := range reqs {
		if req.Attempts != 0 {
			t.Errorf("entry %s attempts = %d, want 0", req.EntryID, req.Attempts)
		}
	}
}
