package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/antfarm/internal/config"
	"github.com/mpataki/antfarm/internal/models"
	"github.com/mpataki/antfarm/internal/queue"
	"github.com/mpataki/antfarm/internal/runner"
	"github.com/mpataki/antfarm/internal/storage"
	"github.com/mpataki/antfarm/internal/telemetry"
)

// Spawner starts an agent session for a spawn request.
type Spawner interface {
	Spawn(ctx context.Context, req models.SpawnRequest) (models.SessionHandle, error)
}

type RunStore interface {
	ListActiveRuns(ctx context.Context) ([]*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRun(ctx context.Context, id string, mutate func(*models.Run) error) (*models.Run, error)
}

type SpawnQueue interface {
	List() ([]models.SpawnRequest, error)
	EnqueueUnique(req models.SpawnRequest) (string, error)
	Update(req models.SpawnRequest) error
	Remove(entryID string) error
}

// Options configure a single pass or the polling loop. They are passed on
// every call rather than held by the Orchestrator.
type Options struct {
	PollInterval     time.Duration
	Verbose          bool
	Concurrency      int
	MaxSpawnAttempts int
}

func OptionsFromConfig(cfg *config.Config, verbose bool) Options {
	return Options{
		PollInterval:     cfg.PollInterval,
		Verbose:          verbose,
		Concurrency:      cfg.SpawnConcurrency,
		MaxSpawnAttempts: cfg.MaxSpawnAttempts,
	}
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return config.DefaultPollInterval
	}
	return o.PollInterval
}

func (o Options) concurrency() int {
	if o.Concurrency <= 0 {
		return config.DefaultSpawnConcurrency
	}
	return o.Concurrency
}

func (o Options) maxSpawnAttempts() int {
	if o.MaxSpawnAttempts <= 0 {
		return config.DefaultMaxSpawnAttempts
	}
	return o.MaxSpawnAttempts
}

// PassResult counts what one orchestration pass did.
type PassResult struct {
	ActiveRuns    int `json:"activeRuns"`
	Advanced      int `json:"advanced"`
	Completed     int `json:"completed"`
	Enqueued      int `json:"enqueued"`
	Queued        int `json:"queued"`
	Spawned       int `json:"spawned"`
	SpawnFailures int `json:"spawnFailures"`
	FailedRuns    int `json:"failedRuns"`
	Dropped       int `json:"dropped"`
	Deferred      int `json:"deferred"`
	Errors        int `json:"errors"`
}

type Orchestrator struct {
	store   RunStore
	queue   SpawnQueue
	defs    runner.Definitions
	spawner Spawner
	logger  *slog.Logger
}

func New(store RunStore, q SpawnQueue, defs runner.Definitions, spawner Spawner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		queue:   q,
		defs:    defs,
		spawner: spawner,
		logger:  logger,
	}
}

// Run performs a pass immediately and then one every PollInterval until ctx
// is cancelled. A failed pass is logged; the next tick tries again.
func (o *Orchestrator) Run(ctx context.Context, opts Options) error {
	interval := opts.pollInterval()
	o.logger.Info("orchestrator started",
		"poll_interval", interval,
		"concurrency", opts.concurrency(),
		"max_spawn_attempts", opts.maxSpawnAttempts(),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.OrchestrateOnce(ctx, opts); err != nil && ctx.Err() == nil {
			o.logger.Error("orchestration pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// OrchestrateOnce reconciles every active run against the spawn queue and
// then drains up to Options.Concurrency queued requests. Errors for a single
// run or entry are logged and counted; only failing to list runs or queue
// entries fails the pass.
func (o *Orchestrator) OrchestrateOnce(ctx context.Context, opts Options) (PassResult, error) {
	start := time.Now()
	var res PassResult

	err := o.pass(ctx, opts, &res)

	passDuration.Observe(time.Since(start).Seconds())
	res.observe()
	if err != nil {
		passesTotal.WithLabelValues("error").Inc()
		return res, err
	}
	passesTotal.WithLabelValues("ok").Inc()

	o.logger.Log(ctx, o.passLevel(opts), "orchestration pass",
		"active_runs", res.ActiveRuns,
		"enqueued", res.Enqueued,
		"spawned", res.Spawned,
		"spawn_failures", res.SpawnFailures,
		"dropped", res.Dropped,
		"deferred", res.Deferred,
		"errors", res.Errors,
		"duration", time.Since(start),
	)
	return res, nil
}

func (o *Orchestrator) pass(ctx context.Context, opts Options, res *PassResult) error {
	runs, err := o.store.ListActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	res.ActiveRuns = len(runs)

	for _, run := range runs {
		if err := o.reconcile(ctx, run, opts, res); err != nil {
			res.Errors++
			telemetry.WithRunID(o.logger, run.ID).Warn("failed to reconcile run", "error", err)
		}
	}

	return o.drain(ctx, opts, res)
}

// reconcile brings run to awaiting_step if it is ready for its next step and
// queues a spawn for the pending step when no agent holds it yet.
func (o *Orchestrator) reconcile(ctx context.Context, run *models.Run, opts Options, res *PassResult) error {
	logger := telemetry.WithRunID(o.logger, run.ID)

	wf, err := o.defs.Get(run.WorkflowID)
	if err != nil {
		return err
	}

	if run.Status == models.RunStatusPending || run.Status == models.RunStatusRunning {
		var step runner.StepResult
		updated, err := o.store.UpdateRun(ctx, run.ID, func(current *models.Run) error {
			if current.Status != models.RunStatusPending && current.Status != models.RunStatusRunning {
				return errStateChanged
			}
			var advanceErr error
			step, advanceErr = runner.Advance(current, wf, o.defs.RenderTask)
			return advanceErr
		})
		switch {
		case errors.Is(err, errStateChanged):
			if updated, err = o.store.GetRun(ctx, run.ID); err != nil {
				return err
			}
		case err != nil:
			return err
		case step.Done:
			res.Completed++
			logger.Info("run completed", "task_title", run.TaskTitle)
			return nil
		default:
			res.Advanced++
			logger.Log(ctx, o.passLevel(opts), "run advanced", "step", step.StepIndex, "agent", step.Agent)
		}
		run = updated
	}

	if !run.NeedsAgent() {
		return nil
	}

	// Advance on a copy of an awaiting run only re-renders its pending step.
	candidate := *run
	step, err := runner.Advance(&candidate, wf, o.defs.RenderTask)
	if err != nil {
		return err
	}

	req := models.SpawnRequest{
		AgentID:      step.Agent,
		Task:         step.Task,
		RunID:        run.ID,
		StepIndex:    step.StepIndex,
		WorkflowID:   run.WorkflowID,
		TaskTitle:    run.TaskTitle,
		SessionLabel: runner.StepSessionLabel(run.WorkflowID, run.ID, step.StepIndex),
	}
	id, err := o.queue.EnqueueUnique(req)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue step %d: %w", step.StepIndex, err)
	}

	res.Enqueued++
	telemetry.WithEntryID(logger, id).Log(ctx, o.passLevel(opts), "spawn queued",
		"step", step.StepIndex, "agent", step.Agent)
	return nil
}

// drain spawns up to Options.Concurrency live queue entries concurrently.
// Entries beyond the ceiling stay queued for the next pass.
func (o *Orchestrator) drain(ctx context.Context, opts Options, res *PassResult) error {
	reqs, err := o.queue.List()
	if err != nil {
		return fmt.Errorf("list spawn queue: %w", err)
	}
	res.Queued = len(reqs)

	limit := opts.concurrency()
	var live []models.SpawnRequest
	for _, req := range reqs {
		if len(live) == limit {
			res.Deferred++
			continue
		}

		reason, err := o.staleReason(ctx, req)
		if err != nil {
			res.Errors++
			telemetry.WithEntryID(o.logger, req.EntryID).Warn("failed to check queue entry", "run_id", req.RunID, "error", err)
			continue
		}
		if reason != "" {
			o.drop(req, reason, res)
			continue
		}
		live = append(live, req)
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(limit)
	for _, req := range live {
		req := req
		g.Go(func() error {
			outcome := o.spawn(ctx, req, opts)
			mu.Lock()
			outcome.addTo(res)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// staleReason reports why a queue entry no longer needs an agent, or "" if
// it does.
func (o *Orchestrator) staleReason(ctx context.Context, req models.SpawnRequest) (string, error) {
	run, err := o.store.GetRun(ctx, req.RunID)
	if errors.Is(err, storage.ErrNotFound) {
		return "run not found", nil
	}
	if err != nil {
		return "", err
	}

	switch {
	case run.Status.IsTerminal():
		return "run is " + string(run.Status), nil
	case run.Status != models.RunStatusAwaitingStep || run.PendingStep != req.StepIndex:
		return fmt.Sprintf("step %d is no longer pending", req.StepIndex), nil
	case run.SessionStep == req.StepIndex:
		return "session already started", nil
	}
	return "", nil
}

func (o *Orchestrator) drop(req models.SpawnRequest, reason string, res *PassResult) {
	logger := telemetry.WithEntryID(o.logger, req.EntryID)
	if err := o.queue.Remove(req.EntryID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		res.Errors++
		logger.Warn("failed to drop stale queue entry", "error", err)
		return
	}
	res.Dropped++
	logger.Info("dropped stale spawn request", "run_id", req.RunID, "step", req.StepIndex, "reason", reason)
}

type spawnOutcome struct {
	spawned   bool
	failed    bool
	runFailed bool
	deferred  bool
	err       bool
}

func (s spawnOutcome) addTo(res *PassResult) {
	if s.spawned {
		res.Spawned++
	}
	if s.failed {
		res.SpawnFailures++
	}
	if s.runFailed {
		res.FailedRuns++
	}
	if s.deferred {
		res.Deferred++
	}
	if s.err {
		res.Errors++
	}
}

// spawn runs one request. No store transaction or queue lock is held while
// the spawner is working. Once the spawner returns, its result is recorded
// even if ctx has been cancelled in the meantime; an agent that started must
// not be started again after a restart.
func (o *Orchestrator) spawn(ctx context.Context, req models.SpawnRequest, opts Options) spawnOutcome {
	logger := telemetry.WithEntryID(telemetry.WithRunID(o.logger, req.RunID), req.EntryID)

	if ctx.Err() != nil {
		return spawnOutcome{deferred: true}
	}

	handle, err := o.spawner.Spawn(ctx, req)
	record := context.WithoutCancel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the entry stays queued without losing an attempt.
			logger.Info("spawn interrupted", "agent", req.AgentID, "error", err)
			return spawnOutcome{deferred: true}
		}
		return o.spawnFailed(record, req, err, opts, logger)
	}

	var out spawnOutcome
	out.spawned = true

	_, err = o.store.UpdateRun(record, req.RunID, func(current *models.Run) error {
		if current.Status != models.RunStatusAwaitingStep || current.PendingStep != req.StepIndex {
			return errStateChanged
		}
		current.SessionStep = req.StepIndex
		current.SessionHandle = handle.String()
		return nil
	})
	switch {
	case errors.Is(err, errStateChanged):
		// The agent already reported back, or the run was cancelled.
		logger.Debug("run moved on before session was recorded", "session", handle.String())
	case err != nil:
		// Keep the entry; the next pass re-checks it against the run.
		out.err = true
		logger.Error("failed to record agent session", "session", handle.String(), "error", err)
		return out
	}

	if err := o.queue.Remove(req.EntryID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		out.err = true
		logger.Warn("failed to remove spawned queue entry", "error", err)
	}

	logger.Log(record, o.passLevel(opts), "agent spawned",
		"agent", req.AgentID, "step", req.StepIndex, "session", handle.String())
	return out
}

func (o *Orchestrator) spawnFailed(ctx context.Context, req models.SpawnRequest, spawnErr error, opts Options, logger *slog.Logger) spawnOutcome {
	out := spawnOutcome{failed: true}

	req.Attempts++
	req.LastError = spawnErr.Error()
	maxAttempts := opts.maxSpawnAttempts()

	if req.Attempts < maxAttempts {
		logger.Warn("agent spawn failed; will retry",
			"agent", req.AgentID, "attempt", req.Attempts, "max_attempts", maxAttempts, "error", spawnErr)
		if err := o.queue.Update(req); err != nil && !errors.Is(err, queue.ErrNotFound) {
			out.err = true
			logger.Warn("failed to record spawn attempt", "error", err)
		}
		return out
	}

	reason := fmt.Sprintf("%v: agent %s for step %d after %d attempts: %v",
		ErrSpawnFailure, req.AgentID, req.StepIndex, req.Attempts, spawnErr)

	_, err := o.store.UpdateRun(ctx, req.RunID, func(current *models.Run) error {
		if current.Status != models.RunStatusAwaitingStep || current.PendingStep != req.StepIndex {
			return errStateChanged
		}
		current.Status = models.RunStatusFailed
		current.Error = reason
		return nil
	})
	switch {
	case err == nil:
		out.runFailed = true
		logger.Error("run failed", "reason", reason)
	case errors.Is(err, errStateChanged), errors.Is(err, storage.ErrNotFound):
		logger.Info("spawn attempts exhausted for a request the run no longer needs")
	default:
		out.err = true
		logger.Error("failed to mark run failed", "error", err)
		return out
	}

	if err := o.queue.Remove(req.EntryID); err != nil && !errors.Is(err, queue.ErrNotFound) {
		out.err = true
		logger.Warn("failed to remove exhausted queue entry", "error", err)
	}
	return out
}

// passLevel is the level for routine per-pass messages. Verbose only makes
// them visible.
func (o *Orchestrator) passLevel(opts Options) slog.Level {
	if opts.Verbose {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}
