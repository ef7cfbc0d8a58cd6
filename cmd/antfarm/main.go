package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mpataki/antfarm/internal/agent"
	"github.com/mpataki/antfarm/internal/config"
	"github.com/mpataki/antfarm/internal/models"
	"github.com/mpataki/antfarm/internal/orchestrator"
	"github.com/mpataki/antfarm/internal/queue"
	"github.com/mpataki/antfarm/internal/runner"
	"github.com/mpataki/antfarm/internal/storage"
	"github.com/mpataki/antfarm/internal/telemetry"
	"github.com/mpataki/antfarm/internal/workflow"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "antfarm",
		Short:         "Multi-agent workflow orchestrator",
		Long:          "Antfarm runs installed workflows step by step and spawns agent sessions for them.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newDashboardCommand())
	return rootCmd
}

// env holds the collaborators shared by all commands.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *storage.Storage
	defs   *workflow.Registry
	runner *runner.Runner
}

func openEnv(logOut io.Writer, verbose bool) (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger := telemetry.SetupLogger(logOut, verbose)

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	defs := workflow.NewRegistry(cfg.WorkflowsDir, logger)
	return &env{
		cfg:    cfg,
		logger: logger,
		store:  store,
		defs:   defs,
		runner: runner.New(store, defs, logger),
	}, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

func (e *env) queue() (*queue.Queue, error) {
	return queue.Open(e.cfg.QueueDir, e.logger)
}

func (e *env) orchestrator(q *queue.Queue) *orchestrator.Orchestrator {
	spawner := agent.NewCommandSpawner(e.cfg.AgentCommand, e.cfg.SessionsDir, e.logger)
	return orchestrator.New(e.store, q, e.defs, spawner, e.logger)
}

// cancelRun fails the active run for title and kills the agent session
// still working on its pending step, if any.
func (e *env) cancelRun(ctx context.Context, title, reason string) (*models.Run, error) {
	run, err := e.runner.Cancel(ctx, title, reason)
	if err != nil {
		return nil, err
	}

	if run.PendingStep == models.NoStep || run.SessionStep != run.PendingStep {
		return run, nil
	}
	handle, ok := models.ParseSessionHandle(run.SessionHandle)
	if !ok || handle.PID == 0 {
		return run, nil
	}
	if err := agent.Kill(handle.PID); err != nil {
		e.logger.Warn("failed to stop agent session", "run_id", run.ID, "session", handle.String(), "error", err)
	}
	return run, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
