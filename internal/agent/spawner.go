// Package agent launches agent sessions for queued spawn requests.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mpataki/antfarm/internal/models"
	"github.com/mpataki/antfarm/internal/workspace"
)

// CommandSpawner starts each agent as a detached process running the
// configured agent command inside its own session workspace.
type CommandSpawner struct {
	command     []string
	sessionsDir string
	logger      *slog.Logger
}

// NewCommandSpawner splits command on whitespace, so extra fixed arguments
// can be given in ANTFARM_AGENT_COMMAND.
func NewCommandSpawner(command, sessionsDir string, logger *slog.Logger) *CommandSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandSpawner{
		command:     strings.Fields(command),
		sessionsDir: sessionsDir,
		logger:      logger,
	}
}

// Spawn prepares the session workspace and starts the agent. It returns once
// the process has started; the agent reports back through the CLI.
func (s *CommandSpawner) Spawn(ctx context.Context, req models.SpawnRequest) (models.SessionHandle, error) {
	if len(s.command) == 0 {
		return models.SessionHandle{}, fmt.Errorf("no agent command configured")
	}
	if err := ctx.Err(); err != nil {
		return models.SessionHandle{}, err
	}

	label := req.SessionLabel
	if label == "" {
		label = fmt.Sprintf("antfarm:%s:%d", req.RunID, req.StepIndex)
	}

	ws, err := workspace.Create(s.sessionsDir, label)
	if err != nil {
		return models.SessionHandle{}, err
	}

	meta := &workspace.SessionMetadata{
		Label:      label,
		RunID:      req.RunID,
		WorkflowID: req.WorkflowID,
		TaskTitle:  req.TaskTitle,
		Agent:      req.AgentID,
		StepIndex:  req.StepIndex,
		EntryID:    req.EntryID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ws.WriteMetadata(meta); err != nil {
		return models.SessionHandle{}, err
	}

	logFile, err := ws.OpenLog()
	if err != nil {
		return models.SessionHandle{}, fmt.Errorf("failed to open agent log: %w", err)
	}
	defer logFile.Close()

	args := append([]string{}, s.command[1:]...)
	if req.AgentID != "" {
		args = append(args, "--agent", req.AgentID)
	}
	args = append(args, "-p", buildPrompt(req, ws))

	// Not tied to ctx: the agent must outlive the pass that started it.
	cmd := exec.Command(s.command[0], args...)
	cmd.Dir = ws.Path
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"ANTFARM_RUN_ID="+req.RunID,
		"ANTFARM_TASK_TITLE="+req.TaskTitle,
		"ANTFARM_STEP="+strconv.Itoa(req.StepIndex),
		"ANTFARM_SESSION_LABEL="+label,
	)

	if err := cmd.Start(); err != nil {
		return models.SessionHandle{}, fmt.Errorf("failed to start %s: %w", s.command[0], err)
	}

	pid := cmd.Process.Pid
	meta.PID = pid
	if err := ws.WriteMetadata(meta); err != nil {
		s.logger.Warn("failed to record agent pid", "session", label, "error", err)
	}

	logger := s.logger.With("session", label, "pid", pid, "run_id", req.RunID)
	logger.Info("agent started", "agent", req.AgentID, "step", req.StepIndex)

	go func() {
		err := cmd.Wait()
		exitCode := 0
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			logger.Warn("agent exited", "exit_code", exitCode, "error", err)
			return
		}
		logger.Debug("agent exited", "exit_code", exitCode)
	}()

	return models.SessionHandle{Label: label, PID: pid}, nil
}

// Kill terminates an agent's whole process group.
func Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func buildPrompt(req models.SpawnRequest, ws *workspace.Workspace) string {
	var b strings.Builder
	b.WriteString(req.Task)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "IMPORTANT: Read `%s/PROTOCOL.md` before starting.", ws.Path)
	if req.TaskTitle != "" {
		fmt.Fprintf(&b, " Your task title is %q; report the result of step %d with `antfarm workflow complete`.", req.TaskTitle, req.StepIndex)
	}
	return b.String()
}
