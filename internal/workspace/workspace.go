package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Workspace is the directory an agent session runs in.
type Workspace struct {
	Label   string
	Path    string
	LogPath string
}

type SessionMetadata struct {
	Label      string    `json:"label"`
	RunID      string    `json:"run_id"`
	WorkflowID string    `json:"workflow_id"`
	TaskTitle  string    `json:"task_title"`
	Agent      string    `json:"agent"`
	StepIndex  int       `json:"step_index"`
	EntryID    string    `json:"entry_id"`
	PID        int       `json:"pid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func Create(baseDir, label string) (*Workspace, error) {
	w := newWorkspace(baseDir, label)

	if err := os.MkdirAll(w.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(w.Path, "PROTOCOL.md"), []byte(protocolContent), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PROTOCOL.md: %w", err)
	}

	return w, nil
}

func Open(baseDir, label string) (*Workspace, error) {
	w := newWorkspace(baseDir, label)

	if _, err := os.Stat(w.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for session %s does not exist", label)
	}

	return w, nil
}

func newWorkspace(baseDir, label string) *Workspace {
	path := filepath.Join(baseDir, DirName(label))
	return &Workspace{
		Label:   label,
		Path:    path,
		LogPath: filepath.Join(path, "agent.log"),
	}
}

// DirName maps a session label to a safe directory name.
func DirName(label string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, label)
	if strings.Trim(name, ".") == "" {
		name = "_" + name
	}
	return name
}

func (w *Workspace) WriteMetadata(meta *SessionMetadata) error {
	path := filepath.Join(w.Path, "session.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadMetadata() (*SessionMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "session.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session.json not found for %s", w.Label)
		}
		return nil, fmt.Errorf("failed to read session.json: %w", err)
	}

	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse session.json: %w", err)
	}

	return &meta, nil
}

// OpenLog opens the session's agent.log for appending.
func (w *Workspace) OpenLog() (*os.File, error) {
	return os.OpenFile(w.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

const protocolContent = `# Antfarm Session Protocol

You are one agent session in an antfarm workflow run. Other sessions work on
the same task before and after you.

## Your Assignment

Check ` + "`" + `session.json` + "`" + ` in this directory for the run, task title, workflow and
step you were spawned for. The same values are in the environment as
` + "`" + `ANTFARM_RUN_ID` + "`" + `, ` + "`" + `ANTFARM_TASK_TITLE` + "`" + ` and ` + "`" + `ANTFARM_STEP` + "`" + `.

## Getting Your Step

    antfarm workflow next "<task title>"

prints the pending step as JSON. Calling it again before you complete the
step returns the same step, so it is safe to re-run if you lose the output.

## Reporting Completion

When the step is done:

    antfarm workflow complete "<task title>" success "<short summary>"

If you cannot finish it:

    antfarm workflow complete "<task title>" fail "<what went wrong>"

Report exactly once. The summary is handed to the next step as context, so
say what the next agent needs to know and nothing more.
`
