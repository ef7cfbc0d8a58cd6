package models

import (
	"strconv"
	"strings"
	"time"
)

// SpawnRequest is a durable intent to create one agent process.
type SpawnRequest struct {
	EntryID      string    `json:"-"`
	AgentID      string    `json:"agentId"`
	Task         string    `json:"task"`
	RunID        string    `json:"runId"`
	StepIndex    int       `json:"stepIndex"`
	WorkflowID   string    `json:"workflowId,omitempty"`
	TaskTitle    string    `json:"taskTitle,omitempty"`
	SessionLabel string    `json:"sessionLabel,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"lastError,omitempty"`
}

// SessionHandle identifies an agent session created by a spawner.
type SessionHandle struct {
	Label string
	PID   int
}

func (h SessionHandle) String() string {
	if h.PID > 0 {
		return h.Label + "@" + strconv.Itoa(h.PID)
	}
	return h.Label
}

// ParseSessionHandle is the inverse of SessionHandle.String.
func ParseSessionHandle(s string) (SessionHandle, bool) {
	if s == "" {
		return SessionHandle{}, false
	}
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return SessionHandle{Label: s}, true
	}
	pid, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return SessionHandle{Label: s}, true
	}
	return SessionHandle{Label: s[:i], PID: pid}, true
}
