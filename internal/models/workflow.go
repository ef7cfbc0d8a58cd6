package models

type FailurePolicy string

const (
	FailurePolicyFail  FailurePolicy = "fail"
	FailurePolicyRetry FailurePolicy = "retry"
)

type Workflow struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	LeadAgent   string     `yaml:"lead_agent"`
	Steps       []*StepDef `yaml:"steps"`
	Settings    *Settings  `yaml:"settings"`

	// Path is the installed definition file; Source is where it came from.
	Path   string `yaml:"-"`
	Source string `yaml:"-"`
	// Scripted is set for Lua definitions that render step tasks through a
	// task(step, ctx) function.
	Scripted bool `yaml:"-"`
}

type StepDef struct {
	Name  string `yaml:"name"`
	Agent string `yaml:"agent"`
	Task  string `yaml:"task"`
}

type Settings struct {
	OnFailure       FailurePolicy `yaml:"on_failure"`
	MaxStepAttempts int           `yaml:"max_step_attempts"`
}

// Lead returns the agent that owns runs of this workflow.
func (w *Workflow) Lead() string {
	if w.LeadAgent != "" {
		return w.LeadAgent
	}
	if len(w.Steps) > 0 {
		return w.Steps[0].Agent
	}
	return ""
}

func (w *Workflow) DisplayName() string {
	if w.Name != "" {
		return w.Name
	}
	return w.ID
}

// TaskContext is the data available when rendering a step's task text.
type TaskContext struct {
	RunID          string
	WorkflowID     string
	WorkflowName   string
	TaskTitle      string
	StepIndex      int
	StepName       string
	Agent          string
	PreviousOutput string
}
