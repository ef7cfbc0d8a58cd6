package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	wflua "github.com/mpataki/antfarm/internal/lua"
	"github.com/mpataki/antfarm/internal/models"
)

const defaultMaxStepAttempts = 3

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Parse reads a YAML or Lua workflow definition and applies defaults.
func Parse(path string, rt *wflua.Runtime) (*models.Workflow, error) {
	var wf *models.Workflow

	if wflua.IsLuaDefinition(path) {
		loaded, err := rt.Load(path)
		if err != nil {
			return nil, err
		}
		wf = loaded
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow file: %w", err)
		}

		wf = &models.Workflow{}
		if err := yaml.Unmarshal(data, wf); err != nil {
			return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
		}
		wf.Path = path
	}

	if wf.ID == "" {
		wf.ID = idFromFilename(path)
	}

	if wf.Settings == nil {
		wf.Settings = &models.Settings{}
	}
	if wf.Settings.OnFailure == "" {
		wf.Settings.OnFailure = models.FailurePolicyFail
	}
	if wf.Settings.MaxStepAttempts <= 0 {
		if wf.Settings.OnFailure == models.FailurePolicyRetry {
			wf.Settings.MaxStepAttempts = defaultMaxStepAttempts
		} else {
			wf.Settings.MaxStepAttempts = 1
		}
	}

	return wf, nil
}

func Validate(wf *models.Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow must have an id")
	}
	if !idPattern.MatchString(wf.ID) {
		return fmt.Errorf("workflow id %q must be lowercase letters, digits, '.', '_' or '-'", wf.ID)
	}

	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s must define at least one step", wf.ID)
	}

	for i, step := range wf.Steps {
		if step == nil {
			return fmt.Errorf("workflow %s: step %d is empty", wf.ID, i)
		}
		if step.Agent == "" {
			return fmt.Errorf("workflow %s: step %d must name an agent", wf.ID, i)
		}
	}

	if wf.Settings != nil {
		switch wf.Settings.OnFailure {
		case "", models.FailurePolicyFail, models.FailurePolicyRetry:
		default:
			return fmt.Errorf("workflow %s: unknown on_failure policy %q", wf.ID, wf.Settings.OnFailure)
		}
	}

	return nil
}

func idFromFilename(path string) string {
	name := filepath.Base(path)
	for _, ext := range []string{".yaml", ".yml", ".lua"} {
		name = strings.TrimSuffix(name, ext)
	}
	return strings.ToLower(name)
}
