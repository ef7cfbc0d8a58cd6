package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	wflua "github.com/mpataki/antfarm/internal/lua"
	"github.com/mpataki/antfarm/internal/models"
)

var (
	// ErrNotInstalled is returned when no definition exists for a workflow id.
	ErrNotInstalled = errors.New("workflow not installed")

	// ErrAlreadyInstalled is returned by Install for an id that is present.
	ErrAlreadyInstalled = errors.New("workflow already installed")
)

const (
	sourceSuffix = ".source"
	maxFetchSize = 1 << 20
)

var definitionExts = []string{".yaml", ".yml", ".lua"}

const defaultTaskTemplate = `Step {{.StepIndex}}{{if .StepName}} ({{.StepName}}){{end}} of workflow "{{.WorkflowName}}" for task: {{.TaskTitle}}`

// Registry manages installed workflow definitions in a directory. Each
// workflow is one definition file named after its id plus a sidecar file
// recording where it was installed from.
type Registry struct {
	dir    string
	lua    *wflua.Runtime
	client *http.Client
	logger *slog.Logger
}

func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dir:    dir,
		lua:    wflua.NewRuntime(logger),
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Install fetches a definition from a local path or http(s) URL, validates
// it and stores it under its id.
func (r *Registry) Install(ctx context.Context, source string) (*models.Workflow, error) {
	wf, data, ext, err := r.fetchAndParse(ctx, source)
	if err != nil {
		return nil, err
	}

	if existing, _ := r.definitionPath(wf.ID); existing != "" {
		return nil, fmt.Errorf("%w: %s (use update)", ErrAlreadyInstalled, wf.ID)
	}

	return r.store(wf, data, ext, source)
}

// Update re-fetches an installed workflow. An empty source reuses the one it
// was installed from.
func (r *Registry) Update(ctx context.Context, id, source string) (*models.Workflow, error) {
	current, err := r.definitionPath(id)
	if err != nil {
		return nil, err
	}

	if source == "" {
		recorded, err := os.ReadFile(filepath.Join(r.dir, id+sourceSuffix))
		if err != nil {
			return nil, fmt.Errorf("workflow %s has no recorded source; pass one explicitly", id)
		}
		source = strings.TrimSpace(string(recorded))
	}

	wf, data, ext, err := r.fetchAndParse(ctx, source)
	if err != nil {
		return nil, err
	}
	if wf.ID != id {
		return nil, fmt.Errorf("source defines workflow %q, expected %q", wf.ID, id)
	}

	if filepath.Ext(current) != ext {
		if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove previous definition: %w", err)
		}
	}

	return r.store(wf, data, ext, source)
}

func (r *Registry) Uninstall(id string) error {
	defPath, err := r.definitionPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(defPath); err != nil {
		return fmt.Errorf("remove %s: %w", defPath, err)
	}
	os.Remove(filepath.Join(r.dir, id+sourceSuffix))
	r.logger.Info("workflow uninstalled", "workflow_id", id)
	return nil
}

// UninstallAll removes every installed workflow and returns their ids.
func (r *Registry) UninstallAll() ([]string, error) {
	workflows, err := r.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, wf := range workflows {
		if err := r.Uninstall(wf.ID); err != nil {
			return removed, err
		}
		removed = append(removed, wf.ID)
	}
	return removed, nil
}

// Get loads the installed definition for id.
func (r *Registry) Get(id string) (*models.Workflow, error) {
	defPath, err := r.definitionPath(id)
	if err != nil {
		return nil, err
	}
	wf, err := Parse(defPath, r.lua)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	if err := Validate(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// List returns installed workflows sorted by id. Definitions that no longer
// parse are logged and skipped.
func (r *Registry) List() ([]*models.Workflow, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var workflows []*models.Workflow
	for _, entry := range entries {
		if entry.IsDir() || !isDefinition(entry.Name()) {
			continue
		}
		p := filepath.Join(r.dir, entry.Name())
		wf, err := Parse(p, r.lua)
		if err != nil {
			r.logger.Warn("skipping unreadable workflow", "path", p, "error", err)
			continue
		}
		workflows = append(workflows, wf)
	}

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })
	return workflows, nil
}

// RenderTask produces the task text for step index of wf.
func (r *Registry) RenderTask(wf *models.Workflow, index int, tc models.TaskContext) (string, error) {
	if index < 0 || index >= len(wf.Steps) {
		return "", fmt.Errorf("workflow %s has no step %d", wf.ID, index)
	}
	step := wf.Steps[index]

	tc.StepIndex = index
	tc.StepName = step.Name
	tc.Agent = step.Agent
	if tc.WorkflowName == "" {
		tc.WorkflowName = wf.DisplayName()
	}

	if wf.Scripted {
		return r.lua.RenderTask(wf.Path, step, tc)
	}

	text := step.Task
	if text == "" {
		text = defaultTaskTemplate
	}
	tmpl, err := template.New(fmt.Sprintf("%s-%d", wf.ID, index)).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("workflow %s step %d: parse task template: %w", wf.ID, index, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, tc); err != nil {
		return "", fmt.Errorf("workflow %s step %d: render task: %w", wf.ID, index, err)
	}
	return buf.String(), nil
}

func (r *Registry) fetchAndParse(ctx context.Context, source string) (*models.Workflow, []byte, string, error) {
	data, name, err := r.fetch(ctx, source)
	if err != nil {
		return nil, nil, "", err
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !isDefinition(name) {
		ext = ".yaml"
	}

	// Parse from a scratch copy so a broken source never lands in the registry.
	tmpDir, err := os.MkdirTemp("", "antfarm-workflow-")
	if err != nil {
		return nil, nil, "", err
	}
	defer os.RemoveAll(tmpDir)

	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." || base == "/" {
		base = "workflow"
	}
	scratch := filepath.Join(tmpDir, base+ext)
	if err := os.WriteFile(scratch, data, 0644); err != nil {
		return nil, nil, "", err
	}

	wf, err := Parse(scratch, r.lua)
	if err != nil {
		return nil, nil, "", err
	}
	if err := Validate(wf); err != nil {
		return nil, nil, "", err
	}
	return wf, data, ext, nil
}

func (r *Registry) fetch(ctx context.Context, source string) ([]byte, string, error) {
	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("fetch %s: %w", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("fetch %s: unexpected status %s", source, resp.Status)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", source, err)
		}
		return data, path.Base(u.Path), nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", source, err)
	}
	return data, source, nil
}

func (r *Registry) store(wf *models.Workflow, data []byte, ext, source string) (*models.Workflow, error) {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return nil, err
	}

	dest := filepath.Join(r.dir, wf.ID+ext)
	if err := writeFileAtomic(dest, data); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(filepath.Join(r.dir, wf.ID+sourceSuffix), []byte(source+"\n")); err != nil {
		return nil, err
	}

	wf.Path = dest
	wf.Source = source
	r.logger.Info("workflow installed", "workflow_id", wf.ID, "source", source)
	return wf, nil
}

func (r *Registry) definitionPath(id string) (string, error) {
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	for _, ext := range definitionExts {
		p := filepath.Join(r.dir, id+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotInstalled, id)
}

func isDefinition(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range definitionExts {
		if ext == e {
			return true
		}
	}
	return false
}

func writeFileAtomic(dest string, data []byte) error {
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename %s: %w", dest, err)
	}
	return nil
}
