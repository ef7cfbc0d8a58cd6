package lua

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/antfarm/internal/models"
)

// Runtime evaluates Lua workflow definitions in a sandboxed state.
//
// A definition script assigns a global `workflow` table:
//
//	workflow = {
//	  id = "feature-dev",
//	  name = "Feature Development",
//	  lead_agent = "planner",
//	  steps = {
//	    { name = "plan", agent = "planner", task = "Plan the work" },
//	    { name = "build", agent = "developer" },
//	  },
//	  settings = { on_failure = "retry", max_step_attempts = 2 },
//	}
//
// and may define `task(step, ctx)` returning the task text for a step.
type Runtime struct {
	logger *slog.Logger
}

func NewRuntime(logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{logger: logger}
}

// Load evaluates the script at path and returns the workflow it declares.
func (r *Runtime) Load(path string) (*models.Workflow, error) {
	L, err := r.open(path)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	tbl, ok := L.GetGlobal("workflow").(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("script must assign a 'workflow' table")
	}

	wf := &models.Workflow{
		ID:          stringField(tbl, "id"),
		Name:        stringField(tbl, "name"),
		Description: stringField(tbl, "description"),
		LeadAgent:   stringField(tbl, "lead_agent"),
		Path:        path,
	}

	steps, ok := tbl.RawGetString("steps").(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("workflow.steps must be a table")
	}
	for i := 1; i <= steps.Len(); i++ {
		st, ok := steps.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("workflow.steps[%d] must be a table", i)
		}
		wf.Steps = append(wf.Steps, &models.StepDef{
			Name:  stringField(st, "name"),
			Agent: stringField(st, "agent"),
			Task:  stringField(st, "task"),
		})
	}

	if settings, ok := tbl.RawGetString("settings").(*lua.LTable); ok {
		wf.Settings = &models.Settings{
			OnFailure:       models.FailurePolicy(stringField(settings, "on_failure")),
			MaxStepAttempts: int(lua.LVAsNumber(settings.RawGetString("max_step_attempts"))),
		}
	}

	if _, ok := L.GetGlobal("task").(*lua.LFunction); ok {
		wf.Scripted = true
	}

	return wf, nil
}

// RenderTask calls the script's task(step, ctx) function.
func (r *Runtime) RenderTask(path string, step *models.StepDef, tc models.TaskContext) (string, error) {
	L, err := r.open(path)
	if err != nil {
		return "", err
	}
	defer L.Close()

	fn, ok := L.GetGlobal("task").(*lua.LFunction)
	if !ok {
		return "", fmt.Errorf("script does not define a 'task' function")
	}

	stepTbl := L.NewTable()
	L.SetField(stepTbl, "index", lua.LNumber(tc.StepIndex))
	L.SetField(stepTbl, "name", lua.LString(step.Name))
	L.SetField(stepTbl, "agent", lua.LString(step.Agent))
	L.SetField(stepTbl, "task", lua.LString(step.Task))

	ctxTbl := L.NewTable()
	L.SetField(ctxTbl, "run_id", lua.LString(tc.RunID))
	L.SetField(ctxTbl, "workflow_id", lua.LString(tc.WorkflowID))
	L.SetField(ctxTbl, "workflow_name", lua.LString(tc.WorkflowName))
	L.SetField(ctxTbl, "task_title", lua.LString(tc.TaskTitle))
	L.SetField(ctxTbl, "previous_output", lua.LString(tc.PreviousOutput))

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, stepTbl, ctxTbl); err != nil {
		return "", fmt.Errorf("task() failed for step %d: %w", tc.StepIndex, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	str, ok := ret.(lua.LString)
	if !ok {
		return "", fmt.Errorf("task() must return a string, got %s", ret.Type())
	}
	return string(str), nil
}

func (r *Runtime) open(path string) (*lua.LState, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	r.openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(r.luaLog(path)))

	if err := L.DoString(string(script)); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load script %s: %w", filepath.Base(path), err)
	}
	return L, nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// No filesystem or code loading from definitions.
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Rendering must be deterministic.
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// luaLog implements the log(message) API
func (r *Runtime) luaLog(path string) lua.LGFunction {
	return func(L *lua.LState) int {
		r.logger.Debug("workflow script", "script", filepath.Base(path), "message", L.CheckString(1))
		return 0
	}
}

func stringField(tbl *lua.LTable, key string) string {
	v := tbl.RawGetString(key)
	if v == lua.LNil {
		return ""
	}
	return lua.LVAsString(v)
}

// IsLuaDefinition checks if a file is a Lua workflow definition
func IsLuaDefinition(path string) bool {
	return filepath.Ext(path) == ".lua"
}
