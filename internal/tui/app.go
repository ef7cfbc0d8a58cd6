package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/antfarm/internal/models"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewQueue
)

type RunSource interface {
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
}

type QueueSource interface {
	List() ([]models.SpawnRequest, error)
	Remove(entryID string) error
}

// CancelFunc fails the active run for a task title and stops its agent.
type CancelFunc func(ctx context.Context, title string) error

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Enter   key.Binding
	Back    key.Binding
	Queue   key.Binding
	Refresh key.Binding
	Cancel  key.Binding
	Dequeue key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Enter:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "view")),
	Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Queue:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "runs/queue")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Cancel:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "cancel run")),
	Dequeue: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "dequeue")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// bindings implements help.KeyMap for one view.
type bindings []key.Binding

func (b bindings) ShortHelp() []key.Binding  { return b }
func (b bindings) FullHelp() [][]key.Binding { return [][]key.Binding{b} }

type App struct {
	runSource   RunSource
	queueSource QueueSource
	cancel      CancelFunc
	refresh     time.Duration

	view        View
	runs        []*models.Run
	selectedIdx int
	selectedRun *models.Run
	queue       []models.SpawnRequest
	queueIdx    int

	help   help.Model
	width  int
	height int
	err    error
	notice string
}

func NewApp(runs RunSource, q QueueSource, cancel CancelFunc, refresh time.Duration) *App {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	return &App{
		runSource:   runs,
		queueSource: q,
		cancel:      cancel,
		refresh:     refresh,
		view:        ViewRunList,
		help:        help.New(),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.loadQueue, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case queueLoadedMsg:
		a.queue = msg.entries
		if msg.err != nil {
			a.err = msg.err
		}
		if a.queueIdx >= len(a.queue) {
			a.queueIdx = max(len(a.queue)-1, 0)
		}
		return a, nil

	case tickMsg:
		cmds := []tea.Cmd{a.loadRuns, a.loadQueue, a.tickCmd()}
		if a.view == ViewRunDetail && a.selectedRun != nil {
			cmds = append(cmds, a.loadRunDetail(a.selectedRun.ID))
		}
		return a, tea.Batch(cmds...)

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.view = ViewRunDetail
		}
		return a, nil

	case runCancelledMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = fmt.Sprintf("Cancelled: %s", msg.title)
		}
		return a, a.loadRuns

	case dequeuedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = fmt.Sprintf("Removed: %s", msg.entryID)
		}
		return a, a.loadQueue
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}

	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewQueue:
		return a.handleQueueKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, keys.Up):
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case key.Matches(msg, keys.Down):
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case key.Matches(msg, keys.Enter):
		if run := a.currentRun(); run != nil {
			return a, a.loadRunDetail(run.ID)
		}

	case key.Matches(msg, keys.Queue):
		a.view = ViewQueue
		return a, a.loadQueue

	case key.Matches(msg, keys.Refresh):
		return a, tea.Batch(a.loadRuns, a.loadQueue)

	case key.Matches(msg, keys.Cancel):
		if run := a.currentRun(); run != nil && !run.Status.IsTerminal() {
			return a, a.cancelRun(run.TaskTitle)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Back), key.Matches(msg, keys.Quit):
		a.view = ViewRunList
		a.selectedRun = nil

	case key.Matches(msg, keys.Cancel):
		if a.selectedRun != nil && !a.selectedRun.Status.IsTerminal() {
			title, id := a.selectedRun.TaskTitle, a.selectedRun.ID
			return a, tea.Sequence(a.cancelRun(title), a.loadRunDetail(id))
		}
	}

	return a, nil
}

func (a *App) handleQueueKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, keys.Back), key.Matches(msg, keys.Queue):
		a.view = ViewRunList

	case key.Matches(msg, keys.Up):
		if a.queueIdx > 0 {
			a.queueIdx--
		}

	case key.Matches(msg, keys.Down):
		if a.queueIdx < len(a.queue)-1 {
			a.queueIdx++
		}

	case key.Matches(msg, keys.Refresh):
		return a, a.loadQueue

	case key.Matches(msg, keys.Dequeue):
		if len(a.queue) > 0 && a.queueIdx < len(a.queue) {
			return a, a.dequeue(a.queue[a.queueIdx].EntryID)
		}
	}

	return a, nil
}

func (a *App) currentRun() *models.Run {
	if len(a.runs) == 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewQueue:
		return a.viewQueue()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusAwaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))
)

func (a *App) header() string {
	s := titleStyle.Render("Antfarm") + "  " +
		dimStyle.Render(fmt.Sprintf("%d runs · %d queued", len(a.runs), len(a.queue))) + "\n\n"
	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	} else if a.notice != "" {
		s += noticeStyle.Render(a.notice) + "\n"
	}
	return s
}

func (a *App) viewRunList() string {
	s := a.header()

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with `antfarm workflow run <workflow-id> <task-title>`.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if run.Status.IsTerminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	return s + "\n" + a.help.View(bindings{keys.Enter, keys.Cancel, keys.Queue, keys.Refresh, keys.Quit})
}

func (a *App) formatRunLine(run *models.Run) string {
	status := a.formatStatus(run.Status)
	age := formatAge(run.CreatedAt)
	title := truncate(run.TaskTitle, 35)
	return fmt.Sprintf("%-8s %-18s %s  %-5s %s", shortID(run.ID), truncate(run.DisplayName(), 18), status, age, title)
}

func (a *App) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusPending:
		return statusPending.Render("○ pending  ")
	case models.RunStatusRunning:
		return statusRunning.Render("● running  ")
	case models.RunStatusAwaitingStep:
		return statusAwaiting.Render("◐ awaiting ")
	case models.RunStatusCompleted:
		return statusComplete.Render("✓ completed")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed   ")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	s := titleStyle.Render(fmt.Sprintf("Run %s: %s", shortID(run.ID), run.DisplayName())) +
		"  " + a.formatStatus(run.Status) + "\n\n"

	s += run.TaskTitle + "\n\n"

	s += labelStyle.Render("Status:    ") + run.Status.Label() + "\n"
	s += labelStyle.Render("Lead:      ") + run.LeadAgentID + dimStyle.Render("  "+run.LeadSessionLabel) + "\n"
	if run.PendingStep != models.NoStep {
		s += labelStyle.Render("Pending:   ") + fmt.Sprintf("step %d", run.PendingStep) + "\n"
	}
	if run.SessionHandle != "" {
		s += labelStyle.Render("Session:   ") + dimStyle.Render(run.SessionHandle) + "\n"
	}
	if run.Error != "" {
		s += labelStyle.Render("Error:     ") + statusFailed.Render(run.Error) + "\n"
	}
	s += "\n"

	s += "Steps\n"
	s += "─────\n"

	if len(run.Steps) == 0 {
		s += "(no steps completed yet)\n"
	} else {
		for i, step := range run.Steps {
			mark := statusComplete.Render("✓")
			if !step.Success {
				mark = statusFailed.Render("✗")
			}

			var duration string
			if i > 0 {
				duration = formatDuration(step.CompletedAt.Sub(run.Steps[i-1].CompletedAt))
			} else {
				duration = formatDuration(step.CompletedAt.Sub(run.CreatedAt))
			}

			line := fmt.Sprintf("%d. step %-3d %s  %6s  %s", i+1, step.Index, mark, dimStyle.Render(duration), truncate(step.Output, 60))
			s += "  " + line + "\n"
		}
	}

	return s + "\n" + a.help.View(bindings{keys.Cancel, keys.Back})
}

func (a *App) viewQueue() string {
	s := a.header()

	s += "Spawn Queue\n"
	s += "───────────\n"

	if len(a.queue) == 0 {
		s += "(queue is empty)\n"
	} else {
		for i, req := range a.queue {
			line := fmt.Sprintf("%s  %-12s step %-2d %s", req.EntryID, truncate(req.AgentID, 12), req.StepIndex, truncate(req.Task, 40))
			if req.Attempts > 0 {
				line += statusFailed.Render(fmt.Sprintf("  (%d failed)", req.Attempts))
			}
			if i == a.queueIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	return s + "\n" + a.help.View(bindings{keys.Up, keys.Down, keys.Dequeue, keys.Refresh, keys.Back, keys.Quit})
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type queueLoadedMsg struct {
	entries []models.SpawnRequest
	err     error
}

type runDetailMsg struct {
	run *models.Run
	err error
}

type runCancelledMsg struct {
	title string
	err   error
}

type dequeuedMsg struct {
	entryID string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.runSource.ListRuns(context.Background(), 50)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadQueue() tea.Msg {
	entries, err := a.queueSource.List()
	return queueLoadedMsg{entries: entries, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.runSource.GetRun(context.Background(), id)
		return runDetailMsg{run: run, err: err}
	}
}

func (a *App) cancelRun(title string) tea.Cmd {
	return func() tea.Msg {
		if a.cancel == nil {
			return runCancelledMsg{title: title, err: fmt.Errorf("cancelling runs is not available")}
		}
		return runCancelledMsg{title: title, err: a.cancel(context.Background(), title)}
	}
}

func (a *App) dequeue(entryID string) tea.Cmd {
	return func() tea.Msg {
		return dequeuedMsg{entryID: entryID, err: a.queueSource.Remove(entryID)}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
