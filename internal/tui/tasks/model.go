// Package tasks is the live download queue view behind "af watch".
package tasks

import (
	"context"
	"sort"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/elsanchez/autofetch/internal/domain"
)

// Backend is the daemon surface the task view needs
type Backend interface {
	List(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.TaskView, error)
	Pause(ctx context.Context, id string) (*domain.TaskView, error)
	Resume(ctx context.Context, id string) (*domain.TaskView, error)
	Cancel(ctx context.Context, id string) (*domain.TaskView, error)
	Remove(ctx context.Context, id string) (*domain.TaskView, error)
}

// filter selects which tasks are listed
type filter int

const (
	filterAll filter = iota
	filterActive
	filterFinished
	filterCount
)

func (f filter) String() string {
	switch f {
	case filterActive:
		return "queued/active"
	case filterFinished:
		return "finished"
	default:
		return "all"
	}
}

func (f filter) accepts(t *domain.TaskView) bool {
	switch f {
	case filterActive:
		return t.Status == domain.StatusPending || t.Status == domain.StatusDownloading || t.Status == domain.StatusPaused
	case filterFinished:
		return t.Status == domain.StatusCompleted || t.Status == domain.StatusError
	default:
		return true
	}
}

// Model is the Bubbletea model for the task view
type Model struct {
	width    int
	height   int
	quitting bool

	backend Backend
	events  <-chan domain.Event

	tasks  map[string]*domain.TaskView
	order  []string // visible ids, oldest first
	cursor int
	filter filter

	bar     progress.Model
	spinner spinner.Model

	live          bool
	loading       bool
	statusMessage string
	errorMessage  string
}

// NewModel creates the task view. events is the daemon's event stream; the
// view falls back to a static list when it closes.
func NewModel(backend Backend, events <-chan domain.Event) Model {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = 30

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return Model{
		backend: backend,
		events:  events,
		tasks:   make(map[string]*domain.TaskView),
		bar:     bar,
		spinner: s,
		live:    events != nil,
		loading: true,
	}
}

// Init loads the task list and starts listening for events
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{loadTasks(m.backend), m.spinner.Tick}
	if m.events != nil {
		cmds = append(cmds, waitForEvent(m.events))
	}
	return tea.Batch(cmds...)
}

// apply folds one daemon event into the local copy
func (m *Model) apply(ev domain.Event) {
	switch ev.Type {
	case domain.EventTaskRemoved:
		delete(m.tasks, ev.TaskID)
	case domain.EventTaskCreated, domain.EventTaskStatus, domain.EventTaskProgress:
		if ev.Task == nil {
			return
		}
		current, ok := m.tasks[ev.TaskID]
		// Progress events can arrive after a newer status; keep the latest
		if ok && ev.Task.UpdatedAt.Before(current.UpdatedAt) {
			return
		}
		m.tasks[ev.TaskID] = ev.Task
	}
	m.reorder()
}

// reorder rebuilds the visible list and keeps the cursor on the same task
func (m *Model) reorder() {
	selected := m.selectedID()

	m.order = m.order[:0]
	for id, t := range m.tasks {
		if m.filter.accepts(t) {
			m.order = append(m.order, id)
		}
	}
	sort.Slice(m.order, func(i, j int) bool {
		a, b := m.tasks[m.order[i]], m.tasks[m.order[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	m.cursor = 0
	for i, id := range m.order {
		if id == selected {
			m.cursor = i
			break
		}
	}
}

func (m Model) selectedID() string {
	if m.cursor < 0 || m.cursor >= len(m.order) {
		return ""
	}
	return m.order[m.cursor]
}

func (m Model) selected() *domain.TaskView {
	return m.tasks[m.selectedID()]
}

// counts tallies the loaded tasks by status
func (m Model) counts() map[domain.TaskStatus]int {
	out := make(map[domain.TaskStatus]int)
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out
}
