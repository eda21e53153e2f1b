package tasks

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

var keys = struct {
	quit, up, down, pause, resume, cancel, remove, filter, refresh key.Binding
}{
	quit:    key.NewBinding(key.WithKeys("q", "ctrl+c")),
	up:      key.NewBinding(key.WithKeys("up", "k")),
	down:    key.NewBinding(key.WithKeys("down", "j")),
	pause:   key.NewBinding(key.WithKeys("p")),
	resume:  key.NewBinding(key.WithKeys("r")),
	cancel:  key.NewBinding(key.WithKeys("c")),
	remove:  key.NewBinding(key.WithKeys("d")),
	filter:  key.NewBinding(key.WithKeys("tab")),
	refresh: key.NewBinding(key.WithKeys("R")),
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.errorMessage = ""
		m.statusMessage = ""
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if w := msg.Width - 70; w > 10 {
			m.bar.Width = min(w, 50)
		}
		return m, nil

	case tasksLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		for _, t := range msg.tasks {
			if current, ok := m.tasks[t.ID]; ok && t.UpdatedAt.Before(current.UpdatedAt) {
				continue
			}
			m.tasks[t.ID] = t
		}
		m.reorder()
		return m, nil

	case eventMsg:
		m.apply(msg.event)
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.live = false
		m.errorMessage = "event stream closed, press R to refresh"
		return m, nil

	case actionCompleteMsg:
		m.loading = false
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		if msg.verb == "removed" {
			delete(m.tasks, msg.task.ID)
		} else if current, ok := m.tasks[msg.task.ID]; !ok || !msg.task.UpdatedAt.Before(current.UpdatedAt) {
			m.tasks[msg.task.ID] = msg.task
		}
		m.reorder()
		m.statusMessage = "✓ " + displayName(msg.task) + " " + msg.verb
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKeyPress handles keyboard input
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, keys.up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, keys.down):
		if m.cursor < len(m.order)-1 {
			m.cursor++
		}

	case key.Matches(msg, keys.filter):
		m.filter = (m.filter + 1) % filterCount
		m.reorder()

	case key.Matches(msg, keys.refresh):
		m.loading = true
		return m, loadTasks(m.backend)

	case key.Matches(msg, keys.pause):
		return m.act("paused", m.backend.Pause)
	case key.Matches(msg, keys.resume):
		return m.act("resumed", m.backend.Resume)
	case key.Matches(msg, keys.cancel):
		return m.act("cancelled", m.backend.Cancel)
	case key.Matches(msg, keys.remove):
		return m.act("removed", m.backend.Remove)
	}

	return m, nil
}

func (m Model) act(verb string, op taskOp) (tea.Model, tea.Cmd) {
	id := m.selectedID()
	if id == "" {
		return m, nil
	}
	m.loading = true
	return m, runAction(verb, op, id)
}
