package cookies

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.errorMessage = ""
		m.statusMessage = ""

		switch m.currentView {
		case viewImport:
			return m.updateImport(msg)
		case viewConfirmRemove:
			return m.updateConfirm(msg)
		case viewValidation:
			m.currentView = viewList
			return m, nil
		}
		return m.updateList(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m.handleResult(msg)
}

// handleResult applies the outcome of an async backend call
func (m Model) handleResult(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case accountsLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		m.accounts = msg.accounts
		m.cursor = min(m.cursor, len(m.accounts)-1)
		m.cursor = max(m.cursor, 0)

	case importCompleteMsg:
		m.loading = false
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		acc := msg.result.Account
		m.statusMessage = fmt.Sprintf("✓ Imported %s/%s", acc.Host, acc.Name)
		if v := msg.result.Validation; v != nil {
			m.statusMessage += " (" + v.Message + ")"
		}
		m.currentView = viewList
		m.resetImportForm()
		return m, loadAccounts(m.backend)

	case validationCompleteMsg:
		m.loading = false
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		m.validationResults = msg.results
		m.currentView = viewValidation

	case profileOpMsg:
		m.loading = false
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
			return m, nil
		}
		m.statusMessage = fmt.Sprintf("✓ %s %s/%s", msg.verb, msg.host, msg.name)
		return m, loadAccounts(m.backend)
	}

	return m, nil
}

func (m Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.accounts)-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Import):
		m.currentView = viewImport
		m.setFocus(fieldPath)

	case key.Matches(msg, m.keys.Validate):
		m.loading = true
		return m, validateAccounts(m.backend)

	case key.Matches(msg, m.keys.Refresh):
		m.loading = true
		return m, loadAccounts(m.backend)

	case key.Matches(msg, m.keys.Activate):
		if acc := m.selected(); acc != nil && !acc.IsActive {
			m.loading = true
			return m, activateAccount(m.backend, acc)
		}

	case key.Matches(msg, m.keys.Remove):
		if acc := m.selected(); acc != nil {
			m.removing = acc
			m.currentView = viewConfirmRemove
		}

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}

	return m, nil
}

func (m Model) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	acc := m.removing
	m.removing = nil
	m.currentView = viewList

	if acc == nil || !key.Matches(msg, m.keys.Confirm) {
		m.statusMessage = "Nothing removed"
		return m, nil
	}
	m.loading = true
	return m, removeAccount(m.backend, acc)
}

func (m Model) updateImport(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Back):
		m.currentView = viewList
		m.resetImportForm()
		return m, nil

	case key.Matches(msg, m.keys.Next):
		m.setFocus((m.focus + 1) % fieldCount)
		return m, nil

	case key.Matches(msg, m.keys.Prev):
		m.setFocus((m.focus + fieldCount - 1) % fieldCount)
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		opts := m.importOptions()
		if opts.FilePath == "" {
			m.errorMessage = "Cookie file path is required"
			return m, nil
		}
		m.loading = true
		return m, importCookie(m.backend, opts)
	}

	switch m.focus {
	case fieldActivate:
		if key.Matches(msg, m.keys.Toggle) {
			m.activate = !m.activate
		}
		return m, nil
	case fieldForce:
		if key.Matches(msg, m.keys.Toggle) {
			m.force = !m.force
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

// setFocus moves the cursor of the import form to f
func (m *Model) setFocus(f field) {
	m.focus = f
	for i := range m.inputs {
		if field(i) == f {
			m.inputs[i].Focus()
		} else {
			m.inputs[i].Blur()
		}
	}
}

func (m *Model) resetImportForm() {
	for i := range m.inputs {
		m.inputs[i].SetValue("")
	}
	m.activate = true
	m.force = false
	m.setFocus(fieldPath)
}
