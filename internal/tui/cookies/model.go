package cookies

import (
	"context"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/elsanchez/autofetch/internal/cookies"
	"github.com/elsanchez/autofetch/internal/domain"
)

// Backend is the daemon surface the cookie manager needs
type Backend interface {
	ListCookies(ctx context.Context, host string) ([]*domain.Account, error)
	ImportCookies(ctx context.Context, opts cookies.ImportOptions) (*cookies.ImportResult, error)
	ActivateCookies(ctx context.Context, host, name string) error
	RemoveCookies(ctx context.Context, host, name string) error
	ValidateCookies(ctx context.Context, host string) (map[int64]*cookies.ValidationResult, error)
}

type view int

const (
	viewList view = iota
	viewImport
	viewConfirmRemove
	viewValidation
)

// field indexes the import form. The first three are text inputs.
type field int

const (
	fieldPath field = iota
	fieldHost
	fieldName
	fieldActivate
	fieldForce
	fieldCount
)

// Model is the Bubbletea model for the cookie manager
type Model struct {
	backend Backend
	keys    keyMap
	help    help.Model

	currentView view
	width       int
	height      int
	quitting    bool

	accounts []*domain.Account
	cursor   int
	// profile waiting for a remove confirmation
	removing *domain.Account

	inputs   []textinput.Model
	focus    field
	activate bool
	force    bool

	validationResults map[int64]*cookies.ValidationResult

	spinner       spinner.Model
	loading       bool
	statusMessage string
	errorMessage  string
}

func newInput(placeholder string, limit, width int) textinput.Model {
	in := textinput.New()
	in.Placeholder = placeholder
	in.CharLimit = limit
	in.Width = width
	return in
}

// NewModel creates a new cookie manager TUI model
func NewModel(backend Backend) Model {
	inputs := []textinput.Model{
		fieldPath: newInput("Path to cookie file", 256, 60),
		fieldHost: newInput("Host (auto-detect if empty)", 253, 40),
		fieldName: newInput("Profile name (auto-generate if empty)", 50, 40),
	}
	inputs[fieldPath].Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return Model{
		backend:     backend,
		keys:        defaultKeyMap(),
		help:        help.New(),
		currentView: viewList,
		inputs:      inputs,
		activate:    true,
		spinner:     s,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(loadAccounts(m.backend), m.spinner.Tick)
}

// selected returns the account under the cursor, or nil
func (m Model) selected() *domain.Account {
	if m.cursor < 0 || m.cursor >= len(m.accounts) {
		return nil
	}
	return m.accounts[m.cursor]
}

// hosts returns the hosts in list order, without repeats
func (m Model) hosts() []string {
	var out []string
	seen := make(map[string]bool)
	for _, acc := range m.accounts {
		if !seen[acc.Host] {
			seen[acc.Host] = true
			out = append(out, acc.Host)
		}
	}
	return out
}

func (m Model) importOptions() cookies.ImportOptions {
	return cookies.ImportOptions{
		FilePath: m.inputs[fieldPath].Value(),
		Host:     m.inputs[fieldHost].Value(),
		Name:     m.inputs[fieldName].Value(),
		Activate: m.activate,
		Force:    m.force,
	}
}
