package cookies

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/elsanchez/autofetch/internal/cookies"
	"github.com/elsanchez/autofetch/internal/domain"
)

// Styles with adaptive colors for light/dark backgrounds
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "63", Dark: "205"}).
			MarginLeft(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "240", Dark: "250"})

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "160", Dark: "9"}).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "34", Dark: "10"}).
			Bold(true)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "63", Dark: "205"})

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "63", Dark: "63"}).
			Padding(1, 2)

	activeInputStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "63", Dark: "205"})

	inactiveInputStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "240", Dark: "250"})
)

// View renders the current view
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	var content string
	switch m.currentView {
	case viewImport:
		content = m.viewImport()
	case viewConfirmRemove:
		content = m.viewConfirm()
	case viewValidation:
		content = m.viewValidation()
	default:
		content = m.viewList()
	}

	if m.errorMessage != "" {
		content += "\n" + errorStyle.Render("Error: "+m.errorMessage)
	} else if m.statusMessage != "" {
		content += "\n" + successStyle.Render(m.statusMessage)
	}

	if m.loading {
		content += "\n" + m.spinner.View() + " Loading..."
	}

	return content
}

// viewList renders the profile list grouped by host
func (m Model) viewList() string {
	var content strings.Builder
	content.WriteString(titleStyle.Render("🍪 Cookie Profiles") + "\n\n")

	if len(m.accounts) == 0 {
		content.WriteString("  No profiles found. Press 'i' to import cookies.\n")
	} else {
		hosts := m.hosts()
		content.WriteString(fmt.Sprintf("  %d profiles across %d hosts\n\n", len(m.accounts), len(hosts)))

		now := time.Now()
		for _, host := range hosts {
			content.WriteString(fmt.Sprintf("  %s:\n", host))

			for i, acc := range m.accounts {
				if acc.Host != host {
					continue
				}

				cursor := "  "
				if i == m.cursor {
					cursor = "▸ "
				}
				active := "  "
				if acc.IsActive {
					active = "⭐"
				}

				content.WriteString(fmt.Sprintf("  %s%s %s %-20s %s\n",
					cursor, active, expiryIcon(acc, now), acc.Name, helpStyle.Render(expiryText(acc, now))))
			}
			content.WriteString("\n")
		}
	}

	content.WriteString("\n  " + m.help.View(m.keys) + "\n")
	if m.help.ShowAll {
		content.WriteString(helpStyle.Render(tips) + "\n")
	}
	return content.String()
}

const tips = `
  Hosts are detected from the cookie domains.
  Profiles are keyed by registrable domain (cdn.example.com -> example.com).
  The active profile's cookies are sent with downloads from that host.`

func expiryIcon(acc *domain.Account, now time.Time) string {
	switch {
	case acc.ExpiresAt == nil:
		return "❓"
	case acc.Expired(now):
		return "⚠"
	default:
		return "✓"
	}
}

func expiryText(acc *domain.Account, now time.Time) string {
	switch {
	case acc.ExpiresAt == nil:
		return "session cookies"
	case acc.Expired(now):
		return "expired " + acc.ExpiresAt.Format("2006-01-02")
	default:
		return "expires " + acc.ExpiresAt.Format("2006-01-02")
	}
}

// viewImport renders the import form
func (m Model) viewImport() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Import Cookie File") + "\n\n")

	labels := []string{
		fieldPath: "Cookie File Path:",
		fieldHost: "Host (optional):",
		fieldName: "Profile Name (optional):",
	}
	for i, in := range m.inputs {
		b.WriteString(m.fieldStyle(field(i)).Render("  "+labels[i]) + "\n")
		b.WriteString("  " + in.View() + "\n\n")
	}

	b.WriteString(m.checkbox(fieldActivate, m.activate, "Set as active") + "\n")
	b.WriteString(m.checkbox(fieldForce, m.force, "Replace a profile with the same name") + "\n")

	return boxStyle.Render(b.String()) + "\n\n  " + m.help.View(formKeys(m.keys))
}

func (m Model) fieldStyle(f field) lipgloss.Style {
	if m.focus == f {
		return activeInputStyle
	}
	return inactiveInputStyle
}

func (m Model) checkbox(f field, checked bool, label string) string {
	box := "[ ]"
	if checked {
		box = "[✓]"
	}
	return m.fieldStyle(f).Render(fmt.Sprintf("  %s %s", box, label))
}

func (m Model) viewConfirm() string {
	if m.removing == nil {
		return ""
	}
	question := fmt.Sprintf("Delete profile %q for %s and its cookie file?", m.removing.Name, m.removing.Host)
	return boxStyle.Render(question+"\n\n"+helpStyle.Render("y confirm • any other key cancels")) + "\n"
}

// viewValidation renders the validation results
func (m Model) viewValidation() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Validation Results") + "\n\n")

	if len(m.validationResults) == 0 {
		b.WriteString("  No validation results available.\n")
	} else {
		counts := make(map[string]int)

		b.WriteString(fmt.Sprintf("  %-24s %-16s   %-8s %s\n", "Host", "Profile", "Status", "Message"))
		b.WriteString("  " + strings.Repeat("─", 76) + "\n")

		for _, acc := range m.accounts {
			result, ok := m.validationResults[acc.ID]
			if !ok {
				continue
			}
			counts[result.Status]++

			b.WriteString(fmt.Sprintf("  %-24s %-16s %s %-8s %s\n",
				acc.Host,
				acc.Name,
				statusIcon(result.Status),
				result.Status,
				result.Message,
			))
		}

		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  Summary: %d valid, %d partial, %d expired, %d invalid\n",
			counts[cookies.StatusValid], counts[cookies.StatusPartial],
			counts[cookies.StatusExpired], counts[cookies.StatusInvalid]))
	}

	return b.String() + "\n" + helpStyle.Render("  Press any key to return to list")
}

func statusIcon(status string) string {
	switch status {
	case cookies.StatusValid:
		return "✓"
	case cookies.StatusPartial, cookies.StatusExpired:
		return "⚠"
	case cookies.StatusInvalid:
		return "✗"
	}
	return "?"
}
