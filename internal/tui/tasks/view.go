package tasks

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/elsanchez/autofetch/internal/domain"
)

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

	statusStyles = map[domain.TaskStatus]lipgloss.Style{
		domain.StatusPending:     lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "240", Dark: "250"}),
		domain.StatusDownloading: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "63", Dark: "39"}).Bold(true),
		domain.StatusPaused:      lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "136", Dark: "214"}),
		domain.StatusCompleted:   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "34", Dark: "10"}),
		domain.StatusError:       lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "160", Dark: "9"}),
	}
)

// View renders the task list
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("📺 autofetch") + "  " + m.summary() + "\n\n")

	if len(m.order) == 0 {
		if m.loading {
			b.WriteString("  " + m.spinner.View() + " Loading tasks...\n")
		} else {
			b.WriteString(fmt.Sprintf("  No tasks (%s). Add one with 'af add <url>'.\n", m.filter))
		}
	}

	for i, id := range m.order {
		b.WriteString(m.renderTask(m.tasks[id], i == m.cursor))
	}

	if m.errorMessage != "" {
		b.WriteString("\n" + errorStyle.Render("Error: "+m.errorMessage) + "\n")
	} else if m.statusMessage != "" {
		b.WriteString("\n" + successStyle.Render(m.statusMessage) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render(
		"  ↑/k ↓/j move • p pause • r resume • c cancel • d remove • tab filter ("+m.filter.String()+") • R refresh • q quit",
	))
	return b.String()
}

func (m Model) summary() string {
	counts := m.counts()
	live := "offline"
	if m.live {
		live = "live"
	}
	return helpStyle.Render(fmt.Sprintf("%d downloading • %d queued • %d paused • %d done • %d failed • %s",
		counts[domain.StatusDownloading], counts[domain.StatusPending], counts[domain.StatusPaused],
		counts[domain.StatusCompleted], counts[domain.StatusError], live))
}

func (m Model) renderTask(t *domain.TaskView, selected bool) string {
	cursor := "  "
	if selected {
		cursor = "▸ "
	}

	status := statusStyles[t.Status].Render(fmt.Sprintf("%-11s", t.Status))
	line := fmt.Sprintf("  %s%s %s\n", cursor, status, displayName(t))

	detail := m.bar.ViewAs(t.Progress/100) + fmt.Sprintf(" %5.1f%%  %s", t.Progress, sizeText(t))
	if t.Status == domain.StatusDownloading && t.Speed > 0 {
		detail += "  " + formatBytes(t.Speed) + "/s"
	}
	if t.RetryCount > 0 && t.Status != domain.StatusCompleted {
		detail += fmt.Sprintf("  retry %d", t.RetryCount)
	}
	line += "      " + detail + "\n"

	if t.ErrorMessage != "" && (selected || t.Status == domain.StatusError) {
		line += "      " + errorStyle.Render(t.ErrorMessage) + "\n"
	}
	return line
}

// displayName prefers the series title, falling back to the filename
func displayName(t *domain.TaskView) string {
	if t.Title != "" && t.EpisodeTitle != "" {
		return t.Title + " - " + t.EpisodeTitle
	}
	if t.Filename != "" {
		return t.Filename
	}
	return t.ID
}

func sizeText(t *domain.TaskView) string {
	if t.TotalSize < 0 {
		return formatBytes(t.DownloadedSize) + " / ?"
	}
	return formatBytes(t.DownloadedSize) + " / " + formatBytes(t.TotalSize)
}

// formatBytes renders n with binary units, e.g. 1.5 MiB
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
