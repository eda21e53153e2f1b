package tasks

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/elsanchez/autofetch/internal/domain"
)

const requestTimeout = 30 * time.Second

func loadTasks(b Backend) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		list, err := b.List(ctx)
		return tasksLoadedMsg{tasks: list, err: err}
	}
}

func waitForEvent(events <-chan domain.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

type taskOp func(ctx context.Context, id string) (*domain.TaskView, error)

func runAction(verb string, op taskOp, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		task, err := op(ctx, id)
		return actionCompleteMsg{verb: verb, task: task, err: err}
	}
}
