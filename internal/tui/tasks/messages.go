package tasks

import "github.com/elsanchez/autofetch/internal/domain"

type tasksLoadedMsg struct {
	tasks []*domain.TaskView
	err   error
}

type eventMsg struct {
	event domain.Event
}

type streamClosedMsg struct{}

type actionCompleteMsg struct {
	verb string
	task *domain.TaskView
	err  error
}
