package domain

import "time"

// EventType identifica el tipo de evento publicado en el bus
type EventType string

const (
	EventTaskCreated   EventType = "task.created"
	EventTaskStatus    EventType = "task.status"
	EventTaskProgress  EventType = "task.progress"
	EventTaskRemoved   EventType = "task.removed"
	EventConfigChanged EventType = "config.changed"
)

// Event es un cambio observable del motor de descargas
type Event struct {
	Seq        uint64              `json:"seq"`
	Type       EventType           `json:"type"`
	TaskID     string              `json:"task_id,omitempty"`
	From       TaskStatus          `json:"from,omitempty"`
	Status     TaskStatus          `json:"status,omitempty"`
	Task       *TaskView           `json:"task,omitempty"`
	Config     *AutoDownloadConfig `json:"config,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// TaskView es la forma serializable de una tarea
type TaskView struct {
	ID             string     `json:"id"`
	AnimeID        string     `json:"anime_id,omitempty"`
	EpisodeID      string     `json:"episode_id,omitempty"`
	Title          string     `json:"title,omitempty"`
	EpisodeTitle   string     `json:"episode_title,omitempty"`
	URL            string     `json:"url"`
	Filename       string     `json:"filename"`
	DestDir        string     `json:"dest_dir"`
	Source         TaskSource `json:"source"`
	Status         TaskStatus `json:"status"`
	DownloadedSize int64      `json:"downloaded_size"`
	TotalSize      int64      `json:"total_size"`
	Progress       float64    `json:"progress"`
	Speed          int64      `json:"speed"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	RetryCount     int        `json:"retry_count"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// View convierte la tarea a su forma serializable
func (t *DownloadTask) View() *TaskView {
	c := t.Clone()
	return &TaskView{
		ID:             c.ID,
		AnimeID:        c.AnimeID,
		EpisodeID:      c.EpisodeID,
		Title:          c.Title,
		EpisodeTitle:   c.EpisodeTitle,
		URL:            c.URL,
		Filename:       c.Filename,
		DestDir:        c.DestDir,
		Source:         c.Source,
		Status:         c.Status,
		DownloadedSize: c.DownloadedSize,
		TotalSize:      c.TotalSize,
		Progress:       c.Progress,
		Speed:          c.Speed,
		ErrorMessage:   c.ErrorMessage,
		RetryCount:     c.RetryCount,
		NextAttemptAt:  c.NextAttemptAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		CompletedAt:    c.CompletedAt,
	}
}
