package domain

import "time"

// TaskStatus representa los estados posibles de una tarea de descarga
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDownloading TaskStatus = "downloading"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusError       TaskStatus = "error"
)

// TaskSource indica quién creó la tarea
type TaskSource string

const (
	SourceAuto   TaskSource = "auto"
	SourceManual TaskSource = "manual"
)

// UnknownSize marca un totalSize que el servidor no informó
const UnknownSize int64 = -1

// transitions es la tabla de transiciones permitidas
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:     {StatusDownloading, StatusPaused, StatusError},
	StatusDownloading: {StatusPending, StatusPaused, StatusCompleted, StatusError},
	StatusPaused:      {StatusPending, StatusError},
	StatusError:       {StatusPending},
	StatusCompleted:   {},
}

// AllStatuses retorna todos los estados en orden de ciclo de vida
func AllStatuses() []TaskStatus {
	return []TaskStatus{StatusPending, StatusDownloading, StatusPaused, StatusCompleted, StatusError}
}

// Valid retorna true si el estado es conocido
func (s TaskStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition retorna true si from -> to es una transición legal
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DownloadTask representa una tarea de descarga de un episodio
type DownloadTask struct {
	ID           string
	AnimeID      string
	EpisodeID    string
	Title        string
	EpisodeTitle string
	URL          string
	Filename     string
	DestDir      string
	Source       TaskSource

	Status         TaskStatus
	DownloadedSize int64
	TotalSize      int64
	Progress       float64
	Speed          int64
	ErrorMessage   string
	RetryCount     int
	NextAttemptAt  *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// HasEpisode retorna true si la tarea está vinculada a un episodio
func (t *DownloadTask) HasEpisode() bool {
	return t.AnimeID != "" && t.EpisodeID != ""
}

// IsTerminal retorna true si la tarea terminó (completada o con error)
func (t *DownloadTask) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusError
}

// IsActive retorna true si la tarea está transfiriendo bytes
func (t *DownloadTask) IsActive() bool {
	return t.Status == StatusDownloading
}

// Removable retorna true si la tarea puede borrarse
func (t *DownloadTask) Removable() bool {
	return t.Status != StatusDownloading
}

// TotalKnown retorna true si se conoce el tamaño final
func (t *DownloadTask) TotalKnown() bool {
	return t.TotalSize >= 0
}

// RecomputeProgress deriva Progress de los tamaños
func (t *DownloadTask) RecomputeProgress() {
	switch {
	case t.Status == StatusCompleted:
		t.Progress = 100
	case t.TotalSize > 0:
		p := float64(t.DownloadedSize) * 100 / float64(t.TotalSize)
		if p > 100 {
			p = 100
		}
		t.Progress = p
	default:
		t.Progress = 0
	}
}

// Clone retorna una copia independiente de la tarea
func (t *DownloadTask) Clone() *DownloadTask {
	c := *t
	if t.NextAttemptAt != nil {
		next := *t.NextAttemptAt
		c.NextAttemptAt = &next
	}
	if t.CompletedAt != nil {
		done := *t.CompletedAt
		c.CompletedAt = &done
	}
	return &c
}
