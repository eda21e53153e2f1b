package repository

import (
	"context"
	"time"

	"github.com/elsanchez/autofetch/internal/domain"
)

// TaskRepository define las operaciones sobre tareas de descarga
type TaskRepository interface {
	// CRUD básico
	Create(ctx context.Context, task *domain.DownloadTask) error
	GetByID(ctx context.Context, id string) (*domain.DownloadTask, error)
	Update(ctx context.Context, task *domain.DownloadTask) error
	// Delete guarda en el historial los episodios completados que borra
	Delete(ctx context.Context, id string) error

	// Queries especializadas
	GetByEpisode(ctx context.Context, animeID, episodeID string) (*domain.DownloadTask, error)
	GetByTarget(ctx context.Context, destDir, filename string) (*domain.DownloadTask, error)
	WasDownloaded(ctx context.Context, animeID, episodeID string) (bool, error)
	List(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.DownloadTask, error)
	GetRunnable(ctx context.Context, now time.Time, limit int) ([]*domain.DownloadTask, error)

	// Updates masivos
	ResetStatus(ctx context.Context, from, to domain.TaskStatus) (int64, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) ([]string, error)

	// Estadísticas
	CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error)
	CountTotal(ctx context.Context) (int, error)
}
