package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/repository"
)

const taskColumns = `id, anime_id, episode_id, title, episode_title, url, filename, dest_dir,
	source, status, downloaded_size, total_size, progress, speed, error_message, retry_count,
	next_attempt_at, created_at, updated_at, completed_at`

// TaskRepository implementa repository.TaskRepository usando SQLite
type TaskRepository struct {
	db *sqlx.DB
}

// Compiletime check: asegura que implementa la interfaz
var _ repository.TaskRepository = (*TaskRepository)(nil)

// NewTaskRepository crea un nuevo repositorio de tareas
func NewTaskRepository(db *sqlx.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// taskRow mapea la tabla SQL a struct Go
type taskRow struct {
	ID             string        `db:"id"`
	AnimeID        string        `db:"anime_id"`
	EpisodeID      string        `db:"episode_id"`
	Title          string        `db:"title"`
	EpisodeTitle   string        `db:"episode_title"`
	URL            string        `db:"url"`
	Filename       string        `db:"filename"`
	DestDir        string        `db:"dest_dir"`
	Source         string        `db:"source"`
	Status         string        `db:"status"`
	DownloadedSize int64         `db:"downloaded_size"`
	TotalSize      int64         `db:"total_size"`
	Progress       float64       `db:"progress"`
	Speed          int64         `db:"speed"`
	ErrorMessage   string        `db:"error_message"`
	RetryCount     int           `db:"retry_count"`
	NextAttemptAt  sql.NullInt64 `db:"next_attempt_at"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
	CompletedAt    sql.NullInt64 `db:"completed_at"`
}

// Create inserta una nueva tarea
func (r *TaskRepository) Create(ctx context.Context, task *domain.DownloadTask) error {
	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (:id, :anime_id, :episode_id, :title, :episode_title, :url, :filename, :dest_dir,
			:source, :status, :downloaded_size, :total_size, :progress, :speed, :error_message,
			:retry_count, :next_attempt_at, :created_at, :updated_at, :completed_at)
	`

	if _, err := r.db.NamedExecContext(ctx, query, domainToArgs(task)); err != nil {
		if isUniqueViolation(err) {
			return &domain.DuplicateTaskError{AnimeID: task.AnimeID, EpisodeID: task.EpisodeID}
		}
		return fmt.Errorf("insert task: %w", err)
	}

	return nil
}

// GetByID obtiene una tarea por ID
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*domain.DownloadTask, error) {
	var row taskRow

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("task", id)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	return rowToDomain(&row), nil
}

// GetByEpisode obtiene la tarea de un episodio, o nil si no existe
func (r *TaskRepository) GetByEpisode(ctx context.Context, animeID, episodeID string) (*domain.DownloadTask, error) {
	var row taskRow

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE anime_id = ? AND episode_id = ? LIMIT 1`
	if err := r.db.GetContext(ctx, &row, query, animeID, episodeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task by episode: %w", err)
	}

	return rowToDomain(&row), nil
}

// GetByTarget obtiene la tarea que escribe en dest_dir/filename, o nil si no existe
func (r *TaskRepository) GetByTarget(ctx context.Context, destDir, filename string) (*domain.DownloadTask, error) {
	var row taskRow

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE dest_dir = ? AND filename = ? LIMIT 1`
	if err := r.db.GetContext(ctx, &row, query, destDir, filename); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task by target: %w", err)
	}

	return rowToDomain(&row), nil
}

// WasDownloaded indica si el episodio se completó en una tarea que ya fue borrada
func (r *TaskRepository) WasDownloaded(ctx context.Context, animeID, episodeID string) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM episode_history WHERE anime_id = ? AND episode_id = ?`
	if err := r.db.GetContext(ctx, &n, query, animeID, episodeID); err != nil {
		return false, fmt.Errorf("get episode history: %w", err)
	}
	return n > 0, nil
}

// Update actualiza una tarea completa
func (r *TaskRepository) Update(ctx context.Context, task *domain.DownloadTask) error {
	query := `
		UPDATE tasks
		SET anime_id = :anime_id, episode_id = :episode_id, title = :title,
		    episode_title = :episode_title, url = :url, filename = :filename, dest_dir = :dest_dir,
		    source = :source, status = :status, downloaded_size = :downloaded_size,
		    total_size = :total_size, progress = :progress, speed = :speed,
		    error_message = :error_message, retry_count = :retry_count,
		    next_attempt_at = :next_attempt_at, updated_at = :updated_at,
		    completed_at = :completed_at
		WHERE id = :id
	`

	result, err := r.db.NamedExecContext(ctx, query, domainToArgs(task))
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.DuplicateTaskError{AnimeID: task.AnimeID, EpisodeID: task.EpisodeID}
		}
		return fmt.Errorf("update task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.NewNotFoundError("task", task.ID)
	}

	return nil
}

// Delete elimina una tarea
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, recordHistory+` AND id = ?`, string(domain.StatusCompleted), id); err != nil {
		return fmt.Errorf("record episode history: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.NewNotFoundError("task", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// recordHistory copia a episode_history las tareas completadas de un episodio.
// Se completa con la condición de las filas que se van a borrar.
const recordHistory = `
	INSERT OR REPLACE INTO episode_history (anime_id, episode_id, task_id, path, completed_at)
	SELECT anime_id, episode_id, id, dest_dir || '/' || filename, COALESCE(completed_at, updated_at)
	FROM tasks
	WHERE status = ? AND anime_id <> '' AND episode_id <> ''`

// List obtiene tareas (opcionalmente filtradas por estado), las más recientes primero
func (r *TaskRepository) List(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.DownloadTask, error) {
	var rows []taskRow

	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]interface{}, 0, len(statuses))

	if len(statuses) > 0 {
		placeholders := make([]string, 0, len(statuses))
		for _, s := range statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(s))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	return rowsToDomain(rows), nil
}

// GetRunnable obtiene tareas pendientes listas para arrancar, en orden FIFO
func (r *TaskRepository) GetRunnable(ctx context.Context, now time.Time, limit int) ([]*domain.DownloadTask, error) {
	var rows []taskRow

	query := `
		SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`

	if err := r.db.SelectContext(ctx, &rows, query, string(domain.StatusPending), now.UnixNano(), limit); err != nil {
		return nil, fmt.Errorf("get runnable tasks: %w", err)
	}

	return rowsToDomain(rows), nil
}

// ResetStatus mueve todas las tareas de un estado a otro
func (r *TaskRepository) ResetStatus(ctx context.Context, from, to domain.TaskStatus) (int64, error) {
	query := `UPDATE tasks SET status = ?, speed = 0, updated_at = ? WHERE status = ?`

	result, err := r.db.ExecContext(ctx, query, string(to), time.Now().UnixNano(), string(from))
	if err != nil {
		return 0, fmt.Errorf("reset task status: %w", err)
	}

	return result.RowsAffected()
}

// DeleteFinishedBefore borra tareas terminadas antes de la fecha y retorna sus IDs
func (r *TaskRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ids []string
	query := `SELECT id FROM tasks WHERE status IN (?, ?) AND updated_at < ?`
	args := []interface{}{string(domain.StatusCompleted), string(domain.StatusError), before.UnixNano()}

	if err := tx.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("select finished tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	history := recordHistory + ` AND updated_at < ?`
	if _, err := tx.ExecContext(ctx, history, string(domain.StatusCompleted), before.UnixNano()); err != nil {
		return nil, fmt.Errorf("record episode history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE status IN (?, ?) AND updated_at < ?`, args...); err != nil {
		return nil, fmt.Errorf("delete finished tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return ids, nil
}

// CountByStatus cuenta tareas por status
func (r *TaskRepository) CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM tasks WHERE status = ?`, string(status))
	return count, err
}

// CountTotal cuenta todas las tareas
func (r *TaskRepository) CountTotal(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM tasks`)
	return count, err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Helper: conversión domain → argumentos nombrados
func domainToArgs(t *domain.DownloadTask) map[string]interface{} {
	return map[string]interface{}{
		"id":              t.ID,
		"anime_id":        t.AnimeID,
		"episode_id":      t.EpisodeID,
		"title":           t.Title,
		"episode_title":   t.EpisodeTitle,
		"url":             t.URL,
		"filename":        t.Filename,
		"dest_dir":        t.DestDir,
		"source":          string(t.Source),
		"status":          string(t.Status),
		"downloaded_size": t.DownloadedSize,
		"total_size":      t.TotalSize,
		"progress":        t.Progress,
		"speed":           t.Speed,
		"error_message":   t.ErrorMessage,
		"retry_count":     t.RetryCount,
		"next_attempt_at": nullableNanos(t.NextAttemptAt),
		"created_at":      t.CreatedAt.UnixNano(),
		"updated_at":      t.UpdatedAt.UnixNano(),
		"completed_at":    nullableNanos(t.CompletedAt),
	}
}

func nullableNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// Helper: conversión row → domain
func rowToDomain(row *taskRow) *domain.DownloadTask {
	task := &domain.DownloadTask{
		ID:             row.ID,
		AnimeID:        row.AnimeID,
		EpisodeID:      row.EpisodeID,
		Title:          row.Title,
		EpisodeTitle:   row.EpisodeTitle,
		URL:            row.URL,
		Filename:       row.Filename,
		DestDir:        row.DestDir,
		Source:         domain.TaskSource(row.Source),
		Status:         domain.TaskStatus(row.Status),
		DownloadedSize: row.DownloadedSize,
		TotalSize:      row.TotalSize,
		Progress:       row.Progress,
		Speed:          row.Speed,
		ErrorMessage:   row.ErrorMessage,
		RetryCount:     row.RetryCount,
		CreatedAt:      time.Unix(0, row.CreatedAt),
		UpdatedAt:      time.Unix(0, row.UpdatedAt),
	}

	if row.NextAttemptAt.Valid {
		t := time.Unix(0, row.NextAttemptAt.Int64)
		task.NextAttemptAt = &t
	}

	if row.CompletedAt.Valid {
		t := time.Unix(0, row.CompletedAt.Int64)
		task.CompletedAt = &t
	}

	return task
}

// Helper: conversión múltiples rows → domain
func rowsToDomain(rows []taskRow) []*domain.DownloadTask {
	tasks := make([]*domain.DownloadTask, 0, len(rows))

	for i := range rows {
		tasks = append(tasks, rowToDomain(&rows[i]))
	}

	return tasks
}
