// Package tasks es la única fuente de verdad de las tareas de descarga.
//
// Cada mutación corre bajo el lock de su tarea: se valida contra la tabla de
// transiciones, se persiste y se publica en el bus sin soltar el lock. Así los
// observadores ven los cambios de una tarea en el orden en que ocurrieron.
package tasks

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/events"
	"github.com/elsanchez/autofetch/internal/metrics"
	"github.com/elsanchez/autofetch/internal/repository"
)

type Store struct {
	repo  repository.TaskRepository
	pub   events.Publisher
	log   zerolog.Logger
	locks *keyedMutex
	now   func() time.Time
}

func NewStore(repo repository.TaskRepository, pub events.Publisher, log zerolog.Logger) *Store {
	return &Store{
		repo:  repo,
		pub:   pub,
		log:   log.With().Str("component", "tasks").Logger(),
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// NewTask describe una tarea a encolar. AnimeID y EpisodeID son opcionales
// pero van juntos.
type NewTask struct {
	AnimeID      string
	EpisodeID    string
	Title        string
	EpisodeTitle string
	URL          string
	Filename     string
	DestDir      string
	Source       domain.TaskSource
}

func (n NewTask) validate() error {
	u, err := url.Parse(n.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q: must be absolute http(s)", n.URL)
	}
	if n.Filename == "" || n.Filename == "." || n.Filename == ".." || strings.ContainsAny(n.Filename, `/\`) {
		return fmt.Errorf("invalid filename %q", n.Filename)
	}
	if !filepath.IsAbs(n.DestDir) {
		return fmt.Errorf("invalid destination %q: must be absolute", n.DestDir)
	}
	if (n.AnimeID == "") != (n.EpisodeID == "") {
		return fmt.Errorf("anime id and episode id must be set together")
	}
	return nil
}

// Create encola una tarea pendiente. Falla con DuplicateTaskError si el
// episodio ya tiene tarea o si otra tarea escribe el mismo archivo.
func (s *Store) Create(ctx context.Context, in NewTask) (*domain.DownloadTask, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Source == "" {
		in.Source = domain.SourceManual
	}

	if in.AnimeID != "" {
		unlock := s.locks.Lock("episode:" + in.AnimeID + "/" + in.EpisodeID)
		defer unlock()

		existing, err := s.repo.GetByEpisode(ctx, in.AnimeID, in.EpisodeID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &domain.DuplicateTaskError{AnimeID: in.AnimeID, EpisodeID: in.EpisodeID, ExistingID: existing.ID}
		}
	}

	target := filepath.Join(in.DestDir, in.Filename)
	unlockTarget := s.locks.Lock("target:" + target)
	defer unlockTarget()

	owner, err := s.repo.GetByTarget(ctx, filepath.Clean(in.DestDir), in.Filename)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		return nil, &domain.DuplicateTaskError{AnimeID: in.AnimeID, EpisodeID: in.EpisodeID, Path: target, ExistingID: owner.ID}
	}

	now := s.now()
	task := &domain.DownloadTask{
		ID:           uuid.NewString(),
		AnimeID:      in.AnimeID,
		EpisodeID:    in.EpisodeID,
		Title:        in.Title,
		EpisodeTitle: in.EpisodeTitle,
		URL:          in.URL,
		Filename:     in.Filename,
		DestDir:      filepath.Clean(in.DestDir),
		Source:       in.Source,
		Status:       domain.StatusPending,
		TotalSize:    domain.UnknownSize,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	unlock := s.locks.Lock(task.ID)
	defer unlock()

	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}

	metrics.TasksCreatedTotal.WithLabelValues(string(task.Source)).Inc()
	s.log.Info().
		Str("task_id", task.ID).
		Str("source", string(task.Source)).
		Str("filename", task.Filename).
		Msg("Task created")

	s.publish(domain.Event{Type: domain.EventTaskCreated, TaskID: task.ID, Status: task.Status, Task: task.View()})
	return task, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.DownloadTask, error) {
	return s.repo.GetByID(ctx, id)
}

// Downloaded indica si el episodio lo completó una tarea que después se
// borró o se purgó
func (s *Store) Downloaded(ctx context.Context, animeID, episodeID string) (bool, error) {
	return s.repo.WasDownloaded(ctx, animeID, episodeID)
}

// FindByEpisode devuelve la tarea del episodio o nil
func (s *Store) FindByEpisode(ctx context.Context, animeID, episodeID string) (*domain.DownloadTask, error) {
	return s.repo.GetByEpisode(ctx, animeID, episodeID)
}

// List devuelve las tareas más recientes primero, opcionalmente filtradas por estado
func (s *Store) List(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.DownloadTask, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", st)
		}
	}
	return s.repo.List(ctx, statuses...)
}

// Runnable devuelve hasta limit tareas pendientes cuyo backoff ya venció, las más antiguas primero
func (s *Store) Runnable(ctx context.Context, limit int) ([]*domain.DownloadTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.repo.GetRunnable(ctx, s.now(), limit)
}

// Mutation edita campos de la tarea como parte de un cambio de estado
type Mutation func(*domain.DownloadTask)

func WithError(msg string) Mutation {
	return func(t *domain.DownloadTask) { t.ErrorMessage = msg }
}

func ClearError() Mutation {
	return func(t *domain.DownloadTask) { t.ErrorMessage = "" }
}

func WithSizes(downloaded, total int64) Mutation {
	return func(t *domain.DownloadTask) {
		t.DownloadedSize = downloaded
		t.TotalSize = total
	}
}

// WithRetry registra un intento fallido y cuándo puede empezar el siguiente
func WithRetry(count int, next time.Time) Mutation {
	return func(t *domain.DownloadTask) {
		t.RetryCount = count
		t.NextAttemptAt = &next
	}
}

func WithRetryCount(count int) Mutation {
	return func(t *domain.DownloadTask) { t.RetryCount = count }
}

// ClearProgress olvida los bytes transferidos cuando ya no hay archivo parcial
func ClearProgress() Mutation {
	return func(t *domain.DownloadTask) {
		t.DownloadedSize = 0
		t.Speed = 0
	}
}

func ClearNextAttempt() Mutation {
	return func(t *domain.DownloadTask) { t.NextAttemptAt = nil }
}

func ResetRetries() Mutation {
	return func(t *domain.DownloadTask) {
		t.RetryCount = 0
		t.NextAttemptAt = nil
	}
}

// UpdateStatus mueve la tarea a un nuevo estado y aplica muts de forma atómica
func (s *Store) UpdateStatus(ctx context.Context, id string, to domain.TaskStatus, muts ...Mutation) (*domain.DownloadTask, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	from := task.Status
	if !domain.CanTransition(from, to) {
		return nil, &domain.InvalidTransitionError{TaskID: id, From: from, To: to}
	}

	for _, m := range muts {
		m(task)
	}
	task.Status = to

	switch to {
	case domain.StatusCompleted:
		done := s.now()
		task.CompletedAt = &done
		task.NextAttemptAt = nil
		task.ErrorMessage = ""
		task.Speed = 0
	case domain.StatusDownloading:
		task.NextAttemptAt = nil
	default:
		task.Speed = 0
	}
	task.RecomputeProgress()
	s.touch(task)

	if err := s.repo.Update(ctx, task); err != nil {
		return nil, err
	}

	metrics.TaskTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.log.Debug().
		Str("task_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Task status changed")

	s.publish(domain.Event{Type: domain.EventTaskStatus, TaskID: id, From: from, Status: to, Task: task.View()})
	return task, nil
}

// UpdateProgress registra el progreso. Solo lo acepta una tarea en downloading:
// un reporte tardío de un worker abortado no pisa un estado más nuevo.
func (s *Store) UpdateProgress(ctx context.Context, id string, downloaded, total, speed int64) (*domain.DownloadTask, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusDownloading {
		return nil, &domain.InvalidTransitionError{TaskID: id, From: task.Status, To: domain.StatusDownloading}
	}

	task.DownloadedSize = downloaded
	task.TotalSize = total
	task.Speed = speed
	task.RecomputeProgress()
	s.touch(task)

	if err := s.repo.Update(ctx, task); err != nil {
		return nil, err
	}

	s.publish(domain.Event{Type: domain.EventTaskProgress, TaskID: id, Status: task.Status, Task: task.View()})
	return task, nil
}

// Remove borra el registro de una tarea. Las que están descargando se cancelan antes.
func (s *Store) Remove(ctx context.Context, id string) (*domain.DownloadTask, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	task, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.Removable() {
		return nil, &domain.TaskBusyError{TaskID: id}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return nil, err
	}

	s.log.Info().Str("task_id", id).Str("status", string(task.Status)).Msg("Task removed")
	s.publish(domain.Event{Type: domain.EventTaskRemoved, TaskID: id, From: task.Status})
	return task, nil
}

// Reconcile vuelve a encolar las tareas que quedaron en downloading en la
// ejecución anterior. Conserva downloadedSize para reanudar. Se llama antes de
// arrancar el scheduler.
func (s *Store) Reconcile(ctx context.Context) (int64, error) {
	n, err := s.repo.ResetStatus(ctx, domain.StatusDownloading, domain.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("reconcile interrupted tasks: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("Requeued tasks interrupted by previous shutdown")
	}
	return n, nil
}

// Prune borra las tareas completadas o fallidas actualizadas antes del corte
func (s *Store) Prune(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := s.repo.DeleteFinishedBefore(ctx, before)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.publish(domain.Event{Type: domain.EventTaskRemoved, TaskID: id})
	}
	return ids, nil
}

// Counts devuelve cuántas tareas hay en cada estado
func (s *Store) Counts(ctx context.Context) (map[domain.TaskStatus]int, error) {
	counts := make(map[domain.TaskStatus]int)
	for _, st := range domain.AllStatuses() {
		n, err := s.repo.CountByStatus(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("count %s tasks: %w", st, err)
		}
		counts[st] = n
	}
	return counts, nil
}

// touch mantiene UpdatedAt estrictamente creciente aunque el reloj no avance
func (s *Store) touch(task *domain.DownloadTask) {
	now := s.now()
	if !now.After(task.UpdatedAt) {
		now = task.UpdatedAt.Add(time.Nanosecond)
	}
	task.UpdatedAt = now
}

func (s *Store) publish(ev domain.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}
