package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/events"
	"github.com/elsanchez/autofetch/internal/metrics"
	"github.com/elsanchez/autofetch/internal/tasks"
	"github.com/elsanchez/autofetch/internal/transfer"
)

// Transferer ejecuta un intento de descarga
type Transferer interface {
	Transfer(ctx context.Context, job transfer.Job, report transfer.ReportFunc) (*transfer.Result, error)
	Discard(job transfer.Job) error
}

// Limits expone la configuración en vivo que usa el scheduler
type Limits interface {
	MaxConcurrentDownloads() int
	RetryAttempts() int
	Watch() (<-chan domain.AutoDownloadConfig, func())
}

// Subscriber permite despertar el scheduler con eventos del bus
type Subscriber interface {
	Subscribe(buffer int, filters ...events.Filter) *events.Subscription
}

type SchedulerOptions struct {
	PollInterval   time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// intent indica por qué se canceló un worker
type intent int

const (
	intentNone intent = iota
	intentPause
	intentCancel
	intentShutdown
)

type handle struct {
	job    transfer.Job
	cancel context.CancelFunc
	intent intent
	done   chan struct{}
}

// Scheduler arranca tareas pendientes respetando el límite de concurrencia
type Scheduler struct {
	store    *tasks.Store
	limits   Limits
	worker   Transferer
	bus      Subscriber
	opts     SchedulerOptions
	log      zerolog.Logger
	now      func() time.Time
	wake     chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	active   map[string]*handle
	stopping bool
}

// NewScheduler crea un scheduler. bus puede ser nil; el poll periódico cubre los eventos perdidos.
func NewScheduler(store *tasks.Store, limits Limits, worker Transferer, bus Subscriber, opts SchedulerOptions, log zerolog.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 2 * time.Second
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}

	return &Scheduler{
		store:  store,
		limits: limits,
		worker: worker,
		bus:    bus,
		opts:   opts,
		log:    log.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		active: make(map[string]*handle),
	}
}

// Start inicia el loop de despacho
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.log.Info().
		Int("limit", s.limits.MaxConcurrentDownloads()).
		Dur("poll_interval", s.opts.PollInterval).
		Msg("Scheduler started")

	s.wg.Add(1)
	go s.loop()
}

// Stop detiene el loop y devuelve las descargas activas a pending conservando el archivo parcial
func (s *Scheduler) Stop() {
	s.log.Info().Msg("Scheduler stopping...")

	s.mu.Lock()
	s.stopping = true
	for _, h := range s.active {
		if h.intent == intentNone {
			h.intent = intentShutdown
		}
		h.cancel()
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.log.Info().Msg("Scheduler stopped")
}

// Wake pide un despacho inmediato
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	changes, stopWatch := s.limits.Watch()
	defer stopWatch()

	var wakeups <-chan domain.Event
	if s.bus != nil {
		sub := s.bus.Subscribe(64, becamePending)
		defer sub.Close()
		wakeups = sub.Events()
	}

	s.dispatch()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		case cfg := <-changes:
			s.log.Debug().Int("limit", cfg.MaxConcurrentDownloads).Msg("Concurrency limit reloaded")
		case <-wakeups:
		}
		s.dispatch()
	}
}

// becamePending acepta eventos que dejan una tarea lista para correr
func becamePending(ev domain.Event) bool {
	switch ev.Type {
	case domain.EventTaskCreated:
		return true
	case domain.EventTaskStatus:
		return ev.Status == domain.StatusPending
	}
	return false
}

// dispatch llena los slots libres con las tareas pendientes más antiguas.
// Solo este goroutine arranca workers, así que free no puede quedar desactualizado hacia arriba.
func (s *Scheduler) dispatch() {
	limit := s.limits.MaxConcurrentDownloads()
	metrics.ConcurrencyLimit.Set(float64(limit))

	s.mu.Lock()
	free := limit - len(s.active)
	stopping := s.stopping
	s.mu.Unlock()

	if free <= 0 || stopping {
		return
	}

	runnable, err := s.store.Runnable(s.ctx, free)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Failed to load runnable tasks")
		}
		return
	}

	for _, t := range runnable {
		s.start(t)
	}
}

func (s *Scheduler) start(t *domain.DownloadTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return
	}

	// Pause/Cancel de tareas no activas toman s.mu, así que no se cruzan con esta transición.
	task, err := s.store.UpdateStatus(s.ctx, t.ID, domain.StatusDownloading)
	if err != nil {
		s.log.Debug().Err(err).Str("task_id", t.ID).Msg("Task no longer runnable")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	h := &handle{
		job:    transfer.JobFor(task),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active[task.ID] = h
	metrics.ActiveDownloads.Set(float64(len(s.active)))

	s.log.Info().
		Str("task_id", task.ID).
		Str("url", task.URL).
		Int64("offset", task.DownloadedSize).
		Int("attempt", task.RetryCount+1).
		Msg("Starting download")

	s.wg.Add(1)
	go s.run(ctx, h, task)
}

// run ejecuta la descarga y fija el estado final antes de liberar el slot
func (s *Scheduler) run(ctx context.Context, h *handle, task *domain.DownloadTask) {
	defer s.wg.Done()

	// Las escrituras finales no deben fallar porque el worker fue cancelado.
	bg := context.WithoutCancel(ctx)

	res, err := s.worker.Transfer(ctx, h.job, func(p transfer.Progress) {
		if _, err := s.store.UpdateProgress(bg, task.ID, p.Downloaded, p.Total, p.Speed); err != nil {
			s.log.Debug().Err(err).Str("task_id", task.ID).Msg("Progress report rejected")
		}
	})
	h.cancel()

	s.mu.Lock()
	why := h.intent
	s.mu.Unlock()

	s.finish(bg, h, task, why, res, err)

	s.mu.Lock()
	delete(s.active, task.ID)
	metrics.ActiveDownloads.Set(float64(len(s.active)))
	s.mu.Unlock()

	close(h.done)
	s.Wake()
}

func (s *Scheduler) finish(ctx context.Context, h *handle, task *domain.DownloadTask, why intent, res *transfer.Result, err error) {
	log := s.log.With().Str("task_id", task.ID).Logger()

	if err == nil {
		if _, uerr := s.store.UpdateStatus(ctx, task.ID, domain.StatusCompleted, tasks.WithSizes(res.Size, res.Size)); uerr != nil {
			log.Error().Err(uerr).Msg("Failed to mark task completed")
			return
		}
		log.Info().Str("path", res.Path).Int64("bytes", res.Size).Msg("Download completed")
		return
	}

	kind := transfer.KindOf(err)
	if kind == transfer.KindCancelled && why == intentNone {
		// Contexto padre cancelado sin Stop: mismo trato que un apagado.
		why = intentShutdown
	}

	var (
		to   domain.TaskStatus
		muts []tasks.Mutation
	)

	switch why {
	case intentPause:
		to = domain.StatusPaused

	case intentCancel:
		s.discard(h.job)
		to = domain.StatusError
		muts = append(muts, tasks.WithError(cancelledMessage), tasks.ClearProgress())

	case intentShutdown:
		to = domain.StatusPending

	default:
		metrics.TransferFailuresTotal.WithLabelValues(kind.String()).Inc()

		if kind == transfer.KindPermanent {
			s.discard(h.job)
			to = domain.StatusError
			muts = append(muts, tasks.WithError(err.Error()), tasks.ClearProgress())
			log.Warn().Err(err).Msg("Download failed permanently")
			break
		}

		attempts := task.RetryCount + 1
		if attempts > s.limits.RetryAttempts() {
			to = domain.StatusError
			muts = append(muts,
				tasks.WithError(fmt.Sprintf("%v (gave up after %d attempts)", err, attempts)),
				tasks.WithRetryCount(attempts))
			log.Warn().Err(err).Int("attempts", attempts).Msg("Download failed, retries exhausted")
			break
		}

		delay := s.backoff(attempts)
		to = domain.StatusPending
		muts = append(muts, tasks.WithError(err.Error()), tasks.WithRetry(attempts, s.now().Add(delay)))
		time.AfterFunc(delay, s.Wake)
		log.Info().Err(err).Int("attempt", attempts).Dur("retry_in", delay).Msg("Download failed, will retry")
	}

	if _, uerr := s.store.UpdateStatus(ctx, task.ID, to, muts...); uerr != nil {
		log.Error().Err(uerr).Str("status", string(to)).Msg("Failed to record download outcome")
	}
}

func (s *Scheduler) discard(job transfer.Job) {
	if err := s.worker.Discard(job); err != nil {
		s.log.Warn().Err(err).Str("task_id", job.TaskID).Msg("Failed to remove partial file")
	}
}

// backoff devuelve base·2^(n−1) acotado a RetryMaxDelay
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.opts.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.opts.RetryMaxDelay {
			return s.opts.RetryMaxDelay
		}
	}
	return d
}

// Pause detiene una tarea conservando el archivo parcial
func (s *Scheduler) Pause(ctx context.Context, id string) (*domain.DownloadTask, error) {
	return s.interrupt(ctx, id, intentPause, domain.StatusPaused, nil)
}

// Cancel aborta una tarea, borra el archivo parcial y la deja en error
func (s *Scheduler) Cancel(ctx context.Context, id string) (*domain.DownloadTask, error) {
	return s.interrupt(ctx, id, intentCancel, domain.StatusError, func(t *domain.DownloadTask) {
		s.discard(transfer.JobFor(t))
	})
}

func (s *Scheduler) interrupt(ctx context.Context, id string, why intent, to domain.TaskStatus, after func(*domain.DownloadTask)) (*domain.DownloadTask, error) {
	s.mu.Lock()
	h, running := s.active[id]
	if !running {
		defer s.mu.Unlock()

		var muts []tasks.Mutation
		if why == intentCancel {
			muts = append(muts, tasks.WithError(cancelledMessage), tasks.ClearProgress())
		}
		task, err := s.store.UpdateStatus(ctx, id, to, muts...)
		if err != nil {
			return nil, err
		}
		if after != nil {
			after(task)
		}
		return task, nil
	}

	if h.intent == intentNone {
		h.intent = why
	}
	h.cancel()
	s.mu.Unlock()

	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != to {
		// El worker terminó por su cuenta antes de ver la cancelación.
		return task, &domain.InvalidTransitionError{TaskID: id, From: task.Status, To: to}
	}
	return task, nil
}

// Resume devuelve una tarea pausada o fallida a la cola. Reanudar desde error reinicia los reintentos.
func (s *Scheduler) Resume(ctx context.Context, id string) (*domain.DownloadTask, error) {
	// s.mu evita que start tome la tarea entre la verificación y la transición
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// downloading→pending es solo para el scheduler; un resume manual nunca toca un worker vivo
	_, running := s.active[id]
	if running || (current.Status != domain.StatusPaused && current.Status != domain.StatusError) {
		return nil, &domain.InvalidTransitionError{TaskID: id, From: current.Status, To: domain.StatusPending}
	}

	muts := []tasks.Mutation{tasks.ClearNextAttempt()}
	if current.Status == domain.StatusError {
		muts = append(muts, tasks.ResetRetries(), tasks.ClearError())
	}

	task, err := s.store.UpdateStatus(ctx, id, domain.StatusPending, muts...)
	if err != nil {
		return nil, err
	}
	s.Wake()
	return task, nil
}

// Remove borra el registro y, si la tarea no terminó, su archivo parcial
func (s *Scheduler) Remove(ctx context.Context, id string) (*domain.DownloadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.store.Remove(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusCompleted {
		s.discard(transfer.JobFor(task))
	}
	return task, nil
}

// Stats retorna conteos por estado y ocupación de workers
type Stats struct {
	Counts map[domain.TaskStatus]int `json:"counts"`
	Total  int                       `json:"total"`
	Active int                       `json:"active"`
	Limit  int                       `json:"limit"`
}

func (s *Scheduler) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{Counts: counts, Active: s.Active(), Limit: s.limits.MaxConcurrentDownloads()}
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}

// Active retorna el número de workers corriendo
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// IsActive indica si una tarea tiene un worker asignado
func (s *Scheduler) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}
