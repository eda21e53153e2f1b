package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/monitor"
)

// Pruner es lo que el retention job necesita del task store
type Pruner interface {
	Prune(ctx context.Context, before time.Time) ([]string, error)
}

// Retention borra periódicamente el historial de tareas terminadas
type Retention struct {
	store     Pruner
	retention time.Duration
	schedule  string
	log       zerolog.Logger
	now       func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRetention crea el job; retention 0 conserva todo
func NewRetention(store Pruner, retention time.Duration, schedule string, log zerolog.Logger) *Retention {
	if schedule == "" {
		schedule = "@daily"
	}
	return &Retention{
		store:     store,
		retention: retention,
		schedule:  schedule,
		log:       log.With().Str("component", "retention").Logger(),
		now:       time.Now,
	}
}

// Start programa el job. No hace nada si la retención está desactivada.
func (r *Retention) Start(ctx context.Context) error {
	if r.retention <= 0 {
		r.log.Info().Msg("History retention disabled, keeping all tasks")
		return nil
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	logger := monitor.CronLogger(r.log)
	r.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := r.cron.AddFunc(r.schedule, func() { r.Prune(r.ctx) }); err != nil {
		r.cancel()
		return fmt.Errorf("invalid prune schedule %q: %w", r.schedule, err)
	}

	r.cron.Start()
	r.log.Info().
		Dur("retention", r.retention).
		Str("schedule", r.schedule).
		Msg("History retention scheduled")
	return nil
}

// Stop detiene el cron y espera al job en curso
func (r *Retention) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cancel()
}

// Prune borra las tareas terminadas más viejas que la retención
func (r *Retention) Prune(ctx context.Context) (int, error) {
	if r.retention <= 0 {
		return 0, nil
	}

	cutoff := r.now().Add(-r.retention)
	ids, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to prune task history")
		return 0, err
	}
	if len(ids) > 0 {
		r.log.Info().Int("count", len(ids)).Time("before", cutoff).Msg("Pruned task history")
	}
	return len(ids), nil
}
