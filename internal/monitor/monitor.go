// Package monitor convierte periódicamente los episodios nuevos de las series
// favoritas en tareas de descarga.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/metrics"
	"github.com/elsanchez/autofetch/internal/tasks"
)

// Catalog lista favoritos y resuelve episodios a URLs de descarga
type Catalog interface {
	Favorites(ctx context.Context) ([]domain.Favorite, error)
	ResolveEpisode(ctx context.Context, animeID, episodeID string) (string, error)
}

// Settings es la config viva que el monitor lee en cada poll
type Settings interface {
	Enabled() bool
	DownloadPath() string
	Filters() domain.Filters
}

// TaskCreator es la parte del store de tareas que usa el monitor
type TaskCreator interface {
	FindByEpisode(ctx context.Context, animeID, episodeID string) (*domain.DownloadTask, error)
	Downloaded(ctx context.Context, animeID, episodeID string) (bool, error)
	Create(ctx context.Context, in tasks.NewTask) (*domain.DownloadTask, error)
}

// PollResult resume una pasada sobre los favoritos
type PollResult struct {
	Disabled  bool      `json:"disabled,omitempty"`
	Favorites int       `json:"favorites"`
	Created   []string  `json:"created"`
	Existing  int       `json:"existing"`
	Filtered  int       `json:"filtered"`
	NoEpisode int       `json:"no_episode"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

type Monitor struct {
	catalog  Catalog
	settings Settings
	tasks    TaskCreator
	interval time.Duration
	log      zerolog.Logger

	pollMu sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(catalog Catalog, settings Settings, creator TaskCreator, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Monitor{
		catalog:  catalog,
		settings: settings,
		tasks:    creator,
		interval: interval,
		log:      log.With().Str("component", "monitor").Logger(),
	}
}

// Start programa Poll cada interval. Si una corrida sigue activa, la siguiente se salta.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	logger := CronLogger(m.log)
	m.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	spec := "@every " + m.interval.String()
	if _, err := m.cron.AddFunc(spec, func() {
		if _, err := m.Poll(m.ctx); err != nil && m.ctx.Err() == nil {
			m.log.Error().Err(err).Msg("Auto-download poll failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule monitor: %w", err)
	}

	m.cron.Start()
	m.log.Info().Dur("interval", m.interval).Bool("enabled", m.settings.Enabled()).Msg("Monitor started")
	return nil
}

// Stop cancela el poll en curso y espera a que termine
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	m.cancel()
	<-m.cron.Stop().Done()
	m.log.Info().Msg("Monitor stopped")
}

// Poll revisa cada favorito una vez. No hace nada con la auto-descarga
// desactivada. El fallo de una serie no detiene a las demás.
func (m *Monitor) Poll(ctx context.Context) (*PollResult, error) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	res := &PollResult{StartedAt: time.Now(), Created: []string{}}
	defer func() { res.Duration = time.Since(res.StartedAt).Round(time.Millisecond).String() }()

	if !m.settings.Enabled() {
		res.Disabled = true
		metrics.MonitorPollsTotal.WithLabelValues("disabled").Inc()
		return res, nil
	}

	favorites, err := m.catalog.Favorites(ctx)
	if err != nil {
		metrics.MonitorPollsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch favorites: %w", err)
	}
	res.Favorites = len(favorites)

	// un solo snapshot: un cambio de config a mitad del poll aplica entero al siguiente
	filters := m.settings.Filters()
	root := m.settings.DownloadPath()

	for _, fav := range favorites {
		if ctx.Err() != nil {
			metrics.MonitorPollsTotal.WithLabelValues("error").Inc()
			return res, ctx.Err()
		}

		log := m.log.With().Str("anime_id", fav.AnimeID).Str("title", fav.Title).Logger()

		if fav.AnimeID == "" || fav.Latest == nil || fav.Latest.ID == "" {
			res.NoEpisode++
			continue
		}
		if !filters.Match(fav.Year, fav.Season) {
			res.Filtered++
			continue
		}

		existing, err := m.tasks.FindByEpisode(ctx, fav.AnimeID, fav.Latest.ID)
		if err != nil {
			res.Failed++
			log.Warn().Err(err).Msg("Failed to look up existing task")
			continue
		}
		if existing != nil {
			res.Existing++
			continue
		}
		done, err := m.tasks.Downloaded(ctx, fav.AnimeID, fav.Latest.ID)
		if err != nil {
			res.Failed++
			log.Warn().Err(err).Msg("Failed to read episode history")
			continue
		}
		if done {
			res.Existing++
			continue
		}

		target, err := m.catalog.ResolveEpisode(ctx, fav.AnimeID, fav.Latest.ID)
		if err != nil {
			res.Failed++
			log.Warn().Err(err).Str("episode_id", fav.Latest.ID).Msg("Failed to resolve episode")
			continue
		}

		task, err := m.tasks.Create(ctx, tasks.NewTask{
			AnimeID:      fav.AnimeID,
			EpisodeID:    fav.Latest.ID,
			Title:        fav.Title,
			EpisodeTitle: fav.Latest.Title,
			URL:          target,
			Filename:     EpisodeFilename(fav, *fav.Latest, target),
			DestDir:      SeriesDir(root, fav.Title),
			Source:       domain.SourceAuto,
		})
		if err != nil {
			if errors.Is(err, domain.ErrDuplicateTask) {
				res.Existing++
				continue
			}
			res.Failed++
			log.Warn().Err(err).Msg("Failed to create task")
			continue
		}

		res.Created = append(res.Created, task.ID)
		log.Info().Str("task_id", task.ID).Str("episode_id", fav.Latest.ID).Msg("Queued new episode")
	}

	metrics.MonitorPollsTotal.WithLabelValues("ok").Inc()
	m.log.Info().
		Int("favorites", res.Favorites).
		Int("created", len(res.Created)).
		Int("existing", res.Existing).
		Int("filtered", res.Filtered).
		Int("failed", res.Failed).
		Msg("Poll finished")
	return res, nil
}
