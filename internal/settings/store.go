// Package settings guarda la configuración de auto-descarga en tiempo de ejecución.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/events"
	"github.com/elsanchez/autofetch/internal/repository"
)

const settingsKey = "auto_download"

// Store da lecturas sin lock sobre un snapshot y escrituras serializadas, validadas y persistidas
type Store struct {
	repo repository.SettingsRepository
	pub  events.Publisher
	log  zerolog.Logger

	writeMu sync.Mutex
	current atomic.Pointer[domain.AutoDownloadConfig]

	watchMu  sync.Mutex
	watchers map[uint64]chan domain.AutoDownloadConfig
	nextID   uint64
}

// New carga la config persistida, o valida y persiste seed en el primer arranque.
// pub puede ser nil.
func New(ctx context.Context, repo repository.SettingsRepository, seed domain.AutoDownloadConfig, pub events.Publisher, log zerolog.Logger) (*Store, error) {
	s := &Store{
		repo:     repo,
		pub:      pub,
		log:      log.With().Str("component", "settings").Logger(),
		watchers: make(map[uint64]chan domain.AutoDownloadConfig),
	}

	raw, ok, err := repo.Load(ctx, settingsKey)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var cfg domain.AutoDownloadConfig
	if ok {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			s.log.Warn().Err(err).Msg("Persisted settings are invalid, reseeding from config")
			ok = false
		}
	}

	if !ok {
		cfg, err = normalize(seed)
		if err != nil {
			return nil, fmt.Errorf("seed settings: %w", err)
		}
		if err := s.persist(ctx, cfg); err != nil {
			return nil, err
		}
		s.log.Info().Msg("Settings seeded from bootstrap config")
	}

	s.current.Store(&cfg)
	return s, nil
}

// Get devuelve una copia de la config actual
func (s *Store) Get() domain.AutoDownloadConfig {
	return s.current.Load().Clone()
}

func (s *Store) MaxConcurrentDownloads() int {
	return s.current.Load().MaxConcurrentDownloads
}

func (s *Store) RetryAttempts() int {
	return s.current.Load().RetryAttempts
}

func (s *Store) Enabled() bool {
	return s.current.Load().Enabled
}

func (s *Store) DownloadPath() string {
	return s.current.Load().DownloadPath
}

func (s *Store) Filters() domain.Filters {
	return s.Get().Filters
}

func (s *Store) SetDownloadPath(ctx context.Context, path string) error {
	_, err := s.Update(ctx, func(c *domain.AutoDownloadConfig) { c.DownloadPath = path })
	return err
}

func (s *Store) SetMaxConcurrentDownloads(ctx context.Context, n int) error {
	_, err := s.Update(ctx, func(c *domain.AutoDownloadConfig) { c.MaxConcurrentDownloads = n })
	return err
}

func (s *Store) SetRetryAttempts(ctx context.Context, n int) error {
	_, err := s.Update(ctx, func(c *domain.AutoDownloadConfig) { c.RetryAttempts = n })
	return err
}

func (s *Store) SetEnabled(ctx context.Context, enabled bool) error {
	_, err := s.Update(ctx, func(c *domain.AutoDownloadConfig) { c.Enabled = enabled })
	return err
}

func (s *Store) SetFilters(ctx context.Context, f domain.Filters) error {
	_, err := s.Update(ctx, func(c *domain.AutoDownloadConfig) { c.Filters = f })
	return err
}

// Update aplica fn a una copia, la valida, la persiste y publica el resultado.
// Ante cualquier error la config actual queda intacta.
func (s *Store) Update(ctx context.Context, fn func(*domain.AutoDownloadConfig)) (domain.AutoDownloadConfig, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.current.Load()
	next := prev.Clone()
	fn(&next)

	next, err := normalize(next)
	if err != nil {
		return prev.Clone(), err
	}

	if next.DownloadPath != prev.DownloadPath {
		if err := os.MkdirAll(next.DownloadPath, 0755); err != nil {
			return prev.Clone(), domain.NewInvalidConfigError("download_path", err.Error())
		}
	}

	if err := s.persist(ctx, next); err != nil {
		return prev.Clone(), err
	}

	s.current.Store(&next)
	s.log.Info().
		Bool("enabled", next.Enabled).
		Str("download_path", next.DownloadPath).
		Int("max_concurrent", next.MaxConcurrentDownloads).
		Int("retry_attempts", next.RetryAttempts).
		Strs("years", next.Filters.Years).
		Strs("seasons", next.Filters.Seasons).
		Msg("Settings updated")

	s.notify(next)
	return next.Clone(), nil
}

// Watch devuelve un canal que siempre tiene la config más reciente tras un cambio.
// Puede saltarse valores intermedios. cancel deja de observar.
func (s *Store) Watch() (<-chan domain.AutoDownloadConfig, func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	s.nextID++
	id := s.nextID
	ch := make(chan domain.AutoDownloadConfig, 1)
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) notify(cfg domain.AutoDownloadConfig) {
	s.watchMu.Lock()
	for _, ch := range s.watchers {
		// gana el último: descarta el valor pendiente viejo antes de enviar
		select {
		case <-ch:
		default:
		}
		ch <- cfg.Clone()
	}
	s.watchMu.Unlock()

	if s.pub != nil {
		snapshot := cfg.Clone()
		s.pub.Publish(domain.Event{Type: domain.EventConfigChanged, Config: &snapshot})
	}
}

func (s *Store) persist(ctx context.Context, cfg domain.AutoDownloadConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.repo.Save(ctx, settingsKey, raw); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	return nil
}

func normalize(cfg domain.AutoDownloadConfig) (domain.AutoDownloadConfig, error) {
	filters, err := domain.NormalizeFilters(cfg.Filters)
	if err != nil {
		return cfg, err
	}
	cfg.Filters = filters
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
