package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/elsanchez/autofetch/internal/domain"
)

// DefaultUserAgent se envía en cada request al catálogo y de descarga
const DefaultUserAgent = "autofetch/0.1 (+https://github.com/elsanchez/autofetch)"

// EnvPrefix es el prefijo de las variables de entorno, p. ej. AUTOFETCH_DOWNLOAD_MAX_CONCURRENT
const EnvPrefix = "AUTOFETCH"

type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	SocketPath string `mapstructure:"socket_path"`
	LogLevel   string `mapstructure:"log_level"`
	UserAgent  string `mapstructure:"user_agent"`

	// Valores semilla de la config en runtime, solo para el primer arranque
	Download struct {
		Path          string   `mapstructure:"path"`
		MaxConcurrent int      `mapstructure:"max_concurrent"`
		RetryAttempts int      `mapstructure:"retry_attempts"`
		Enabled       bool     `mapstructure:"enabled"`
		Years         []string `mapstructure:"years"`
		Seasons       []string `mapstructure:"seasons"`
	} `mapstructure:"download"`

	Transfer struct {
		ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
		HeaderTimeout    time.Duration `mapstructure:"header_timeout"`
		StallTimeout     time.Duration `mapstructure:"stall_timeout"`
		ProgressInterval time.Duration `mapstructure:"progress_interval"`
		ProgressBytes    int64         `mapstructure:"progress_bytes"`
		RateLimitKBps    int           `mapstructure:"rate_limit_kbps"`
	} `mapstructure:"transfer"`

	Scheduler struct {
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
		RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	} `mapstructure:"scheduler"`

	Monitor struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"monitor"`

	History struct {
		Retention     time.Duration `mapstructure:"retention"`
		PruneSchedule string        `mapstructure:"prune_schedule"`
	} `mapstructure:"history"`

	Catalog struct {
		BaseURL         string        `mapstructure:"base_url"`
		Timeout         time.Duration `mapstructure:"timeout"`
		Retries         int           `mapstructure:"retries"`
		ResolveMode     string        `mapstructure:"resolve_mode"` // "json" or "html"
		ResolveSelector string        `mapstructure:"resolve_selector"`
	} `mapstructure:"catalog"`

	Cache struct {
		Provider string        `mapstructure:"provider"` // "memory" or "redis"
		Size     int           `mapstructure:"size"`
		TTL      time.Duration `mapstructure:"ttl"`
		Redis    struct {
			Address  string `mapstructure:"address"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"cache"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Address string `mapstructure:"address"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Notifications struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"notifications"`
}

// Load lee los archivos .env, config.yaml y las variables AUTOFETCH_*.
// Las rutas extra se revisan antes que las de siempre.
func Load(searchPaths ...string) (*Config, error) {
	// .env es opcional; las variables de entorno reales tienen prioridad
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "autofetch"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("log_level", "LOG_LEVEL", EnvPrefix+"_LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("data_dir", filepath.Join(home, ".local", "share", "autofetch"))
	v.SetDefault("socket_path", DefaultSocketPath())
	v.SetDefault("log_level", "info")

	v.SetDefault("download.path", filepath.Join(home, "Videos", "anime"))
	v.SetDefault("download.max_concurrent", 2)
	v.SetDefault("download.retry_attempts", 3)
	v.SetDefault("download.enabled", false)
	v.SetDefault("download.years", []string{})
	v.SetDefault("download.seasons", []string{})

	v.SetDefault("transfer.connect_timeout", "15s")
	v.SetDefault("transfer.header_timeout", "30s")
	v.SetDefault("transfer.stall_timeout", "60s")
	v.SetDefault("transfer.progress_interval", "1s")
	v.SetDefault("transfer.progress_bytes", 4<<20)
	v.SetDefault("transfer.rate_limit_kbps", 0)

	v.SetDefault("scheduler.poll_interval", "5s")
	v.SetDefault("scheduler.retry_base_delay", "2s")
	v.SetDefault("scheduler.retry_max_delay", "5m")

	v.SetDefault("monitor.interval", "15m")

	v.SetDefault("history.retention", "0s")
	v.SetDefault("history.prune_schedule", "@every 1h")

	v.SetDefault("catalog.base_url", "")
	v.SetDefault("catalog.timeout", "30s")
	v.SetDefault("catalog.retries", 3)
	v.SetDefault("catalog.resolve_mode", "json")
	v.SetDefault("catalog.resolve_selector", "a.download")

	v.SetDefault("cache.provider", "memory")
	v.SetDefault("cache.size", 1000)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.redis.address", "localhost:6379")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("notifications.enabled", true)
}

// DefaultSocketPath devuelve el socket del daemon bajo XDG_RUNTIME_DIR
func DefaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}
	return filepath.Join(runtimeDir, "autofetch.sock")
}

// Seed arma la config inicial de auto-descarga a partir de los valores de arranque
func (c *Config) Seed() domain.AutoDownloadConfig {
	return domain.AutoDownloadConfig{
		Enabled:                c.Download.Enabled,
		DownloadPath:           c.Download.Path,
		MaxConcurrentDownloads: c.Download.MaxConcurrent,
		RetryAttempts:          c.Download.RetryAttempts,
		Filters: domain.Filters{
			Years:   append([]string(nil), c.Download.Years...),
			Seasons: append([]string(nil), c.Download.Seasons...),
		},
	}
}

// NewLogger crea un logger de consola de zerolog con el nivel dado, o info si no es válido
func NewLogger(level string) zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	lvl := zerolog.InfoLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		} else {
			logger.Warn().Str("invalid_level", level).Msg("Invalid log level, using default 'info'")
		}
	}

	return logger.Level(lvl)
}
