// Package cache guarda las URLs de episodios ya resueltas para que los polls
// repetidos no vuelvan a consultar el catálogo. Los backends se registran por nombre.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/metrics"
)

// Cache es un almacén de bytes por clave con expiración por entrada
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Len() int
	Close() error
}

type Config struct {
	Size          int
	TTL           time.Duration
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	Log           zerolog.Logger
}

// Provider crea un Cache a partir de la config
type Provider func(cfg Config) (Cache, error)

var (
	mu        sync.RWMutex
	providers = make(map[string]Provider)
)

// Register deja un provider disponible para New. Registrar dos veces el mismo nombre hace panic.
func Register(name string, p Provider) {
	mu.Lock()
	defer mu.Unlock()

	if p == nil {
		panic("cache: nil provider for " + name)
	}
	if _, dup := providers[name]; dup {
		panic(fmt.Sprintf("cache: provider %q registered twice", name))
	}
	providers[name] = p
}

// New crea el cache indicado y lo envuelve para contar las consultas
func New(name string, cfg Config) (Cache, error) {
	mu.RLock()
	p, ok := providers[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cache provider %q (available: %v)", name, Providers())
	}

	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	inner, err := p(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s cache: %w", name, err)
	}
	return &counted{inner: inner}, nil
}

// Providers lista en orden los nombres de providers registrados
func Providers() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type counted struct {
	inner Cache
}

func (c *counted) Get(key string) ([]byte, bool) {
	v, ok := c.inner.Get(key)
	if ok {
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	return v, ok
}

func (c *counted) Set(key string, value []byte) { c.inner.Set(key, value) }
func (c *counted) Len() int                     { return c.inner.Len() }
func (c *counted) Close() error                 { return c.inner.Close() }
