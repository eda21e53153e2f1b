package domain

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Límites de la configuración
const (
	MaxConcurrentLimit = 16
	MaxRetryAttempts   = 20
)

// Temporadas reconocidas por los filtros
var knownSeasons = map[string]bool{
	"winter": true,
	"spring": true,
	"summer": true,
	"fall":   true,
}

var yearPattern = regexp.MustCompile(`^\d{4}$`)

// Filters restringe qué series descarga el monitor; vacío = sin restricción
type Filters struct {
	Years   []string `json:"years"`
	Seasons []string `json:"seasons"`
}

// AutoDownloadConfig es la configuración de descargas editable en caliente
type AutoDownloadConfig struct {
	Enabled                bool    `json:"enabled"`
	DownloadPath           string  `json:"download_path"`
	Filters                Filters `json:"filters"`
	MaxConcurrentDownloads int     `json:"max_concurrent_downloads"`
	RetryAttempts          int     `json:"retry_attempts"`
}

// Validate verifica todos los campos
func (c AutoDownloadConfig) Validate() error {
	if err := ValidateDownloadPath(c.DownloadPath); err != nil {
		return err
	}
	if err := ValidateMaxConcurrent(c.MaxConcurrentDownloads); err != nil {
		return err
	}
	if err := ValidateRetryAttempts(c.RetryAttempts); err != nil {
		return err
	}
	_, err := NormalizeFilters(c.Filters)
	return err
}

// Clone copia los slices de filtros
func (c AutoDownloadConfig) Clone() AutoDownloadConfig {
	c.Filters.Years = append([]string(nil), c.Filters.Years...)
	c.Filters.Seasons = append([]string(nil), c.Filters.Seasons...)
	return c
}

func ValidateDownloadPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return NewInvalidConfigError("download_path", "must not be empty")
	}
	if !filepath.IsAbs(path) {
		return NewInvalidConfigError("download_path", "must be an absolute path")
	}
	return nil
}

func ValidateMaxConcurrent(n int) error {
	if n < 1 || n > MaxConcurrentLimit {
		return NewInvalidConfigError("max_concurrent_downloads", "must be between 1 and 16")
	}
	return nil
}

func ValidateRetryAttempts(n int) error {
	if n < 0 || n > MaxRetryAttempts {
		return NewInvalidConfigError("retry_attempts", "must be between 0 and 20")
	}
	return nil
}

// NormalizeFilters valida, deduplica y ordena los filtros.
// Las temporadas se guardan en minúsculas y "autumn" se acepta como "fall".
func NormalizeFilters(f Filters) (Filters, error) {
	years := make(map[string]bool)
	for _, y := range f.Years {
		y = strings.TrimSpace(y)
		if !yearPattern.MatchString(y) {
			return Filters{}, NewInvalidConfigError("filters.years", "invalid year "+quote(y))
		}
		years[y] = true
	}

	seasons := make(map[string]bool)
	for _, s := range f.Seasons {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "autumn" {
			s = "fall"
		}
		if !knownSeasons[s] {
			return Filters{}, NewInvalidConfigError("filters.seasons", "unknown season "+quote(s))
		}
		seasons[s] = true
	}

	return Filters{Years: sortedKeys(years), Seasons: sortedKeys(seasons)}, nil
}

// Match retorna true si year/season pasan los filtros
func (f Filters) Match(year, season string) bool {
	if len(f.Years) > 0 && !contains(f.Years, strings.TrimSpace(year)) {
		return false
	}
	if len(f.Seasons) > 0 {
		s := strings.ToLower(strings.TrimSpace(season))
		if s == "autumn" {
			s = "fall"
		}
		if !contains(f.Seasons, s) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func quote(s string) string {
	return `"` + s + `"`
}
