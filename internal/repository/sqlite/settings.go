package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/elsanchez/autofetch/internal/repository"
)

// SettingsRepository implementa repository.SettingsRepository usando SQLite
type SettingsRepository struct {
	db *sqlx.DB
}

// Compiletime check: asegura que implementa la interfaz
var _ repository.SettingsRepository = (*SettingsRepository)(nil)

// NewSettingsRepository crea un nuevo repositorio de configuración
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Load obtiene el valor de una clave; el bool indica si existe
func (r *SettingsRepository) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var value string

	if err := r.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load setting %s: %w", key, err)
	}

	return []byte(value), true, nil
}

// Save inserta o reemplaza el valor de una clave
func (r *SettingsRepository) Save(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	if _, err := r.db.ExecContext(ctx, query, key, string(value), time.Now().Unix()); err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}

	return nil
}
