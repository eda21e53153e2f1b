package repository

import "context"

// SettingsRepository guarda documentos de configuración por clave
type SettingsRepository interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
}
