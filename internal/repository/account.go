package repository

import (
	"context"

	"github.com/elsanchez/autofetch/internal/domain"
)

// AccountRepository define las operaciones sobre perfiles de cookies
type AccountRepository interface {
	// CRUD básico
	Create(ctx context.Context, acc *domain.Account) (int64, error)
	GetByID(ctx context.Context, id int64) (*domain.Account, error)
	Delete(ctx context.Context, id int64) error

	// Queries especializadas
	GetActive(ctx context.Context, host string) (*domain.Account, error)
	GetAll(ctx context.Context, host string) ([]*domain.Account, error)
	ListHosts(ctx context.Context) ([]string, error)

	// Gestión de perfil activo
	SetActive(ctx context.Context, host, name string) error
	UpdateLastUsed(ctx context.Context, id int64) error
}
