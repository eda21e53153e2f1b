package domain

import "time"

// Account representa un perfil de cookies para un host de descarga
type Account struct {
	ID         int64      `json:"id"`
	Host       string     `json:"host"` // dominio registrable (eTLD+1), p.ej. "example.com"
	Name       string     `json:"name"`
	CookiePath string     `json:"cookie_path"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired retorna true si las cookies del perfil ya caducaron
func (a *Account) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.IsZero() && now.After(*a.ExpiresAt)
}
