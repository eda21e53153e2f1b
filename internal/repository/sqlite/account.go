package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/repository"
)

const accountColumns = `id, host, name, cookie_path, is_active, expires_at, last_used, created_at`

// AccountRepository implementa repository.AccountRepository usando SQLite
type AccountRepository struct {
	db *sqlx.DB
}

// Compiletime check: asegura que implementa la interfaz
var _ repository.AccountRepository = (*AccountRepository)(nil)

// NewAccountRepository crea un nuevo repositorio de perfiles de cookies
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// accountRow mapea la tabla SQL a struct Go
type accountRow struct {
	ID         int64         `db:"id"`
	Host       string        `db:"host"`
	Name       string        `db:"name"`
	CookiePath string        `db:"cookie_path"`
	IsActive   int           `db:"is_active"`
	ExpiresAt  sql.NullInt64 `db:"expires_at"`
	LastUsed   sql.NullInt64 `db:"last_used"`
	CreatedAt  int64         `db:"created_at"`
}

// Create inserta un nuevo perfil
func (r *AccountRepository) Create(ctx context.Context, acc *domain.Account) (int64, error) {
	query := `
		INSERT INTO accounts (host, name, cookie_path, is_active, expires_at)
		VALUES (:host, :name, :cookie_path, :is_active, :expires_at)
	`

	isActive := 0
	if acc.IsActive {
		isActive = 1
	}

	var expiresAt interface{}
	if acc.ExpiresAt != nil {
		expiresAt = acc.ExpiresAt.Unix()
	}

	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"host":        acc.Host,
		"name":        acc.Name,
		"cookie_path": acc.CookiePath,
		"is_active":   isActive,
		"expires_at":  expiresAt,
	})
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	return id, nil
}

// GetByID obtiene un perfil por ID
func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*domain.Account, error) {
	var row accountRow

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("account", id)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return accountRowToDomain(&row), nil
}

// Delete elimina un perfil
func (r *AccountRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// GetActive obtiene el perfil activo de un host
func (r *AccountRepository) GetActive(ctx context.Context, host string) (*domain.Account, error) {
	var row accountRow

	query := `
		SELECT ` + accountColumns + ` FROM accounts
		WHERE host = ? AND is_active = 1
		LIMIT 1
	`

	if err := r.db.GetContext(ctx, &row, query, host); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No hay perfil activo (no es error)
		}
		return nil, fmt.Errorf("get active account: %w", err)
	}

	return accountRowToDomain(&row), nil
}

// GetAll obtiene los perfiles de un host, o todos si host es ""
func (r *AccountRepository) GetAll(ctx context.Context, host string) ([]*domain.Account, error) {
	var rows []accountRow

	query := `SELECT ` + accountColumns + ` FROM accounts`
	args := []interface{}{}
	if host != "" {
		query += ` WHERE host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY host, is_active DESC, last_used DESC`

	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("get all accounts: %w", err)
	}

	return accountRowsToDomain(rows), nil
}

// ListHosts lista los hosts con perfiles
func (r *AccountRepository) ListHosts(ctx context.Context) ([]string, error) {
	var hosts []string

	if err := r.db.SelectContext(ctx, &hosts, `SELECT DISTINCT host FROM accounts ORDER BY host`); err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}

	return hosts, nil
}

// SetActive marca un perfil como activo (desactiva los demás del host)
func (r *AccountRepository) SetActive(ctx context.Context, host, name string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active = 0 WHERE host = ?`, host); err != nil {
		return fmt.Errorf("deactivate accounts: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET is_active = 1, last_used = ?
		WHERE host = ? AND name = ?
	`, time.Now().Unix(), host, name)
	if err != nil {
		return fmt.Errorf("activate account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rows == 0 {
		return domain.NewNotFoundError("account", host+"/"+name)
	}

	return tx.Commit()
}

// UpdateLastUsed actualiza el timestamp de último uso
func (r *AccountRepository) UpdateLastUsed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET last_used = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

// Helper: conversión row → domain
func accountRowToDomain(row *accountRow) *domain.Account {
	acc := &domain.Account{
		ID:         row.ID,
		Host:       row.Host,
		Name:       row.Name,
		CookiePath: row.CookiePath,
		IsActive:   row.IsActive == 1,
		CreatedAt:  time.Unix(row.CreatedAt, 0),
	}

	if row.ExpiresAt.Valid {
		t := time.Unix(row.ExpiresAt.Int64, 0)
		acc.ExpiresAt = &t
	}

	if row.LastUsed.Valid {
		t := time.Unix(row.LastUsed.Int64, 0)
		acc.LastUsed = &t
	}

	return acc
}

// Helper: conversión múltiples rows → domain
func accountRowsToDomain(rows []accountRow) []*domain.Account {
	accounts := make([]*domain.Account, 0, len(rows))

	for i := range rows {
		accounts = append(accounts, accountRowToDomain(&rows[i]))
	}

	return accounts
}
