package cookies

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/repository"
)

// ImportOptions contains options for importing a cookie file
type ImportOptions struct {
	FilePath string `json:"file_path"`
	Host     string `json:"host,omitempty"` // detected from the cookies when empty
	Name     string `json:"name,omitempty"`
	Activate bool   `json:"activate"`
	Force    bool   `json:"force"` // overwrite a profile with the same name
}

// ImportResult is the stored profile plus what validation found
type ImportResult struct {
	Account    *domain.Account   `json:"account"`
	Validation *ValidationResult `json:"validation"`
}

// Importer stores cookie profiles under dir and records them in the repository
type Importer struct {
	accounts repository.AccountRepository
	dir      string
	log      zerolog.Logger
}

func NewImporter(accounts repository.AccountRepository, dir string, log zerolog.Logger) *Importer {
	return &Importer{
		accounts: accounts,
		dir:      dir,
		log:      log.With().Str("component", "cookies").Logger(),
	}
}

// Import copies a Netscape cookie file into the profile store
func (i *Importer) Import(ctx context.Context, opts ImportOptions) (*ImportResult, error) {
	if opts.FilePath == "" {
		return nil, domain.NewInvalidConfigError("file_path", "is required")
	}
	cookies, err := ParseFile(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("parse cookie file: %w", err)
	}
	return i.Store(ctx, cookies, opts)
}

// Store saves already parsed cookies as a profile
func (i *Importer) Store(ctx context.Context, cookies []NetscapeCookie, opts ImportOptions) (*ImportResult, error) {
	host := opts.Host
	if host == "" {
		host = DetectHost(cookies)
		if host == "" {
			return nil, domain.NewInvalidConfigError("host", "could not detect host from cookies, pass one explicitly")
		}
	}
	host, err := HostKey(host)
	if err != nil {
		return nil, domain.NewInvalidConfigError("host", err.Error())
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		if name, err = i.uniqueName(ctx, host, "default"); err != nil {
			return nil, fmt.Errorf("generate profile name: %w", err)
		}
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, domain.NewInvalidConfigError("name", "must not contain path separators")
	}

	existing, err := i.accounts.GetAll(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("check existing profiles: %w", err)
	}
	for _, acc := range existing {
		if acc.Name != name {
			continue
		}
		if !opts.Force {
			return nil, domain.NewInvalidConfigError("name", fmt.Sprintf("profile %s/%s already exists", host, name))
		}
		if err := i.accounts.Delete(ctx, acc.ID); err != nil {
			return nil, fmt.Errorf("delete existing profile: %w", err)
		}
	}

	if err := os.MkdirAll(i.dir, 0700); err != nil {
		return nil, fmt.Errorf("create cookie directory: %w", err)
	}
	path := filepath.Join(i.dir, fmt.Sprintf("%s_%s.txt", host, name))
	if err := WriteFile(path, cookies); err != nil {
		return nil, err
	}

	validation := Validate(cookies, time.Now())
	account := &domain.Account{
		Host:       host,
		Name:       name,
		CookiePath: path,
		ExpiresAt:  validation.ExpiresAt,
		CreatedAt:  time.Now(),
	}
	id, err := i.accounts.Create(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	account.ID = id

	if opts.Activate {
		if err := i.accounts.SetActive(ctx, host, name); err != nil {
			return nil, fmt.Errorf("activate profile: %w", err)
		}
		account.IsActive = true
	}

	i.log.Info().
		Str("host", host).
		Str("name", name).
		Int("cookies", len(cookies)).
		Str("status", validation.Status).
		Bool("active", account.IsActive).
		Msg("Cookie profile imported")

	return &ImportResult{Account: account, Validation: validation}, nil
}

// Activate makes a profile the one used for its host
func (i *Importer) Activate(ctx context.Context, host, name string) error {
	key, err := HostKey(host)
	if err != nil {
		return domain.NewInvalidConfigError("host", err.Error())
	}
	if err := i.accounts.SetActive(ctx, key, name); err != nil {
		return err
	}
	i.log.Info().Str("host", key).Str("name", name).Msg("Cookie profile activated")
	return nil
}

// List returns profiles for host, or all profiles when host is empty
func (i *Importer) List(ctx context.Context, host string) ([]*domain.Account, error) {
	if host != "" {
		key, err := HostKey(host)
		if err != nil {
			return nil, domain.NewInvalidConfigError("host", err.Error())
		}
		host = key
	}
	return i.accounts.GetAll(ctx, host)
}

// uniqueName returns base, or base_2, base_3... if taken
func (i *Importer) uniqueName(ctx context.Context, host, base string) (string, error) {
	existing, err := i.accounts.GetAll(ctx, host)
	if err != nil {
		return "", err
	}

	taken := make(map[string]bool, len(existing))
	for _, acc := range existing {
		taken[acc.Name] = true
	}
	if !taken[base] {
		return base, nil
	}
	for n := 2; n < 1000; n++ {
		name := fmt.Sprintf("%s_%d", base, n)
		if !taken[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("could not generate unique name after 1000 attempts")
}

// Remove deletes a profile and its cookie file
func (i *Importer) Remove(ctx context.Context, host, name string) error {
	acc, err := i.find(ctx, host, name)
	if err != nil {
		return err
	}
	if err := i.accounts.Delete(ctx, acc.ID); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if err := os.Remove(acc.CookiePath); err != nil && !os.IsNotExist(err) {
		i.log.Warn().Err(err).Str("path", acc.CookiePath).Msg("Failed to remove cookie file")
	}

	i.log.Info().Str("host", acc.Host).Str("name", acc.Name).Msg("Cookie profile removed")
	return nil
}

// Validate re-reads the cookie files of every profile for host (all when empty),
// keyed by account id
func (i *Importer) Validate(ctx context.Context, host string) (map[int64]*ValidationResult, error) {
	accounts, err := i.List(ctx, host)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	results := make(map[int64]*ValidationResult, len(accounts))
	for _, acc := range accounts {
		results[acc.ID] = ValidateFile(acc.CookiePath, now)
	}
	return results, nil
}

func (i *Importer) find(ctx context.Context, host, name string) (*domain.Account, error) {
	key, err := HostKey(host)
	if err != nil {
		return nil, domain.NewInvalidConfigError("host", err.Error())
	}
	accounts, err := i.accounts.GetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		if acc.Name == name {
			return acc, nil
		}
	}
	return nil, domain.NewNotFoundError("cookie profile", key+"/"+name)
}
