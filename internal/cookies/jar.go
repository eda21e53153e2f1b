package cookies

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/repository"
)

// Jar hands the active profile's cookies to download requests
type Jar struct {
	accounts repository.AccountRepository
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	parsed map[string]parsedFile
}

type parsedFile struct {
	modTime time.Time
	cookies []NetscapeCookie
}

func NewJar(accounts repository.AccountRepository, log zerolog.Logger) *Jar {
	return &Jar{
		accounts: accounts,
		log:      log.With().Str("component", "cookies").Logger(),
		now:      time.Now,
		parsed:   make(map[string]parsedFile),
	}
}

// CookiesFor returns the unexpired cookies of the active profile for u's
// registrable domain that match u's host, path and scheme
func (j *Jar) CookiesFor(ctx context.Context, u *url.URL) ([]*http.Cookie, error) {
	key, err := HostKey(u.Hostname())
	if err != nil {
		// IP addresses and bare hostnames have no profiles
		return nil, nil
	}

	account, err := j.accounts.GetActive(ctx, key)
	if err != nil || account == nil {
		return nil, err
	}

	now := j.now()
	if account.Expired(now) {
		j.log.Warn().Str("host", key).Str("name", account.Name).Msg("Active cookie profile has expired cookies")
	}

	stored, err := j.load(account.CookiePath)
	if err != nil {
		return nil, err
	}

	host := strings.ToLower(u.Hostname())
	var out []*http.Cookie
	for _, c := range stored {
		if c.Expired(now) || (c.Secure && u.Scheme != "https") {
			continue
		}
		if !domainMatch(host, c.Domain) || !pathMatch(u.EscapedPath(), c.Path) {
			continue
		}
		// net/http refuses values with these characters
		if strings.ContainsAny(c.Value, "\\\";") {
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}

	if err := j.accounts.UpdateLastUsed(ctx, account.ID); err != nil {
		j.log.Debug().Err(err).Int64("account_id", account.ID).Msg("Failed to update last used")
	}
	return out, nil
}

// load parses a cookie file once per modification
func (j *Jar) load(path string) ([]NetscapeCookie, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if p, ok := j.parsed[path]; ok && p.modTime.Equal(info.ModTime()) {
		return p.cookies, nil
	}

	cookies, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	j.parsed[path] = parsedFile{modTime: info.ModTime(), cookies: cookies}
	return cookies, nil
}

func domainMatch(host, cookieDomain string) bool {
	d := strings.ToLower(strings.TrimPrefix(cookieDomain, "."))
	return host == d || strings.HasSuffix(host, "."+d)
}

func pathMatch(reqPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if reqPath == "" {
		reqPath = "/"
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return len(reqPath) == len(cookiePath) || strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}
