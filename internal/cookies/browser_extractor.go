package cookies

import (
	"context"
	"fmt"
	"strings"

	"github.com/browserutils/kooky"
	_ "github.com/browserutils/kooky/browser/chrome"
	_ "github.com/browserutils/kooky/browser/chromium"
	_ "github.com/browserutils/kooky/browser/edge"
	_ "github.com/browserutils/kooky/browser/firefox"
	_ "github.com/browserutils/kooky/browser/opera"
)

// SupportedBrowsers returns a list of supported browser names
func SupportedBrowsers() []string {
	return []string{"chrome", "chromium", "firefox", "edge", "opera"}
}

// ExtractOptions selects which browser cookies to read
type ExtractOptions struct {
	Browser string `json:"browser"` // empty means any browser
	Domain  string `json:"domain"`
}

// Extract reads cookies for a domain and its subdomains from local browser stores
func Extract(ctx context.Context, opts ExtractOptions) ([]NetscapeCookie, error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	browser := strings.ToLower(opts.Browser)

	found, err := kooky.ReadCookies(ctx, kooky.DomainHasSuffix(opts.Domain))
	if err != nil && len(found) == 0 {
		return nil, fmt.Errorf("read cookies from browser: %w", err)
	}

	out := make([]NetscapeCookie, 0, len(found))
	for _, c := range found {
		if browser != "" && c.Browser != nil && !strings.Contains(strings.ToLower(c.Browser.Browser()), browser) {
			continue
		}

		domain := c.Domain
		if domain != "" && !strings.HasPrefix(domain, ".") {
			domain = "." + domain
		}

		expiration := c.Expires.Unix()
		if c.Expires.IsZero() || expiration < 0 {
			expiration = 0
		}

		out = append(out, NetscapeCookie{
			Domain:     domain,
			Flag:       "TRUE",
			Path:       c.Path,
			Secure:     c.Secure,
			Expiration: expiration,
			Name:       c.Name,
			Value:      c.Value,
		})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no cookies found for browser %q and domain %q", opts.Browser, opts.Domain)
	}
	return out, nil
}
