// Package catalog habla con el servicio de catálogo de anime: lista las series
// favoritas con su último episodio y resuelve un episodio a su URL de descarga.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/failsafe-go/failsafe-go/failsafehttp"
	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/cache"
	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/metrics"
)

// Modos de resolución
const (
	ModeJSON = "json"
	ModeHTML = "html"
)

const maxBody = 8 << 20

type Options struct {
	BaseURL         string
	Timeout         time.Duration
	Retries         int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ResolveMode     string
	ResolveSelector string
	UserAgent       string
	// Transport es el round tripper más interno; nil usa un clon de http.DefaultTransport
	Transport http.RoundTripper
}

// StatusError es una respuesta del catálogo fuera de 2xx
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog %s: HTTP %d", e.Op, e.Code)
}

type Client struct {
	base      *url.URL
	http      *http.Client
	mode      string
	selector  string
	userAgent string
	cache     cache.Cache
	log       zerolog.Logger
}

// New crea un cliente del catálogo. resolved puede ser nil para no cachear.
func New(opts Options, resolved cache.Cache, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid catalog base url %q", opts.BaseURL)
	}

	mode := strings.ToLower(opts.ResolveMode)
	switch mode {
	case "":
		mode = ModeJSON
	case ModeJSON, ModeHTML:
	default:
		return nil, fmt.Errorf("invalid resolve mode %q", opts.ResolveMode)
	}
	if mode == ModeHTML && opts.ResolveSelector == "" {
		return nil, errors.New("html resolve mode needs a selector")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = 10 * opts.RetryBaseDelay
	}

	inner := opts.Transport
	if inner == nil {
		inner = http.DefaultTransport.(*http.Transport).Clone()
	}

	// 429, 5xx y errores de conexión se reintentan respetando Retry-After
	retry := failsafehttp.NewRetryPolicyBuilder().
		WithBackoff(opts.RetryBaseDelay, opts.RetryMaxDelay).
		WithMaxRetries(opts.Retries).
		ReturnLastFailure().
		Build()

	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: failsafehttp.NewRoundTripper(newDecompressingTransport(inner), retry),
		},
		mode:      mode,
		selector:  opts.ResolveSelector,
		userAgent: opts.UserAgent,
		cache:     resolved,
		log:       log.With().Str("component", "catalog").Logger(),
	}, nil
}

type wireEpisode struct {
	ID     json.RawMessage `json:"id"`
	Number json.RawMessage `json:"number"`
	Title  string          `json:"title"`
}

type wireFavorite struct {
	AnimeID json.RawMessage `json:"anime_id"`
	Title   string          `json:"title"`
	Year    json.RawMessage `json:"year"`
	Season  string          `json:"season"`
	Latest  *wireEpisode    `json:"latest_episode"`
}

// Favorites devuelve las series favoritas del usuario con su último episodio
func (c *Client) Favorites(ctx context.Context) ([]domain.Favorite, error) {
	resp, err := c.get(ctx, "favorites", c.endpoint("favorites"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []wireFavorite
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&raw); err != nil {
		metrics.CatalogRequestsTotal.WithLabelValues("favorites", "decode_error").Inc()
		return nil, fmt.Errorf("decode favorites: %w", err)
	}

	favorites := make([]domain.Favorite, 0, len(raw))
	for _, f := range raw {
		fav := domain.Favorite{
			AnimeID: scalar(f.AnimeID),
			Title:   strings.TrimSpace(f.Title),
			Year:    scalar(f.Year),
			Season:  f.Season,
		}
		if f.Latest != nil {
			fav.Latest = &domain.Episode{
				ID:     scalar(f.Latest.ID),
				Number: scalar(f.Latest.Number),
				Title:  strings.TrimSpace(f.Latest.Title),
			}
		}
		favorites = append(favorites, fav)
	}

	c.log.Debug().Int("count", len(favorites)).Msg("Fetched favorites")
	return favorites, nil
}

// ResolveEpisode devuelve la URL de descarga de un episodio. El resultado se cachea.
func (c *Client) ResolveEpisode(ctx context.Context, animeID, episodeID string) (string, error) {
	key := animeID + "/" + episodeID
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			return string(v), nil
		}
	}

	page := c.endpoint("anime", animeID, "episodes", episodeID, "source")
	resp, err := c.get(ctx, "resolve", page)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	pageURL, _ := url.Parse(page)
	if resp.Request != nil {
		pageURL = resp.Request.URL
	}

	var target string
	switch c.mode {
	case ModeHTML:
		target, err = c.fromHTML(resp.Body, pageURL)
	default:
		target, err = fromJSON(resp.Body)
	}
	if err != nil {
		metrics.CatalogRequestsTotal.WithLabelValues("resolve", "decode_error").Inc()
		return "", fmt.Errorf("resolve episode %s: %w", key, err)
	}

	if c.cache != nil {
		c.cache.Set(key, []byte(target))
	}
	return target, nil
}

func fromJSON(body io.Reader) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(body, maxBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode source: %w", err)
	}
	return checkURL(out.URL)
}

func (c *Client) fromHTML(body io.Reader, page *url.URL) (string, error) {
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, maxBody))
	if err != nil {
		return "", fmt.Errorf("parse source page: %w", err)
	}

	sel := doc.Find(c.selector).First()
	if sel.Length() == 0 {
		return "", fmt.Errorf("no element matches %q", c.selector)
	}

	ref, ok := sel.Attr("href")
	if !ok {
		ref, ok = sel.Attr("src")
	}
	if !ok || strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("element %q has no href or src", c.selector)
	}

	u, err := page.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse link %q: %w", ref, err)
	}
	return checkURL(u.String())
}

func checkURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("source is not an http(s) url: %q", raw)
	}
	return u.String(), nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	path, raw := u.Path, u.EscapedPath()
	for _, p := range parts {
		path += "/" + p
		raw += "/" + url.PathEscape(p)
	}
	u.Path, u.RawPath = path, raw
	return u.String()
}

func (c *Client) get(ctx context.Context, op, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.CatalogRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("catalog %s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		metrics.CatalogRequestsTotal.WithLabelValues(op, "http_error").Inc()
		return nil, &StatusError{Op: op, Code: resp.StatusCode}
	}

	metrics.CatalogRequestsTotal.WithLabelValues(op, "ok").Inc()
	return resp, nil
}

// scalar pasa a texto un string o número JSON
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
