package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/cookies"
	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/metrics"
	"github.com/elsanchez/autofetch/internal/monitor"
	"github.com/elsanchez/autofetch/internal/settings"
	"github.com/elsanchez/autofetch/internal/tasks"
)

// Poller ejecuta una pasada del monitor bajo demanda
type Poller interface {
	Poll(ctx context.Context) (*monitor.PollResult, error)
}

// ExtractFunc lee cookies de un navegador local
type ExtractFunc func(ctx context.Context, opts cookies.ExtractOptions) ([]cookies.NetscapeCookie, error)

// HandlerFunc atiende una acción y retorna los datos de la respuesta
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Handlers maneja las peticiones del servidor
type Handlers struct {
	tasks     *tasks.Store
	scheduler *Scheduler
	settings  *settings.Store
	monitor   Poller
	importer  *cookies.Importer
	extract   ExtractFunc
	log       zerolog.Logger

	routes map[string]HandlerFunc
}

// NewHandlers crea un nuevo conjunto de handlers. monitor puede ser nil.
func NewHandlers(
	store *tasks.Store,
	scheduler *Scheduler,
	settingsStore *settings.Store,
	poller Poller,
	importer *cookies.Importer,
	log zerolog.Logger,
) *Handlers {
	h := &Handlers{
		tasks:     store,
		scheduler: scheduler,
		settings:  settingsStore,
		monitor:   poller,
		importer:  importer,
		extract:   cookies.Extract,
		log:       log.With().Str("component", "handlers").Logger(),
	}

	h.routes = map[string]HandlerFunc{
		"ping":             h.handlePing,
		"add":              h.handleAdd,
		"get":              h.handleGet,
		"list":             h.handleList,
		"pause":            h.taskAction(h.scheduler.Pause),
		"resume":           h.taskAction(h.scheduler.Resume),
		"cancel":           h.taskAction(h.scheduler.Cancel),
		"remove":           h.taskAction(h.scheduler.Remove),
		"stats":            h.handleStats,
		"config.get":       h.handleConfigGet,
		"config.set":       h.handleConfigSet,
		"monitor.poll":     h.handlePoll,
		"cookies.import":   h.handleCookiesImport,
		"cookies.extract":  h.handleCookiesExtract,
		"cookies.list":     h.handleCookiesList,
		"cookies.activate": h.handleCookiesActivate,
		"cookies.remove":   h.handleCookiesRemove,
		"cookies.validate": h.handleCookiesValidate,
	}
	return h
}

// Handle enruta una petición y construye la respuesta
func (h *Handlers) Handle(ctx context.Context, req Request) Response {
	start := time.Now()

	fn, ok := h.routes[req.Action]
	if !ok {
		metrics.SocketRequestsTotal.WithLabelValues("unknown", "error").Inc()
		return Response{Success: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}

	data, err := fn(ctx, req.Payload)
	metrics.SocketRequestDuration.WithLabelValues(req.Action).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SocketRequestsTotal.WithLabelValues(req.Action, "error").Inc()
		h.log.Debug().Err(err).Str("action", req.Action).Msg("Request failed")
		return errorResponse(err)
	}
	metrics.SocketRequestsTotal.WithLabelValues(req.Action, "ok").Inc()

	raw, err := json.Marshal(data)
	if err != nil {
		return errorResponse(fmt.Errorf("encode response: %w", err))
	}
	return Response{Success: true, Data: raw}
}

// errorResponse incluye el código estable cuando el error es de dominio
func errorResponse(err error) Response {
	return Response{Success: false, Error: err.Error(), Code: domain.ErrorCode(err)}
}

// decode acepta payload vacío para acciones con campos opcionales
func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (h *Handlers) handlePing(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]string{"message": "pong"}, nil
}

// AddPayload es el payload para añadir una descarga manual
type AddPayload struct {
	URL          string `json:"url"`
	Filename     string `json:"filename,omitempty"`
	DestDir      string `json:"dest_dir,omitempty"`
	Title        string `json:"title,omitempty"`
	EpisodeTitle string `json:"episode_title,omitempty"`
	AnimeID      string `json:"anime_id,omitempty"`
	EpisodeID    string `json:"episode_id,omitempty"`
}

func (h *Handlers) handleAdd(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req AddPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.URL == "" {
		return nil, errors.New("url is required")
	}

	// Sin destino explícito se usa la ruta configurada, por serie si hay título
	dest := req.DestDir
	if dest == "" {
		dest = h.settings.DownloadPath()
		if req.Title != "" {
			dest = monitor.SeriesDir(dest, req.Title)
		}
	}

	task, err := h.tasks.Create(ctx, tasks.NewTask{
		AnimeID:      req.AnimeID,
		EpisodeID:    req.EpisodeID,
		Title:        req.Title,
		EpisodeTitle: req.EpisodeTitle,
		URL:          req.URL,
		Filename:     monitor.FilenameFromURL(req.URL, req.Filename),
		DestDir:      dest,
		Source:       domain.SourceManual,
	})
	if err != nil {
		return nil, err
	}
	return task.View(), nil
}

// IDPayload identifica una tarea
type IDPayload struct {
	ID string `json:"id"`
}

func (h *Handlers) handleGet(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req IDPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, errors.New("id is required")
	}

	task, err := h.tasks.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return task.View(), nil
}

// taskAction adapta una operación del scheduler sobre una tarea
func (h *Handlers) taskAction(op func(context.Context, string) (*domain.DownloadTask, error)) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var req IDPayload
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.ID == "" {
			return nil, errors.New("id is required")
		}

		task, err := op(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return task.View(), nil
	}
}

// ListPayload filtra el listado por estado
type ListPayload struct {
	Statuses []domain.TaskStatus `json:"statuses,omitempty"`
}

// ListResult es la respuesta de list
type ListResult struct {
	Tasks []*domain.TaskView `json:"tasks"`
	Count int                `json:"count"`
}

func (h *Handlers) handleList(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req ListPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	for _, st := range req.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status: %s", st)
		}
	}

	list, err := h.tasks.List(ctx, req.Statuses...)
	if err != nil {
		return nil, err
	}

	views := make([]*domain.TaskView, 0, len(list))
	for _, t := range list {
		views = append(views, t.View())
	}
	return ListResult{Tasks: views, Count: len(views)}, nil
}

func (h *Handlers) handleStats(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return h.scheduler.Stats(ctx)
}

func (h *Handlers) handleConfigGet(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return h.settings.Get(), nil
}

// ConfigSetPayload cambia solo los campos presentes
type ConfigSetPayload struct {
	Enabled                *bool           `json:"enabled,omitempty"`
	DownloadPath           *string         `json:"download_path,omitempty"`
	Filters                *domain.Filters `json:"filters,omitempty"`
	MaxConcurrentDownloads *int            `json:"max_concurrent_downloads,omitempty"`
	RetryAttempts          *int            `json:"retry_attempts,omitempty"`
}

func (h *Handlers) handleConfigSet(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req ConfigSetPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	return h.settings.Update(ctx, func(c *domain.AutoDownloadConfig) {
		if req.Enabled != nil {
			c.Enabled = *req.Enabled
		}
		if req.DownloadPath != nil {
			c.DownloadPath = *req.DownloadPath
		}
		if req.Filters != nil {
			c.Filters = *req.Filters
		}
		if req.MaxConcurrentDownloads != nil {
			c.MaxConcurrentDownloads = *req.MaxConcurrentDownloads
		}
		if req.RetryAttempts != nil {
			c.RetryAttempts = *req.RetryAttempts
		}
	})
}

func (h *Handlers) handlePoll(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	if h.monitor == nil {
		return nil, errors.New("monitor is not configured (set catalog.base_url)")
	}
	return h.monitor.Poll(ctx)
}

func (h *Handlers) handleCookiesImport(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req cookies.ImportOptions
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return h.importer.Import(ctx, req)
}

// ExtractPayload extrae cookies de un navegador y las guarda como perfil
type ExtractPayload struct {
	Browser  string `json:"browser,omitempty"`
	Domain   string `json:"domain"`
	Host     string `json:"host,omitempty"`
	Name     string `json:"name,omitempty"`
	Activate bool   `json:"activate"`
	Force    bool   `json:"force"`
}

func (h *Handlers) handleCookiesExtract(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req ExtractPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Domain == "" {
		return nil, domain.NewInvalidConfigError("domain", "is required")
	}

	found, err := h.extract(ctx, cookies.ExtractOptions{Browser: req.Browser, Domain: req.Domain})
	if err != nil {
		return nil, err
	}

	host := req.Host
	if host == "" {
		host = req.Domain
	}
	return h.importer.Store(ctx, found, cookies.ImportOptions{
		Host:     host,
		Name:     req.Name,
		Activate: req.Activate,
		Force:    req.Force,
	})
}

// HostPayload selecciona perfiles por host
type HostPayload struct {
	Host string `json:"host,omitempty"`
	Name string `json:"name,omitempty"`
}

// ProfilesResult es la respuesta de cookies.list
type ProfilesResult struct {
	Accounts []*domain.Account `json:"accounts"`
	Count    int               `json:"count"`
}

func (h *Handlers) handleCookiesList(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req HostPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	accounts, err := h.importer.List(ctx, req.Host)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []*domain.Account{}
	}
	return ProfilesResult{Accounts: accounts, Count: len(accounts)}, nil
}

func (h *Handlers) handleCookiesActivate(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req HostPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Host == "" || req.Name == "" {
		return nil, domain.NewInvalidConfigError("host", "host and name are required")
	}

	if err := h.importer.Activate(ctx, req.Host, req.Name); err != nil {
		return nil, err
	}
	return req, nil
}

func (h *Handlers) handleCookiesRemove(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req HostPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Host == "" || req.Name == "" {
		return nil, domain.NewInvalidConfigError("host", "host and name are required")
	}

	if err := h.importer.Remove(ctx, req.Host, req.Name); err != nil {
		return nil, err
	}
	return req, nil
}

func (h *Handlers) handleCookiesValidate(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req HostPayload
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	return h.importer.Validate(ctx, req.Host)
}
