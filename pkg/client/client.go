package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elsanchez/autofetch/internal/cookies"
	"github.com/elsanchez/autofetch/internal/daemon"
	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/monitor"
)

const defaultTimeout = 30 * time.Second

// GetDefaultSocketPath retorna el path del socket usando XDG_RUNTIME_DIR.
// AUTOFETCH_SOCKET_PATH tiene prioridad.
func GetDefaultSocketPath() string {
	if path := os.Getenv("AUTOFETCH_SOCKET_PATH"); path != "" {
		return path
	}

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		// Fallback: construir con UID
		runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}

	return filepath.Join(runtimeDir, "autofetch.sock")
}

// Client representa un cliente del daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient crea un cliente con socket path personalizado
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultTimeout}
}

// NewDefaultClient crea un cliente con el socket path por defecto
func NewDefaultClient() *Client {
	return NewClient(GetDefaultSocketPath())
}

// Request y Response son los del protocolo del daemon
type (
	Request  = daemon.Request
	Response = daemon.Response
)

// Payloads reexportados para quien use el cliente
type (
	AddPayload       = daemon.AddPayload
	ConfigSetPayload = daemon.ConfigSetPayload
	ExtractPayload   = daemon.ExtractPayload
	SubscribePayload = daemon.SubscribePayload
	Stats            = daemon.Stats
)

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w (is autofetchd running?)", err)
	}
	return conn, nil
}

func newRequest(action string, payload interface{}) (*Request, error) {
	req := &Request{Action: action}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = raw
	}
	return req, nil
}

// Send envía una petición al daemon y retorna la respuesta
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &resp, nil
}

// call envía action y decodifica los datos en out. Los errores con código
// se convierten en *domain.CodeError para que errors.Is funcione.
func (c *Client) call(ctx context.Context, action string, payload, out interface{}) error {
	req, err := newRequest(action, payload)
	if err != nil {
		return err
	}

	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return responseError(action, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", action, err)
	}
	return nil
}

func responseError(action string, resp *Response) error {
	if resp.Code != "" {
		return &domain.CodeError{Code: resp.Code, Message: resp.Error}
	}
	return fmt.Errorf("%s failed: %s", action, resp.Error)
}

// Ping verifica que el daemon responde
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Add encola una descarga manual
func (c *Client) Add(ctx context.Context, payload AddPayload) (*domain.TaskView, error) {
	var task domain.TaskView
	if err := c.call(ctx, "add", payload, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Get obtiene una tarea por ID
func (c *Client) Get(ctx context.Context, id string) (*domain.TaskView, error) {
	return c.taskAction(ctx, "get", id)
}

// List lista las tareas, opcionalmente filtradas por estado
func (c *Client) List(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.TaskView, error) {
	var result daemon.ListResult
	if err := c.call(ctx, "list", daemon.ListPayload{Statuses: statuses}, &result); err != nil {
		return nil, err
	}
	return result.Tasks, nil
}

// Pause pausa una tarea conservando lo descargado
func (c *Client) Pause(ctx context.Context, id string) (*domain.TaskView, error) {
	return c.taskAction(ctx, "pause", id)
}

// Resume devuelve una tarea pausada o fallida a la cola
func (c *Client) Resume(ctx context.Context, id string) (*domain.TaskView, error) {
	return c.taskAction(ctx, "resume", id)
}

// Cancel cancela una tarea y descarta el archivo parcial
func (c *Client) Cancel(ctx context.Context, id string) (*domain.TaskView, error) {
	return c.taskAction(ctx, "cancel", id)
}

// Remove borra una tarea que no está descargando
func (c *Client) Remove(ctx context.Context, id string) (*domain.TaskView, error) {
	return c.taskAction(ctx, "remove", id)
}

func (c *Client) taskAction(ctx context.Context, action, id string) (*domain.TaskView, error) {
	var task domain.TaskView
	if err := c.call(ctx, action, daemon.IDPayload{ID: id}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Stats retorna conteos por estado y uso de workers
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.call(ctx, "stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Config retorna la configuración de descargas actual
func (c *Client) Config(ctx context.Context) (*domain.AutoDownloadConfig, error) {
	var cfg domain.AutoDownloadConfig
	if err := c.call(ctx, "config.get", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetConfig cambia los campos presentes en payload
func (c *Client) SetConfig(ctx context.Context, payload ConfigSetPayload) (*domain.AutoDownloadConfig, error) {
	var cfg domain.AutoDownloadConfig
	if err := c.call(ctx, "config.set", payload, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Poll fuerza una pasada del monitor
func (c *Client) Poll(ctx context.Context) (*monitor.PollResult, error) {
	var res monitor.PollResult
	if err := c.call(ctx, "monitor.poll", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ImportCookies importa un archivo de cookies Netscape como perfil
func (c *Client) ImportCookies(ctx context.Context, opts cookies.ImportOptions) (*cookies.ImportResult, error) {
	// El daemon lee el archivo, así que la ruta tiene que ser absoluta
	if opts.FilePath != "" {
		if abs, err := filepath.Abs(opts.FilePath); err == nil {
			opts.FilePath = abs
		}
	}

	var res cookies.ImportResult
	if err := c.call(ctx, "cookies.import", opts, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExtractCookies lee cookies de un navegador local y las guarda como perfil
func (c *Client) ExtractCookies(ctx context.Context, payload ExtractPayload) (*cookies.ImportResult, error) {
	var res cookies.ImportResult
	if err := c.call(ctx, "cookies.extract", payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListCookies lista los perfiles de un host, o todos si host es ""
func (c *Client) ListCookies(ctx context.Context, host string) ([]*domain.Account, error) {
	var res daemon.ProfilesResult
	if err := c.call(ctx, "cookies.list", daemon.HostPayload{Host: host}, &res); err != nil {
		return nil, err
	}
	return res.Accounts, nil
}

// ActivateCookies marca un perfil como el activo de su host
func (c *Client) ActivateCookies(ctx context.Context, host, name string) error {
	return c.call(ctx, "cookies.activate", daemon.HostPayload{Host: host, Name: name}, nil)
}

// RemoveCookies borra un perfil y su archivo
func (c *Client) RemoveCookies(ctx context.Context, host, name string) error {
	return c.call(ctx, "cookies.remove", daemon.HostPayload{Host: host, Name: name}, nil)
}

// ValidateCookies revisa la expiración de los perfiles, por ID de perfil
func (c *Client) ValidateCookies(ctx context.Context, host string) (map[int64]*cookies.ValidationResult, error) {
	res := make(map[int64]*cookies.ValidationResult)
	if err := c.call(ctx, "cookies.validate", daemon.HostPayload{Host: host}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Stream es una suscripción abierta a los eventos del daemon
type Stream struct {
	conn   net.Conn
	events chan domain.Event
	err    error
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// Subscribe abre una conexión que recibe eventos hasta Close o hasta que
// ctx se cancele
func (c *Client) Subscribe(ctx context.Context, payload SubscribePayload) (*Stream, error) {
	req, err := newRequest("subscribe", payload)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(c.timeout))
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode request: %w", err)
	}

	dec := json.NewDecoder(bufio.NewReader(conn))
	var ack Response
	if err := dec.Decode(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !ack.Success {
		conn.Close()
		return nil, responseError("subscribe", &ack)
	}
	conn.SetDeadline(time.Time{})

	s := &Stream{
		conn:   conn,
		events: make(chan domain.Event, 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.read(dec)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (s *Stream) read(dec *json.Decoder) {
	defer close(s.done)
	defer close(s.events)

	for {
		var ev domain.Event
		if err := dec.Decode(&ev); err != nil {
			s.err = err
			return
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}

// Events se cierra cuando la conexión termina
func (s *Stream) Events() <-chan domain.Event {
	return s.events
}

// Err retorna por qué terminó el stream; válido tras cerrarse Events
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close cierra la conexión; el daemon libera la suscripción al detectar EOF
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
