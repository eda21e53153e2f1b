package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/events"
)

const (
	requestTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
)

// Server es el servidor Unix socket
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   *Handlers
	bus        *events.Bus
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Request representa una petición al daemon
type Request struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response representa una respuesta del daemon
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// SubscribePayload filtra los eventos de subscribe
type SubscribePayload struct {
	TaskID string             `json:"task_id,omitempty"`
	Types  []domain.EventType `json:"types,omitempty"`
}

// NewServer crea un nuevo servidor
func NewServer(socketPath string, handlers *Handlers, bus *events.Bus, log zerolog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   handlers,
		bus:        bus,
		log:        log.With().Str("component", "server").Logger(),
	}
}

// Start inicia el servidor
func (s *Server) Start(ctx context.Context) error {
	// Crear directorio para socket
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Limpiar socket anterior si existe
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	s.listener = listener

	// Permisos del socket
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info().Str("socket", s.socketPath).Msg("Server listening")

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// acceptLoop acepta conexiones entrantes
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Msg("Accept error")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection atiende una petición por conexión
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(requestTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.send(conn, Response{Success: false, Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	conn.SetReadDeadline(time.Time{})

	s.log.Debug().Str("action", req.Action).Msg("Received request")

	if req.Action == "subscribe" {
		s.stream(conn, req.Payload)
		return
	}

	s.send(conn, s.handlers.Handle(s.ctx, req))
}

// stream envía eventos como JSON por línea hasta que el cliente cierra
func (s *Server) stream(conn net.Conn, payload json.RawMessage) {
	var req SubscribePayload
	if err := decode(payload, &req); err != nil {
		s.send(conn, errorResponse(err))
		return
	}

	var filters []events.Filter
	if req.TaskID != "" {
		filters = append(filters, events.ForTask(req.TaskID))
	}
	if len(req.Types) > 0 {
		filters = append(filters, events.OfType(req.Types...))
	}

	sub := s.bus.Subscribe(events.DefaultBuffer, filters...)
	defer sub.Close()

	if !s.send(conn, Response{Success: true, Data: json.RawMessage(`{"subscribed":true}`)}) {
		return
	}

	// El cliente no envía nada más; EOF significa que se fue
	gone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, conn)
		close(gone)
	}()

	enc := json.NewEncoder(conn)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-gone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := enc.Encode(ev); err != nil {
				s.log.Debug().Err(err).Msg("Subscriber write failed")
				return
			}
		}
	}
}

// send escribe la respuesta; false si la conexión falló
func (s *Server) send(conn net.Conn, resp Response) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug().Err(err).Msg("Failed to encode response")
		return false
	}
	return true
}

// Stop cierra el listener y espera a las conexiones abiertas
func (s *Server) Stop() error {
	s.log.Info().Msg("Server stopping")
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	return err
}
