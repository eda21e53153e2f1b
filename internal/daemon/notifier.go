package daemon

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/events"
)

// cancelledMessage es el error que deja una cancelación del usuario
const cancelledMessage = "cancelled"

// CommandRunner ejecuta un comando externo
type CommandRunner func(ctx context.Context, name string, args ...string) error

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Notifier envía notificaciones de escritorio cuando una tarea termina
type Notifier struct {
	bus *events.Bus
	run CommandRunner
	log zerolog.Logger

	sub  *events.Subscription
	done chan struct{}
	once sync.Once
}

// NewNotifier crea un notifier; run nil usa notify-send real
func NewNotifier(bus *events.Bus, run CommandRunner, log zerolog.Logger) *Notifier {
	if run == nil {
		run = runCommand
	}
	return &Notifier{
		bus:  bus,
		run:  run,
		log:  log.With().Str("component", "notifier").Logger(),
		done: make(chan struct{}),
	}
}

// Start se suscribe a los cambios de estado
func (n *Notifier) Start() {
	n.sub = n.bus.Subscribe(64, events.OfType(domain.EventTaskStatus))
	go n.loop()
}

// Stop cancela la suscripción y espera al loop
func (n *Notifier) Stop() {
	n.once.Do(func() {
		if n.sub == nil {
			return
		}
		n.sub.Close()
		<-n.done
	})
}

func (n *Notifier) loop() {
	defer close(n.done)

	for ev := range n.sub.Events() {
		title, message, ok := notification(ev)
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.run(ctx, "notify-send", title, message); err != nil {
			n.log.Warn().Err(err).Str("task_id", ev.TaskID).Msg("Failed to send notification")
		}
		cancel()
	}
}

// notification decide el texto para un evento; ok=false si no se notifica
func notification(ev domain.Event) (title, message string, ok bool) {
	if ev.Task == nil {
		return "", "", false
	}

	switch ev.Status {
	case domain.StatusCompleted:
		return "Download Complete", fmt.Sprintf("Ready: %s", filepath.Join(ev.Task.DestDir, ev.Task.Filename)), true
	case domain.StatusError:
		if ev.Task.ErrorMessage == cancelledMessage {
			return "", "", false
		}
		return "Download Failed", fmt.Sprintf("%s: %s", ev.Task.Filename, ev.Task.ErrorMessage), true
	default:
		return "", "", false
	}
}
