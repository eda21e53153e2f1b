// Package events difunde a los observadores el ciclo de vida y el progreso de
// las tareas.
//
// La entrega nunca bloquea al publicador: cada suscriptor tiene un buffer
// acotado y los eventos que no entran se descartan y se cuentan. Los eventos
// de una tarea llegan en orden mientras el publicador serialice por tarea.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/metrics"
)

// DefaultBuffer es el largo de cola por suscriptor cuando no se indica otro
const DefaultBuffer = 256

// Filter decide qué eventos recibe un suscriptor
type Filter func(domain.Event) bool

// Publisher es el lado de escritura del bus
type Publisher interface {
	Publish(ev domain.Event)
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    atomic.Uint64
	log    zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscription es la cola de un observador. Se cierra al terminar.
type Subscription struct {
	id      uint64
	ch      chan domain.Event
	filters []Filter
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registra un observador con una cola de tamaño buffer (DefaultBuffer si es <= 0).
// Un evento se entrega solo si todos los filtros lo aceptan.
func (b *Bus) Subscribe(buffer int, filters ...Filter) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		ch:      make(chan domain.Event, buffer),
		filters: filters,
		bus:     b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish sella el evento y lo reparte sin bloquear
func (b *Bus) Publish(ev domain.Event) {
	ev.Seq = b.seq.Add(1)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.accepts(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if sub.dropped.Add(1) == 1 {
				b.log.Warn().Uint64("subscriber", sub.id).Msg("Subscriber is too slow, dropping events")
			}
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

// Subscribers devuelve la cantidad de suscripciones abiertas
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *Subscription) accepts(ev domain.Event) bool {
	for _, f := range s.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

// Events se cierra después de Close
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Dropped informa cuántos eventos no entraron en la cola
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// ForTask acepta los eventos de una tarea
func ForTask(id string) Filter {
	return func(ev domain.Event) bool { return ev.TaskID == id }
}

// OfType acepta los tipos de evento indicados
func OfType(types ...domain.EventType) Filter {
	return func(ev domain.Event) bool {
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}
}
