package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/autofetch/internal/domain"
)

func TestBus_DeliversInOrderPerTask(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(100)
	defer sub.Close()

	statuses := []domain.TaskStatus{domain.StatusPending, domain.StatusDownloading, domain.StatusCompleted}
	for _, s := range statuses {
		bus.Publish(domain.Event{Type: domain.EventTaskStatus, TaskID: "a", Status: s})
	}

	var lastSeq uint64
	for _, want := range statuses {
		ev := <-sub.Events()
		assert.Equal(t, want, ev.Status)
		assert.Greater(t, ev.Seq, lastSeq)
		assert.False(t, ev.OccurredAt.IsZero())
		lastSeq = ev.Seq
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	slow := bus.Subscribe(2)
	defer slow.Close()
	fast := bus.Subscribe(100)
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(domain.Event{Type: domain.EventTaskProgress, TaskID: "a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	assert.Equal(t, uint64(8), slow.Dropped())
	assert.Len(t, fast.Events(), 10)
	assert.Zero(t, fast.Dropped())
}

func TestBus_Filters(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(10, ForTask("b"), OfType(domain.EventTaskStatus))
	defer sub.Close()

	bus.Publish(domain.Event{Type: domain.EventTaskStatus, TaskID: "a"})
	bus.Publish(domain.Event{Type: domain.EventTaskProgress, TaskID: "b"})
	bus.Publish(domain.Event{Type: domain.EventTaskStatus, TaskID: "b", Status: domain.StatusPaused})

	require.Len(t, sub.Events(), 1)
	ev := <-sub.Events()
	assert.Equal(t, domain.StatusPaused, ev.Status)
}

func TestBus_CloseIsIdempotentAndConcurrentSafe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		sub := bus.Subscribe(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(domain.Event{Type: domain.EventTaskProgress, TaskID: fmt.Sprint(j)})
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
			sub.Close()
		}()
	}
	wg.Wait()

	assert.Zero(t, bus.Subscribers())
}
