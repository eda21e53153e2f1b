package client

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/autofetch/internal/domain"
)

// fakeDaemon responde cada conexión con respond(req). En subscribe después
// escribe events y, si hay hold, mantiene la conexión abierta hasta que se
// cierre hold.
type fakeDaemon struct {
	socket  string
	respond func(req Request) Response
	events  []domain.Event
	hold    chan struct{}
	reqs    chan Request
}

func startFakeDaemon(t *testing.T, respond func(req Request) Response) *fakeDaemon {
	t.Helper()
	return startStreamingDaemon(t, respond, nil)
}

func startStreamingDaemon(t *testing.T, respond func(req Request) Response, hold chan struct{}, events ...domain.Event) *fakeDaemon {
	t.Helper()
	dir, err := os.MkdirTemp("", "afc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	f := &fakeDaemon{
		socket:  filepath.Join(dir, "d.sock"),
		respond: respond,
		events:  events,
		hold:    hold,
		reqs:    make(chan Request, 16),
	}
	ln, err := net.Listen("unix", f.socket)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeDaemon) serve(conn net.Conn) {
	defer conn.Close()
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}
	f.reqs <- req

	enc := json.NewEncoder(conn)
	enc.Encode(f.respond(req))
	if req.Action == "subscribe" {
		for _, ev := range f.events {
			enc.Encode(ev)
		}
		if f.hold != nil {
			<-f.hold
		}
	}
}

func ok(t *testing.T, data interface{}) Response {
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Response{Success: true, Data: raw}
}

func TestClient_AddSendsPayload(t *testing.T) {
	f := startFakeDaemon(t, func(req Request) Response {
		return ok(t, domain.TaskView{ID: "abc", Status: domain.StatusPending})
	})
	c := NewClient(f.socket)

	task, err := c.Add(context.Background(), AddPayload{URL: "https://cdn.example.com/e1.mp4", Title: "Show"})
	require.NoError(t, err)
	assert.Equal(t, "abc", task.ID)

	req := <-f.reqs
	assert.Equal(t, "add", req.Action)
	var payload AddPayload
	require.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.Equal(t, "Show", payload.Title)
}

func TestClient_ErrorCodesMapToDomainErrors(t *testing.T) {
	codes := map[string]error{
		domain.CodeDuplicateTask:     domain.ErrDuplicateTask,
		domain.CodeInvalidTransition: domain.ErrInvalidTransition,
		domain.CodeTaskBusy:          domain.ErrTaskBusy,
		domain.CodeInvalidConfig:     domain.ErrInvalidConfig,
		domain.CodeNotFound:          domain.ErrNotFound,
	}

	for code, target := range codes {
		code := code
		f := startFakeDaemon(t, func(req Request) Response {
			return Response{Success: false, Error: "boom", Code: code}
		})
		_, err := NewClient(f.socket).Remove(context.Background(), "x")
		require.Error(t, err)
		assert.ErrorIs(t, err, target, code)
		assert.Equal(t, "boom", err.Error())
	}
}

func TestClient_PlainErrors(t *testing.T) {
	f := startFakeDaemon(t, func(req Request) Response {
		return Response{Success: false, Error: "url is required"}
	})

	_, err := NewClient(f.socket).Add(context.Background(), AddPayload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add failed: url is required")
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestClient_DaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is autofetchd running?")
}

func TestClient_ListSendsStatuses(t *testing.T) {
	f := startFakeDaemon(t, func(req Request) Response {
		return ok(t, map[string]interface{}{
			"tasks": []domain.TaskView{{ID: "a"}, {ID: "b"}},
			"count": 2,
		})
	})

	list, err := NewClient(f.socket).List(context.Background(), domain.StatusError)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	req := <-f.reqs
	assert.JSONEq(t, `{"statuses":["error"]}`, string(req.Payload))
}

func TestClient_Subscribe(t *testing.T) {
	f := startStreamingDaemon(t, func(req Request) Response {
		return ok(t, map[string]bool{"subscribed": true})
	}, nil,
		domain.Event{Seq: 1, Type: domain.EventTaskCreated, TaskID: "a"},
		domain.Event{Seq: 2, Type: domain.EventTaskStatus, TaskID: "a", Status: domain.StatusDownloading},
	)

	stream, err := NewClient(f.socket).Subscribe(context.Background(), SubscribePayload{TaskID: "a"})
	require.NoError(t, err)
	defer stream.Close()

	var got []domain.Event
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, domain.StatusDownloading, got[1].Status)
	assert.Error(t, stream.Err(), "stream ends when the daemon closes the connection")

	req := <-f.reqs
	assert.JSONEq(t, `{"task_id":"a"}`, string(req.Payload))
}

func TestClient_SubscribeStopsOnContext(t *testing.T) {
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	f := startStreamingDaemon(t, func(req Request) Response {
		return ok(t, map[string]bool{"subscribed": true})
	}, hold)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := NewClient(f.socket).Subscribe(ctx, SubscribePayload{})
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-stream.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}
