package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/autofetch/internal/cookies"
	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/monitor"
)

type stubPoller struct {
	result *monitor.PollResult
}

func (p *stubPoller) Poll(ctx context.Context) (*monitor.PollResult, error) {
	return p.result, nil
}

type serverHarness struct {
	*harness
	handlers *Handlers
	socket   string
}

func newServerHarness(t *testing.T, poller Poller) *serverHarness {
	t.Helper()
	h := newHarness(t, 1, 0)

	// las rutas de socket Unix tienen un límite de ~108 bytes, hay que mantenerla corta
	sockDir, err := os.MkdirTemp("", "af")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	importer := cookies.NewImporter(h.db.AccountRepo, filepath.Join(h.dir, "cookies"), zerolog.Nop())
	handlers := NewHandlers(h.store, h.sched, h.settings, poller, importer, zerolog.Nop())

	srv := NewServer(filepath.Join(sockDir, "d.sock"), handlers, h.bus, zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop() })

	return &serverHarness{harness: h, handlers: handlers, socket: srv.socketPath}
}

func (s *serverHarness) call(t *testing.T, action string, payload interface{}) Response {
	t.Helper()
	conn, err := net.Dial("unix", s.socket)
	require.NoError(t, err)
	defer conn.Close()

	req := Request{Action: action}
	if payload != nil {
		req.Payload, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	require.NoError(t, json.NewEncoder(conn).Encode(req))

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return resp
}

func (s *serverHarness) ok(t *testing.T, action string, payload, out interface{}) {
	t.Helper()
	resp := s.call(t, action, payload)
	require.True(t, resp.Success, "%s failed: %s", action, resp.Error)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
}

func TestServer_Ping(t *testing.T) {
	s := newServerHarness(t, nil)

	var pong map[string]string
	s.ok(t, "ping", nil, &pong)
	assert.Equal(t, "pong", pong["message"])
}

func TestServer_UnknownAction(t *testing.T) {
	s := newServerHarness(t, nil)

	resp := s.call(t, "explode", nil)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown action")
}

func TestServer_AddGetList(t *testing.T) {
	s := newServerHarness(t, nil)

	var added domain.TaskView
	s.ok(t, "add", AddPayload{URL: "https://cdn.example.com/files/Ep%2001.mkv"}, &added)
	assert.Equal(t, "Ep 01.mkv", added.Filename)
	assert.Equal(t, s.dir, added.DestDir)
	assert.Equal(t, domain.SourceManual, added.Source)
	assert.Equal(t, domain.StatusPending, added.Status)

	var withTitle domain.TaskView
	s.ok(t, "add", AddPayload{URL: "https://cdn.example.com/x.mp4", Title: "Mushishi", Filename: "Mushishi - 01"}, &withTitle)
	assert.Equal(t, filepath.Join(s.dir, "Mushishi"), withTitle.DestDir)
	assert.Equal(t, "Mushishi - 01.mp4", withTitle.Filename)

	var got domain.TaskView
	s.ok(t, "get", IDPayload{ID: added.ID}, &got)
	assert.Equal(t, added.URL, got.URL)

	s.ok(t, "pause", IDPayload{ID: withTitle.ID}, nil)

	var list ListResult
	s.ok(t, "list", nil, &list)
	assert.Equal(t, 2, list.Count)

	s.ok(t, "list", ListPayload{Statuses: []domain.TaskStatus{domain.StatusPaused}}, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, withTitle.ID, list.Tasks[0].ID)

	resp := s.call(t, "list", ListPayload{Statuses: []domain.TaskStatus{"sleeping"}})
	assert.False(t, resp.Success)
}

func TestServer_ErrorCodes(t *testing.T) {
	s := newServerHarness(t, nil)

	add := AddPayload{URL: "https://cdn.example.com/e1.mp4", AnimeID: "7", EpisodeID: "1"}
	var task domain.TaskView
	s.ok(t, "add", add, &task)

	resp := s.call(t, "add", add)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.CodeDuplicateTask, resp.Code)

	resp = s.call(t, "resume", IDPayload{ID: task.ID})
	assert.Equal(t, domain.CodeInvalidTransition, resp.Code)

	resp = s.call(t, "get", IDPayload{ID: "nope"})
	assert.Equal(t, domain.CodeNotFound, resp.Code)

	resp = s.call(t, "config.set", ConfigSetPayload{MaxConcurrentDownloads: intPtr(99)})
	assert.Equal(t, domain.CodeInvalidConfig, resp.Code)

	resp = s.call(t, "get", nil)
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Code)
}

func TestServer_Config(t *testing.T) {
	s := newServerHarness(t, nil)

	enabled := true
	var cfg domain.AutoDownloadConfig
	s.ok(t, "config.set", ConfigSetPayload{
		Enabled:       &enabled,
		RetryAttempts: intPtr(5),
		Filters:       &domain.Filters{Seasons: []string{"Fall"}},
	}, &cfg)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 1, cfg.MaxConcurrentDownloads, "untouched fields keep their value")
	assert.Equal(t, []string{"fall"}, cfg.Filters.Seasons)

	s.ok(t, "config.get", nil, &cfg)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 5, s.settings.RetryAttempts())
}

func TestServer_Stats(t *testing.T) {
	s := newServerHarness(t, nil)
	s.add(t, "a")
	s.add(t, "b")

	var stats Stats
	s.ok(t, "stats", nil, &stats)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Counts[domain.StatusPending])
	assert.Equal(t, 1, stats.Limit)
}

func TestServer_MonitorPoll(t *testing.T) {
	resp := newServerHarness(t, nil).call(t, "monitor.poll", nil)
	assert.False(t, resp.Success)

	s := newServerHarness(t, &stubPoller{result: &monitor.PollResult{Favorites: 3, Created: []string{"x"}}})
	var res monitor.PollResult
	s.ok(t, "monitor.poll", nil, &res)
	assert.Equal(t, 3, res.Favorites)
	assert.Equal(t, []string{"x"}, res.Created)
}

func TestServer_Cookies(t *testing.T) {
	s := newServerHarness(t, nil)
	s.handlers.extract = func(ctx context.Context, opts cookies.ExtractOptions) ([]cookies.NetscapeCookie, error) {
		assert.Equal(t, "firefox", opts.Browser)
		return []cookies.NetscapeCookie{{
			Domain: ".example.com", Path: "/", Expiration: time.Now().Add(time.Hour).Unix(), Name: "sid", Value: "1",
		}}, nil
	}

	var extracted cookies.ImportResult
	s.ok(t, "cookies.extract", ExtractPayload{Browser: "firefox", Domain: "cdn.example.com", Activate: true}, &extracted)
	assert.Equal(t, "example.com", extracted.Account.Host)
	assert.True(t, extracted.Account.IsActive)

	src := filepath.Join(s.dir, "export.txt")
	require.NoError(t, cookies.WriteFile(src, []cookies.NetscapeCookie{{Domain: ".example.com", Path: "/", Name: "sid", Value: "2"}}))

	var imported cookies.ImportResult
	s.ok(t, "cookies.import", cookies.ImportOptions{FilePath: src, Name: "alt"}, &imported)
	assert.Equal(t, "alt", imported.Account.Name)

	s.ok(t, "cookies.activate", HostPayload{Host: "example.com", Name: "alt"}, nil)

	var profiles ProfilesResult
	s.ok(t, "cookies.list", HostPayload{Host: "example.com"}, &profiles)
	require.Equal(t, 2, profiles.Count)
	assert.Equal(t, "alt", profiles.Accounts[0].Name, "active profile is listed first")

	resp := s.call(t, "cookies.activate", HostPayload{Host: "example.com", Name: "ghost"})
	assert.Equal(t, domain.CodeNotFound, resp.Code)
}

func TestServer_Subscribe(t *testing.T) {
	s := newServerHarness(t, nil)

	conn, err := net.Dial("unix", s.socket)
	require.NoError(t, err)
	defer conn.Close()

	payload, _ := json.Marshal(SubscribePayload{Types: []domain.EventType{domain.EventTaskCreated}})
	require.NoError(t, json.NewEncoder(conn).Encode(Request{Action: "subscribe", Payload: payload}))

	reader := bufio.NewReader(conn)
	dec := json.NewDecoder(reader)

	var ack Response
	require.NoError(t, dec.Decode(&ack))
	require.True(t, ack.Success)

	var added domain.TaskView
	s.ok(t, "add", AddPayload{URL: "https://cdn.example.com/e1.mp4"}, &added)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev domain.Event
	require.NoError(t, dec.Decode(&ev))
	assert.Equal(t, domain.EventTaskCreated, ev.Type)
	assert.Equal(t, added.ID, ev.TaskID)

	conn.Close()
	require.Eventually(t, func() bool {
		return s.bus.Subscribers() == 0
	}, 2*time.Second, 10*time.Millisecond, "subscription was not released after disconnect")
}

func intPtr(n int) *int {
	return &n
}
