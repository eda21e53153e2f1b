package daemon

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/events"
	"github.com/elsanchez/autofetch/internal/repository/sqlite"
	"github.com/elsanchez/autofetch/internal/settings"
	"github.com/elsanchez/autofetch/internal/tasks"
	"github.com/elsanchez/autofetch/internal/transfer"
)

// fakeTransfer bloquea cada intento hasta que el test lo libera
type fakeTransfer struct {
	mu        sync.Mutex
	gates     map[string]chan error
	offsets   map[string][]int64
	discarded []string
	current   int
	maxSeen   int
	started   chan string
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{
		gates:   make(map[string]chan error),
		offsets: make(map[string][]int64),
		started: make(chan string, 100),
	}
}

func (f *fakeTransfer) gate(id string) chan error {
	ch, ok := f.gates[id]
	if !ok {
		ch = make(chan error)
		f.gates[id] = ch
	}
	return ch
}

func (f *fakeTransfer) Transfer(ctx context.Context, job transfer.Job, report transfer.ReportFunc) (*transfer.Result, error) {
	f.mu.Lock()
	f.current++
	if f.current > f.maxSeen {
		f.maxSeen = f.current
	}
	f.offsets[job.TaskID] = append(f.offsets[job.TaskID], job.Offset)
	gate := f.gate(job.TaskID)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.current--
		f.mu.Unlock()
	}()

	if report != nil {
		report(transfer.Progress{Downloaded: job.Offset + 10, Total: 100})
	}
	f.started <- job.TaskID

	select {
	case err := <-gate:
		if err != nil {
			return nil, err
		}
		return &transfer.Result{Path: job.FinalPath(), Size: 100}, nil
	case <-ctx.Done():
		return nil, &transfer.Error{Kind: transfer.KindCancelled, Op: "read body", Err: context.Canceled}
	}
}

func (f *fakeTransfer) Discard(job transfer.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, job.TaskID)
	return nil
}

func (f *fakeTransfer) release(t *testing.T, id string, err error) {
	t.Helper()
	f.mu.Lock()
	gate := f.gate(id)
	f.mu.Unlock()

	select {
	case gate <- err:
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s is not waiting for a result", id)
	}
}

func (f *fakeTransfer) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no transfer started")
		return ""
	}
}

func (f *fakeTransfer) assertIdle(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case id := <-f.started:
		t.Fatalf("unexpected start of %s", id)
	case <-time.After(wait):
	}
}

func (f *fakeTransfer) max() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

func (f *fakeTransfer) discards() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.discarded...)
}

func (f *fakeTransfer) offsetsOf(id string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets[id]...)
}

var (
	errFlaky = &transfer.Error{Kind: transfer.KindTransient, Op: "read body", Err: io.ErrUnexpectedEOF}
	errGone  = &transfer.Error{Kind: transfer.KindPermanent, Op: "request", StatusCode: 404, Err: &transfer.StatusError{Code: 404}}
)

type harness struct {
	db       *sqlite.Database
	store    *tasks.Store
	settings *settings.Store
	bus      *events.Bus
	fake     *fakeTransfer
	sched    *Scheduler
	dir      string
}

func newHarness(t *testing.T, limit, retries int) *harness {
	t.Helper()

	dir := t.TempDir()
	db, err := sqlite.NewDatabase(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return newHarnessOn(t, db, dir, limit, retries)
}

func newHarnessOn(t *testing.T, db *sqlite.Database, dir string, limit, retries int) *harness {
	t.Helper()
	ctx := context.Background()

	bus := events.NewBus(zerolog.Nop())
	cfg, err := settings.New(ctx, db.SettingsRepo, domain.AutoDownloadConfig{
		DownloadPath:           dir,
		MaxConcurrentDownloads: limit,
		RetryAttempts:          retries,
	}, bus, zerolog.Nop())
	require.NoError(t, err)

	h := &harness{
		db:       db,
		store:    tasks.NewStore(db.TaskRepo, bus, zerolog.Nop()),
		settings: cfg,
		bus:      bus,
		fake:     newFakeTransfer(),
		dir:      dir,
	}
	h.sched = NewScheduler(h.store, cfg, h.fake, bus, SchedulerOptions{
		PollInterval:   time.Hour,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  40 * time.Millisecond,
	}, zerolog.Nop())
	return h
}

func (h *harness) add(t *testing.T, name string) *domain.DownloadTask {
	t.Helper()
	task, err := h.store.Create(context.Background(), tasks.NewTask{
		Title:    name,
		URL:      "https://cdn.example.com/" + name + ".mp4",
		Filename: name + ".mp4",
		DestDir:  h.dir,
	})
	require.NoError(t, err)
	return task
}

func (h *harness) waitStatus(t *testing.T, id string, status domain.TaskStatus) *domain.DownloadTask {
	t.Helper()
	var last *domain.DownloadTask
	require.Eventually(t, func() bool {
		task, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == status && !h.sched.IsActive(id)
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, status)
	return last
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.sched.Start(context.Background())
	t.Cleanup(h.sched.Stop)
}

func TestScheduler_FIFOWithinLimit(t *testing.T) {
	h := newHarness(t, 2, 0)
	a := h.add(t, "a")
	b := h.add(t, "b")
	c := h.add(t, "c")
	h.start(t)

	first := []string{h.fake.waitStarted(t), h.fake.waitStarted(t)}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, first)
	h.fake.assertIdle(t, 100*time.Millisecond)

	h.fake.release(t, a.ID, nil)
	assert.Equal(t, c.ID, h.fake.waitStarted(t))
	h.waitStatus(t, a.ID, domain.StatusCompleted)

	h.fake.release(t, b.ID, nil)
	h.fake.release(t, c.ID, nil)
	h.waitStatus(t, b.ID, domain.StatusCompleted)
	done := h.waitStatus(t, c.ID, domain.StatusCompleted)

	assert.Equal(t, int64(100), done.DownloadedSize)
	assert.Equal(t, int64(100), done.TotalSize)
	assert.Equal(t, 100.0, done.Progress)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 2, h.fake.max())
}

func TestScheduler_NeverExceedsLimit(t *testing.T) {
	h := newHarness(t, 3, 0)
	var ids []string
	for _, name := range []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8"} {
		ids = append(ids, h.add(t, name).ID)
	}
	h.start(t)

	ctx := context.Background()
	for range ids {
		id := h.fake.waitStarted(t)

		downloading, err := h.store.List(ctx, domain.StatusDownloading)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(downloading), 3)
		assert.LessOrEqual(t, h.sched.Active(), 3)

		h.fake.release(t, id, nil)
	}

	for _, id := range ids {
		h.waitStatus(t, id, domain.StatusCompleted)
	}
	assert.LessOrEqual(t, h.fake.max(), 3)
}

func TestScheduler_RaisedLimitStartsImmediately(t *testing.T) {
	h := newHarness(t, 1, 0)
	ids := map[string]bool{}
	for _, name := range []string{"x", "y", "z"} {
		ids[h.add(t, name).ID] = true
	}
	h.start(t)

	h.fake.waitStarted(t)
	h.fake.assertIdle(t, 100*time.Millisecond)

	// el poll es cada hora: solo el cambio de config puede arrancarlas
	require.NoError(t, h.settings.SetMaxConcurrentDownloads(context.Background(), 3))
	h.fake.waitStarted(t)
	h.fake.waitStarted(t)
	assert.Equal(t, 3, h.sched.Active())

	for id := range ids {
		h.fake.release(t, id, nil)
	}
}

func TestScheduler_LoweredLimitDrains(t *testing.T) {
	h := newHarness(t, 3, 0)
	var running []string
	for _, name := range []string{"p", "q", "r"} {
		running = append(running, h.add(t, name).ID)
	}
	h.start(t)
	for range running {
		h.fake.waitStarted(t)
	}

	next := h.add(t, "s")
	require.NoError(t, h.settings.SetMaxConcurrentDownloads(context.Background(), 1))

	// las transferencias en curso no se interrumpen; s espera a que no quede ninguna
	h.fake.release(t, running[0], nil)
	h.waitStatus(t, running[0], domain.StatusCompleted)
	h.fake.release(t, running[1], nil)
	h.waitStatus(t, running[1], domain.StatusCompleted)
	h.fake.assertIdle(t, 100*time.Millisecond)

	h.fake.release(t, running[2], nil)
	assert.Equal(t, next.ID, h.fake.waitStarted(t))
	h.fake.release(t, next.ID, nil)
	h.waitStatus(t, next.ID, domain.StatusCompleted)
}

func TestScheduler_RetriesExactlyRetryAttempts(t *testing.T) {
	const retries = 3
	h := newHarness(t, 1, retries)
	task := h.add(t, "flaky")
	h.start(t)

	for i := 0; i < retries; i++ {
		require.Equal(t, task.ID, h.fake.waitStarted(t))
		h.fake.release(t, task.ID, errFlaky)
	}
	require.Equal(t, task.ID, h.fake.waitStarted(t))
	h.fake.release(t, task.ID, nil)

	done := h.waitStatus(t, task.ID, domain.StatusCompleted)
	assert.Equal(t, retries, done.RetryCount)
	assert.Empty(t, done.ErrorMessage)
	assert.Nil(t, done.NextAttemptAt)
}

func TestScheduler_GivesUpAfterRetryAttemptsPlusOne(t *testing.T) {
	const retries = 2
	h := newHarness(t, 1, retries)
	task := h.add(t, "broken")
	h.start(t)

	for i := 0; i <= retries; i++ {
		require.Equal(t, task.ID, h.fake.waitStarted(t))
		h.fake.release(t, task.ID, errFlaky)
	}

	failed := h.waitStatus(t, task.ID, domain.StatusError)
	assert.Equal(t, retries+1, failed.RetryCount)
	assert.Contains(t, failed.ErrorMessage, "unexpected EOF")
	assert.Empty(t, h.fake.discards(), "partial data is kept for a manual resume")
	h.fake.assertIdle(t, 100*time.Millisecond)

	// reanudar desde error reinicia el contador
	resumed, err := h.sched.Resume(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed.RetryCount)
	assert.Equal(t, task.ID, h.fake.waitStarted(t))
	h.fake.release(t, task.ID, nil)
	h.waitStatus(t, task.ID, domain.StatusCompleted)
}

func TestScheduler_PermanentFailure(t *testing.T) {
	h := newHarness(t, 1, 5)
	task := h.add(t, "missing")
	h.start(t)

	h.fake.waitStarted(t)
	h.fake.release(t, task.ID, errGone)

	failed := h.waitStatus(t, task.ID, domain.StatusError)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, int64(0), failed.DownloadedSize)
	assert.Contains(t, failed.ErrorMessage, "404")
	assert.Equal(t, []string{task.ID}, h.fake.discards())
	h.fake.assertIdle(t, 100*time.Millisecond)
}

func TestScheduler_CancelRunning(t *testing.T) {
	h := newHarness(t, 1, 0)
	task := h.add(t, "doomed")
	h.start(t)
	h.fake.waitStarted(t)

	cancelled, err := h.sched.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, cancelled.Status)
	assert.Equal(t, "cancelled", cancelled.ErrorMessage)
	assert.Equal(t, int64(0), cancelled.DownloadedSize)
	assert.False(t, h.sched.IsActive(task.ID))
	assert.Equal(t, []string{task.ID}, h.fake.discards())

	h.sched.Wake()
	h.fake.assertIdle(t, 100*time.Millisecond)

	_, err = h.sched.Remove(context.Background(), task.ID)
	require.NoError(t, err)
	_, err = h.store.Get(context.Background(), task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestScheduler_CancelQueued(t *testing.T) {
	h := newHarness(t, 1, 0)
	running := h.add(t, "first")
	queued := h.add(t, "second")
	h.start(t)
	h.fake.waitStarted(t)

	cancelled, err := h.sched.Cancel(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, cancelled.Status)

	h.fake.release(t, running.ID, nil)
	h.waitStatus(t, running.ID, domain.StatusCompleted)
	h.fake.assertIdle(t, 100*time.Millisecond)
}

func TestScheduler_PauseAndResume(t *testing.T) {
	h := newHarness(t, 1, 0)
	task := h.add(t, "pausable")
	h.start(t)
	h.fake.waitStarted(t)

	paused, err := h.sched.Pause(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, paused.Status)
	assert.Equal(t, int64(10), paused.DownloadedSize)
	assert.Empty(t, h.fake.discards())
	h.fake.assertIdle(t, 100*time.Millisecond)

	_, err = h.sched.Pause(context.Background(), task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.sched.Resume(context.Background(), task.ID)
	require.NoError(t, err)
	h.fake.waitStarted(t)
	assert.Equal(t, []int64{0, 10}, h.fake.offsetsOf(task.ID))

	h.fake.release(t, task.ID, nil)
	h.waitStatus(t, task.ID, domain.StatusCompleted)

	_, err = h.sched.Resume(context.Background(), task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestScheduler_ResumeRunningIsRejected(t *testing.T) {
	h := newHarness(t, 2, 0)
	task := h.add(t, "running")
	h.start(t)
	h.fake.waitStarted(t)

	_, err := h.sched.Resume(context.Background(), task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// un slot libre no arranca un segundo worker sobre la misma tarea
	h.sched.Wake()
	h.fake.assertIdle(t, 100*time.Millisecond)
	assert.Equal(t, []int64{0}, h.fake.offsetsOf(task.ID))
	assert.True(t, h.sched.IsActive(task.ID))

	h.fake.release(t, task.ID, nil)
	done := h.waitStatus(t, task.ID, domain.StatusCompleted)
	assert.Equal(t, int64(100), done.DownloadedSize)
	h.fake.assertIdle(t, 100*time.Millisecond)
}

func TestScheduler_ResumePendingIsRejected(t *testing.T) {
	h := newHarness(t, 1, 0)
	task := h.add(t, "queued")

	_, err := h.sched.Resume(context.Background(), task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := h.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestScheduler_RemoveRunningIsBusy(t *testing.T) {
	h := newHarness(t, 1, 0)
	task := h.add(t, "busy")
	h.start(t)
	h.fake.waitStarted(t)

	_, err := h.sched.Remove(context.Background(), task.ID)
	assert.ErrorIs(t, err, domain.ErrTaskBusy)

	h.fake.release(t, task.ID, nil)
	h.waitStatus(t, task.ID, domain.StatusCompleted)

	_, err = h.sched.Remove(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, h.fake.discards(), "completed files are never discarded")
}

func TestScheduler_StopRequeuesActive(t *testing.T) {
	h := newHarness(t, 1, 0)
	task := h.add(t, "interrupted")
	h.sched.Start(context.Background())
	h.fake.waitStarted(t)

	h.sched.Stop()

	got, err := h.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, int64(10), got.DownloadedSize)
	assert.Empty(t, h.fake.discards())
}

func TestScheduler_ResumesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := sqlite.NewDatabase(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()

	// ejecución anterior: la tarea estaba a mitad de transferencia cuando murió el proceso
	before := newHarnessOn(t, db, dir, 1, 0)
	task := before.add(t, "crash")
	_, err = before.store.UpdateStatus(ctx, task.ID, domain.StatusDownloading)
	require.NoError(t, err)
	_, err = before.store.UpdateProgress(ctx, task.ID, 500, 1000, 0)
	require.NoError(t, err)

	after := newHarnessOn(t, db, dir, 1, 0)
	n, err := after.store.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	after.start(t)
	assert.Equal(t, task.ID, after.fake.waitStarted(t))
	assert.Equal(t, []int64{500}, after.fake.offsetsOf(task.ID))

	after.fake.release(t, task.ID, nil)
	after.waitStatus(t, task.ID, domain.StatusCompleted)
}

func TestScheduler_Backoff(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil, SchedulerOptions{
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  10 * time.Second,
	}, zerolog.Nop())

	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 8*time.Second, s.backoff(4))
	assert.Equal(t, 10*time.Second, s.backoff(5))
	assert.Equal(t, 10*time.Second, s.backoff(50))
}

func TestScheduler_Stats(t *testing.T) {
	h := newHarness(t, 2, 0)
	a := h.add(t, "one")
	h.add(t, "two")
	h.add(t, "three")
	h.start(t)
	h.fake.waitStarted(t)
	h.fake.waitStarted(t)

	stats, err := h.sched.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Limit)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 2, stats.Counts[domain.StatusDownloading])
	assert.Equal(t, 1, stats.Counts[domain.StatusPending])

	h.fake.release(t, a.ID, nil)
	h.waitStatus(t, a.ID, domain.StatusCompleted)
}
