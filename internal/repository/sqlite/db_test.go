package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elsanchez/autofetch/internal/domain"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := NewDatabase(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTask(id, animeID, episodeID string, createdAt time.Time) *domain.DownloadTask {
	return &domain.DownloadTask{
		ID:        id,
		AnimeID:   animeID,
		EpisodeID: episodeID,
		Title:     "Frieren",
		URL:       "https://cdn.example.com/" + id + ".mp4",
		Filename:  id + ".mp4",
		DestDir:   "/tmp/anime",
		Source:    domain.SourceAuto,
		Status:    domain.StatusPending,
		TotalSize: domain.UnknownSize,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestDatabase_CreateAndGetTask(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	now := time.Now()
	task := newTask("t1", "frieren", "ep-12", now)
	task.EpisodeTitle = "Episode 12"

	if err := db.TaskRepo.Create(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	retrieved, err := db.TaskRepo.GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if retrieved.URL != task.URL {
		t.Errorf("expected URL %s, got %s", task.URL, retrieved.URL)
	}
	if retrieved.Status != domain.StatusPending {
		t.Errorf("expected status pending, got %s", retrieved.Status)
	}
	if retrieved.TotalSize != domain.UnknownSize {
		t.Errorf("expected unknown total size, got %d", retrieved.TotalSize)
	}
	if !retrieved.CreatedAt.Equal(time.Unix(0, now.UnixNano())) {
		t.Errorf("expected created_at %v, got %v", now, retrieved.CreatedAt)
	}
	if retrieved.NextAttemptAt != nil || retrieved.CompletedAt != nil {
		t.Error("expected nil optional timestamps")
	}

	t.Logf("✅ Task created with ID: %s", retrieved.ID)
}

func TestDatabase_MigrationsApplied(t *testing.T) {
	tmpDir := t.TempDir()
	db, err := NewDatabase(tmpDir)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, "autofetch.db")); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	ctx := context.Background()
	for _, table := range []string{"tasks", "settings", "accounts", "episode_history"} {
		var count int
		err := db.DB.GetContext(ctx, &count, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err != nil {
			t.Fatalf("failed to query tables: %v", err)
		}
		if count != 1 {
			t.Errorf("%s table was not created", table)
		}
	}

	t.Log("✅ Migrations applied successfully")
}

func TestDatabase_ReopenKeepsData(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	db, err := NewDatabase(tmpDir)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.TaskRepo.Create(ctx, newTask("t1", "", "", time.Now())); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	db.Close()

	db, err = NewDatabase(tmpDir)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	defer db.Close()

	if _, err := db.TaskRepo.GetByID(ctx, "t1"); err != nil {
		t.Fatalf("task lost after reopen: %v", err)
	}
}

func TestTaskRepository_DuplicateEpisodeRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.TaskRepo.Create(ctx, newTask("t1", "frieren", "ep-1", time.Now())); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	err := db.TaskRepo.Create(ctx, newTask("t2", "frieren", "ep-1", time.Now()))
	if !errors.Is(err, domain.ErrDuplicateTask) {
		t.Fatalf("expected DuplicateTask, got %v", err)
	}

	// Tareas manuales sin episodio no colisionan
	if err := db.TaskRepo.Create(ctx, newTask("m1", "", "", time.Now())); err != nil {
		t.Fatalf("failed to create manual task: %v", err)
	}
	if err := db.TaskRepo.Create(ctx, newTask("m2", "", "", time.Now())); err != nil {
		t.Fatalf("failed to create second manual task: %v", err)
	}

	// Tras borrar la tarea el episodio vuelve a estar libre
	if err := db.TaskRepo.Delete(ctx, "t1"); err != nil {
		t.Fatalf("failed to delete task: %v", err)
	}
	if err := db.TaskRepo.Create(ctx, newTask("t3", "frieren", "ep-1", time.Now())); err != nil {
		t.Fatalf("expected episode to be free after delete: %v", err)
	}
}

func TestTaskRepository_GetByIDNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.TaskRepo.GetByID(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTaskRepository_Ordering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		task := newTask(id, "", "", base.Add(time.Duration(i)*time.Second))
		if err := db.TaskRepo.Create(ctx, task); err != nil {
			t.Fatalf("failed to create task %s: %v", id, err)
		}
	}

	list, err := db.TaskRepo.List(ctx)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if got := ids(list); got != "cba" {
		t.Errorf("expected newest first (cba), got %s", got)
	}

	runnable, err := db.TaskRepo.GetRunnable(ctx, base.Add(time.Minute), 2)
	if err != nil {
		t.Fatalf("failed to get runnable: %v", err)
	}
	if got := ids(runnable); got != "ab" {
		t.Errorf("expected FIFO (ab), got %s", got)
	}
}

func TestTaskRepository_RunnableRespectsBackoff(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	now := time.Now()
	task := newTask("a", "", "", now)
	later := now.Add(time.Hour)
	task.NextAttemptAt = &later
	if err := db.TaskRepo.Create(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	runnable, err := db.TaskRepo.GetRunnable(ctx, now, 10)
	if err != nil {
		t.Fatalf("failed to get runnable: %v", err)
	}
	if len(runnable) != 0 {
		t.Errorf("expected no runnable tasks before backoff, got %d", len(runnable))
	}

	runnable, err = db.TaskRepo.GetRunnable(ctx, later.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("failed to get runnable: %v", err)
	}
	if len(runnable) != 1 {
		t.Errorf("expected task runnable after backoff, got %d", len(runnable))
	}
}

func TestTaskRepository_ResetStatusKeepsProgress(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task := newTask("a", "", "", time.Now())
	task.Status = domain.StatusDownloading
	task.DownloadedSize = 4096
	task.Speed = 1000
	if err := db.TaskRepo.Create(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	n, err := db.TaskRepo.ResetStatus(ctx, domain.StatusDownloading, domain.StatusPending)
	if err != nil {
		t.Fatalf("failed to reset status: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset task, got %d", n)
	}

	got, err := db.TaskRepo.GetByID(ctx, "a")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != domain.StatusPending || got.DownloadedSize != 4096 || got.Speed != 0 {
		t.Errorf("unexpected task after reset: status=%s downloaded=%d speed=%d", got.Status, got.DownloadedSize, got.Speed)
	}
}

func TestTaskRepository_DeleteFinishedBefore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	done := newTask("done", "", "", old)
	done.Status = domain.StatusCompleted
	failed := newTask("failed", "", "", old)
	failed.Status = domain.StatusError
	queued := newTask("queued", "", "", old)
	fresh := newTask("fresh", "", "", time.Now())
	fresh.Status = domain.StatusCompleted

	for _, task := range []*domain.DownloadTask{done, failed, queued, fresh} {
		if err := db.TaskRepo.Create(ctx, task); err != nil {
			t.Fatalf("failed to create task %s: %v", task.ID, err)
		}
	}

	removed, err := db.TaskRepo.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("expected 2 pruned tasks, got %v", removed)
	}

	total, err := db.TaskRepo.CountTotal(ctx)
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 remaining tasks, got %d", total)
	}
}

func TestTaskRepository_DeleteKeepsEpisodeHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	pruned := newTask("pruned", "52991", "7", old)
	pruned.Status = domain.StatusCompleted
	removed := newTask("removed", "52991", "8", time.Now())
	removed.Status = domain.StatusCompleted
	failed := newTask("failed", "52991", "9", old)
	failed.Status = domain.StatusError
	manual := newTask("manual", "", "", old)
	manual.Status = domain.StatusCompleted

	for _, task := range []*domain.DownloadTask{pruned, removed, failed, manual} {
		if err := db.TaskRepo.Create(ctx, task); err != nil {
			t.Fatalf("failed to create task %s: %v", task.ID, err)
		}
	}

	if _, err := db.TaskRepo.DeleteFinishedBefore(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if err := db.TaskRepo.Delete(ctx, removed.ID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	cases := []struct {
		episode string
		want    bool
	}{
		{"7", true},
		{"8", true},
		{"9", false},
		{"10", false},
	}
	for _, tc := range cases {
		got, err := db.TaskRepo.WasDownloaded(ctx, "52991", tc.episode)
		if err != nil {
			t.Fatalf("failed to read history: %v", err)
		}
		if got != tc.want {
			t.Errorf("episode %s: expected downloaded=%v, got %v", tc.episode, tc.want, got)
		}
	}

	var rows int
	if err := db.DB.GetContext(ctx, &rows, "SELECT COUNT(*) FROM episode_history"); err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	if rows != 2 {
		t.Errorf("expected 2 history rows, got %d", rows)
	}
}

func TestTaskRepository_GetByTarget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task := newTask("ep1", "", "", time.Now())
	if err := db.TaskRepo.Create(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	got, err := db.TaskRepo.GetByTarget(ctx, "/tmp/anime", "ep1.mp4")
	if err != nil {
		t.Fatalf("failed to get by target: %v", err)
	}
	if got == nil || got.ID != "ep1" {
		t.Fatalf("expected task ep1, got %+v", got)
	}

	got, err = db.TaskRepo.GetByTarget(ctx, "/tmp/other", "ep1.mp4")
	if err != nil {
		t.Fatalf("failed to get by target: %v", err)
	}
	if got != nil {
		t.Errorf("expected no task in another directory, got %s", got.ID)
	}
}

func TestSettingsRepository_LoadSave(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, ok, err := db.SettingsRepo.Load(ctx, "auto_download")
	if err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := db.SettingsRepo.Save(ctx, "auto_download", []byte(`{"enabled":true}`)); err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	if err := db.SettingsRepo.Save(ctx, "auto_download", []byte(`{"enabled":false}`)); err != nil {
		t.Fatalf("failed to overwrite: %v", err)
	}

	value, ok, err := db.SettingsRepo.Load(ctx, "auto_download")
	if err != nil || !ok {
		t.Fatalf("expected key, got ok=%v err=%v", ok, err)
	}
	if string(value) != `{"enabled":false}` {
		t.Errorf("unexpected value %s", value)
	}
}

func TestDatabase_AccountActiveSwitch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id1, err := db.AccountRepo.Create(ctx, &domain.Account{
		Host:       "example.com",
		Name:       "personal",
		CookiePath: "/path/to/cookies1.txt",
		IsActive:   true,
	})
	if err != nil {
		t.Fatalf("failed to create account 1: %v", err)
	}

	id2, err := db.AccountRepo.Create(ctx, &domain.Account{
		Host:       "example.com",
		Name:       "work",
		CookiePath: "/path/to/cookies2.txt",
	})
	if err != nil {
		t.Fatalf("failed to create account 2: %v", err)
	}

	active, err := db.AccountRepo.GetActive(ctx, "example.com")
	if err != nil {
		t.Fatalf("failed to get active account: %v", err)
	}
	if active.ID != id1 {
		t.Errorf("expected account %d to be active, got %d", id1, active.ID)
	}

	if err := db.AccountRepo.SetActive(ctx, "example.com", "work"); err != nil {
		t.Fatalf("failed to set active account: %v", err)
	}

	active, err = db.AccountRepo.GetActive(ctx, "example.com")
	if err != nil {
		t.Fatalf("failed to get active account: %v", err)
	}
	if active.ID != id2 {
		t.Errorf("expected account %d to be active, got %d", id2, active.ID)
	}

	if err := db.AccountRepo.SetActive(ctx, "example.com", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected NotFound for unknown account, got %v", err)
	}

	t.Log("✅ Account switching works correctly")
}

func ids(tasks []*domain.DownloadTask) string {
	out := ""
	for _, task := range tasks {
		out += task.ID
	}
	return out
}
