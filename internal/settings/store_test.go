package settings

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/autofetch/internal/domain"
	"github.com/elsanchez/autofetch/internal/events"
)

type memRepo struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemRepo() *memRepo {
	return &memRepo{data: make(map[string][]byte)}
}

func (r *memRepo) Load(_ context.Context, key string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	return v, ok, nil
}

func (r *memRepo) Save(_ context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = append([]byte(nil), value...)
	return nil
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Load(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	raw, _ := args.Get(0).([]byte)
	return raw, args.Bool(1), args.Error(2)
}

func (m *mockRepo) Save(ctx context.Context, key string, value []byte) error {
	return m.Called(ctx, key, value).Error(0)
}

func seed(t *testing.T) domain.AutoDownloadConfig {
	return domain.AutoDownloadConfig{
		DownloadPath:           t.TempDir(),
		MaxConcurrentDownloads: 2,
		RetryAttempts:          3,
	}
}

func TestNew_SeedsAndReloads(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	s := seed(t)

	store, err := New(ctx, repo, s, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, store.MaxConcurrentDownloads())

	require.NoError(t, store.SetMaxConcurrentDownloads(ctx, 5))

	// un segundo arranque ignora seed y usa lo persistido
	reloaded, err := New(ctx, repo, s, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.MaxConcurrentDownloads())
}

func TestNew_RejectsInvalidSeed(t *testing.T) {
	_, err := New(context.Background(), newMemRepo(), domain.AutoDownloadConfig{}, nil, zerolog.Nop())
	assert.True(t, errors.Is(err, domain.ErrInvalidConfig))
}

func TestStore_SettersValidate(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, newMemRepo(), seed(t), nil, zerolog.Nop())
	require.NoError(t, err)
	before := store.Get()

	assert.True(t, errors.Is(store.SetMaxConcurrentDownloads(ctx, 0), domain.ErrInvalidConfig))
	assert.True(t, errors.Is(store.SetRetryAttempts(ctx, -1), domain.ErrInvalidConfig))
	assert.True(t, errors.Is(store.SetDownloadPath(ctx, ""), domain.ErrInvalidConfig))
	assert.True(t, errors.Is(store.SetDownloadPath(ctx, "relative/dir"), domain.ErrInvalidConfig))
	assert.True(t, errors.Is(store.SetFilters(ctx, domain.Filters{Seasons: []string{"rainy"}}), domain.ErrInvalidConfig))

	assert.Equal(t, before, store.Get())
}

func TestStore_SetDownloadPathCreatesDirectory(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, newMemRepo(), seed(t), nil, zerolog.Nop())
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "nested", "anime")
	require.NoError(t, store.SetDownloadPath(ctx, dir))
	assert.DirExists(t, dir)
	assert.Equal(t, dir, store.DownloadPath())
}

func TestStore_FiltersNormalized(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, newMemRepo(), seed(t), nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, store.SetFilters(ctx, domain.Filters{Years: []string{"2025", "2024"}, Seasons: []string{"Autumn"}}))
	f := store.Filters()
	assert.Equal(t, []string{"2024", "2025"}, f.Years)
	assert.Equal(t, []string{"fall"}, f.Seasons)
}

func TestStore_PersistFailureKeepsPreviousValue(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	repo.On("Load", mock.Anything, settingsKey).Return(nil, false, nil)
	repo.On("Save", mock.Anything, settingsKey, mock.Anything).Return(nil).Once()
	repo.On("Save", mock.Anything, settingsKey, mock.Anything).Return(errors.New("disk I/O error")).Once()

	store, err := New(ctx, repo, seed(t), nil, zerolog.Nop())
	require.NoError(t, err)

	err = store.SetRetryAttempts(ctx, 9)
	require.Error(t, err)
	assert.Equal(t, 3, store.RetryAttempts())
	repo.AssertExpectations(t)
}

func TestStore_WatchAndEvents(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(zerolog.Nop())
	sub := bus.Subscribe(10, events.OfType(domain.EventConfigChanged))
	defer sub.Close()

	store, err := New(ctx, newMemRepo(), seed(t), bus, zerolog.Nop())
	require.NoError(t, err)

	ch, cancel := store.Watch()
	defer cancel()

	require.NoError(t, store.SetMaxConcurrentDownloads(ctx, 3))
	require.NoError(t, store.SetMaxConcurrentDownloads(ctx, 4))

	select {
	case cfg := <-ch:
		assert.Equal(t, 4, cfg.MaxConcurrentDownloads, "watchers see the latest value")
	case <-time.After(time.Second):
		t.Fatal("no config change delivered")
	}

	require.Len(t, sub.Events(), 2)
	ev := <-sub.Events()
	require.NotNil(t, ev.Config)
	assert.Equal(t, 3, ev.Config.MaxConcurrentDownloads)
}

func TestStore_ConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, newMemRepo(), seed(t), nil, zerolog.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_, _ = store.Update(ctx, func(c *domain.AutoDownloadConfig) {
				c.MaxConcurrentDownloads = n
				c.RetryAttempts = n + 10
			})
		}(i)
		go func() {
			defer wg.Done()
			cfg := store.Get()
			if cfg.RetryAttempts != 3 {
				assert.Equal(t, cfg.MaxConcurrentDownloads+10, cfg.RetryAttempts)
			}
		}()
	}
	wg.Wait()
}
