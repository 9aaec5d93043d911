package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daftar/internal/config"
	"daftar/internal/domain"
	"daftar/internal/realtime"
	"daftar/internal/store/memory"
)

func localConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		RetryAttempts:        1,
		RetryDelay:           time.Millisecond,
		CacheBackend:         "sqlite",
		CachePath:            filepath.Join(t.TempDir(), "cache.db"),
		StockPolicy:          "clamp",
		SerializeMutations:   true,
		RealtimeFeed:         "auto",
		RealtimePollInterval: time.Second,
	}
}

func TestLocalAppLoadsSeededBook(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, localConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, LocalAccount, a.AccountID)
	_, isMemory := a.Feed.(*memory.Store)
	assert.True(t, isMemory, "memory remote should feed its own changes")

	require.NoError(t, a.Start(ctx))
	snap := a.Coordinator.Snapshot()
	assert.Len(t, snap.Customers, 2)
	assert.Len(t, snap.Categories, 2)
}

func TestCachedBookSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := localConfig(t)
	cfg.AccountID = "acct-9"

	first, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	_, err = first.Coordinator.AddCustomer(ctx, domain.Party{Name: "Khalid Yahya"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A fresh process has a fresh in-memory remote but the same cache file.
	second, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	names := make([]string, 0)
	for _, c := range second.Coordinator.Snapshot().Customers {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "Khalid Yahya")
}

func TestListenerReloadsOnRemoteWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := localConfig(t)
	cfg.CacheBackend = "memory"

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Start(ctx))

	listener := a.Listener()
	require.NotNil(t, listener)
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	mem := a.Feed.(*memory.Store)
	assert.Eventually(t, func() bool {
		_, _ = mem.Insert(ctx, "suppliers", a.AccountID, []byte(`{"name":"Sanaa Wholesale `+time.Now().Format("150405.000000")+`"}`))
		return len(a.Coordinator.Snapshot().Suppliers) > 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestFeedSelection(t *testing.T) {
	ctx := context.Background()

	cfg := localConfig(t)
	cfg.RealtimeFeed = "off"
	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, a.Feed)
	assert.Nil(t, a.Listener())
	require.NoError(t, a.Close())

	cfg = localConfig(t)
	cfg.RealtimeFeed = "poll"
	a, err = New(ctx, cfg, nil)
	require.NoError(t, err)
	_, isPoll := a.Feed.(*realtime.PollFeed)
	assert.True(t, isPoll)
	require.NoError(t, a.Close())

	cfg = localConfig(t)
	cfg.RealtimeFeed = "postgres"
	_, err = New(ctx, cfg, nil)
	assert.Error(t, err, "postgres feed needs the postgres remote")

	cfg = localConfig(t)
	cfg.RealtimeFeed = "redis"
	_, err = New(ctx, cfg, nil)
	assert.Error(t, err, "redis feed needs REDIS_ADDR")
}
