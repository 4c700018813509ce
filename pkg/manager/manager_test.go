package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/acs/pkg/metrics"
	"github.com/cuemby/acs/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":8080"
redisAddr: "redis:6379"
maxSessionsPerSecond: 50
extensionTimeout: 2s
logJson: true
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 50.0, cfg.MaxSessionsPerSecond)
	assert.Equal(t, 2*time.Second, cfg.ExtensionTimeout)
	assert.True(t, cfg.LogJSON)
	// untouched keys keep their defaults
	assert.Equal(t, ":9100", cfg.MetricsAddr)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOpenStoresBolt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	stores, err := OpenStores(context.Background(), cfg)
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &storage.BoltStore{}, stores.Durable)
	assert.IsType(t, &storage.BoltStore{}, stores.Cache)
	assert.NotNil(t, stores.bolt)
}

func TestOpenStoresRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RedisAddr = mr.Addr()

	stores, err := OpenStores(context.Background(), cfg)
	require.NoError(t, err)
	defer stores.Close()

	assert.IsType(t, &storage.BoltStore{}, stores.Durable)
	assert.IsType(t, &storage.RedisStore{}, stores.Cache)
	assert.IsType(t, &storage.RedisStore{}, stores.Locks)
	assert.Nil(t, stores.bolt)
}

func TestNewManagerShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	m, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, m.Engine())
	assert.NotNil(t, m.GetEventBroker())

	m.sampler.collectConfigMetrics(context.Background())
	m.sampler.collectSessionMetrics()
	require.NoError(t, m.Shutdown())
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""

	m, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return metrics.GetReadiness().Status == "ready"
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.NoError(t, m.Shutdown())
}
