package durable

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-durable/ess"
	"github.com/goliatone/go-durable/oki"
	"github.com/goliatone/go-durable/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigAppliesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("worker:\n  shard: 0\n"))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Worker.ShardCount)
	assert.Equal(t, 100, cfg.Worker.ScanLimit)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.LeaseTTL)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, DriverMemory, cfg.OKI.Driver)
	assert.Equal(t, DriverNone, cfg.PubSub.Driver)
	assert.Equal(t, ess.DefaultIdleTimeout, cfg.ESS.IdleTimeout)
	assert.Equal(t, ess.DefaultLockTimeout, cfg.ESS.LockTimeout)
	assert.Equal(t, DefaultJanitorSchedule, cfg.Retention.Schedule)
	assert.Zero(t, cfg.Retention.Window)
}

func TestParseConfigYAML(t *testing.T) {
	data := []byte(`
worker:
  id: billing-1
  shard: 2
  shard_count: 4
  scan_limit: 50
  concurrency: 2
  lease_ttl: 10s
  poll_interval: 250ms
  retry_delay: 2s
oki:
  driver: SQLite
  dsn: /var/lib/durable/oki.db
ess:
  dir: /var/lib/durable/ess
  idle_timeout: 1m
pubsub:
  driver: redis
  addr: localhost:6379
  prefix: billing
retention:
  window: 168h
  schedule: "@every 5m"
metrics:
  namespace: billing
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)

	assert.Equal(t, "billing-1", cfg.Worker.ID)
	assert.Equal(t, 2, cfg.Worker.Shard)
	assert.Equal(t, 4, cfg.Worker.ShardCount)
	assert.Equal(t, 10*time.Second, cfg.Worker.LeaseTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, DriverSQLite, cfg.OKI.Driver)
	assert.Equal(t, time.Minute, cfg.ESS.IdleTimeout)
	assert.Equal(t, 168*time.Hour, cfg.Retention.Window)
	assert.Equal(t, "billing", cfg.Metrics.Namespace)
	assert.Len(t, cfg.WorkerOptions(), 7)
	assert.Len(t, cfg.JanitorOptions(), 2)
}

func TestParseConfigJSON(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"worker":{"shard_count":2,"shard":1},"pubsub":{"driver":"memory"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Worker.Shard)
	assert.Equal(t, DriverMemory, cfg.PubSub.Driver)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "shard out of range", data: "worker:\n  shard: 3\n  shard_count: 2\n"},
		{name: "unknown oki driver", data: "oki:\n  driver: mongo\n"},
		{name: "sqlite without dsn", data: "oki:\n  driver: sqlite\n"},
		{name: "redis without addr", data: "pubsub:\n  driver: redis\n"},
		{name: "negative retention", data: "retention:\n  window: -1h\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, HasCode(err, CodeInvalidInput))
		})
	}
}

func TestParseConfigRejectsMalformed(t *testing.T) {
	_, err := ParseConfig([]byte("worker: [unclosed"))
	require.Error(t, err)
	assert.True(t, HasCode(err, CodeInvalidInput))
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  concurrency: 3\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Worker.Concurrency)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigOpensBackends(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ParseConfig([]byte("oki:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "oki.db") + "\ness:\n  dir: " + filepath.Join(dir, "ess") + "\npubsub:\n  driver: memory\n"))
	require.NoError(t, err)

	ctx := context.Background()
	store, err := cfg.OpenStore(ctx)
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &oki.SQLiteStore{}, store)

	pool, err := cfg.OpenPool(NopLogger{})
	require.NoError(t, err)
	defer pool.Close()

	bus, err := cfg.OpenBus()
	require.NoError(t, err)
	assert.IsType(t, &pubsub.MemoryBus{}, bus)

	none := Config{}
	none.Normalize()
	bus, err = none.OpenBus()
	require.NoError(t, err)
	assert.Nil(t, bus)
}
