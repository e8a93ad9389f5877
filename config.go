package durable

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-durable/ess"
	"github.com/goliatone/go-durable/oki"
	"github.com/goliatone/go-durable/pubsub"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config describes one engine process. It is loaded from YAML or JSON.
type Config struct {
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	OKI       OKIConfig       `json:"oki" yaml:"oki"`
	ESS       ESSConfig       `json:"ess" yaml:"ess"`
	PubSub    PubSubConfig    `json:"pubsub" yaml:"pubsub"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

type WorkerConfig struct {
	ID           string        `json:"id,omitempty" yaml:"id,omitempty"`
	Shard        int           `json:"shard" yaml:"shard"`
	ShardCount   int           `json:"shard_count" yaml:"shard_count"`
	ScanLimit    int           `json:"scan_limit" yaml:"scan_limit"`
	Concurrency  int           `json:"concurrency" yaml:"concurrency"`
	LeaseTTL     time.Duration `json:"lease_ttl" yaml:"lease_ttl"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	RetryDelay   time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// OKIConfig selects the index backend: memory, sqlite or postgres.
type OKIConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

type ESSConfig struct {
	Dir         string        `json:"dir" yaml:"dir"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	LockTimeout time.Duration `json:"lock_timeout" yaml:"lock_timeout"`
}

// PubSubConfig selects the wake bus: none, memory or redis.
type PubSubConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	Addr   string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// RetentionConfig controls terminal workflow purging. A zero window keeps
// workflows forever.
type RetentionConfig struct {
	Window   time.Duration `json:"window" yaml:"window"`
	Schedule string        `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

type MetricsConfig struct {
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverNone     = "none"
)

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, cloneError(ErrInvalidInput, "read config", err, map[string]any{"path": path})
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML or JSON, applies defaults and validates.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	// yaml accepts JSON as well
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, cloneError(ErrInvalidInput, "parse config", err, nil)
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.Worker.ShardCount <= 0 {
		c.Worker.ShardCount = 1
	}
	if c.Worker.ScanLimit <= 0 {
		c.Worker.ScanLimit = 100
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 8
	}
	if c.Worker.LeaseTTL <= 0 {
		c.Worker.LeaseTTL = 30 * time.Second
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.RetryDelay <= 0 {
		c.Worker.RetryDelay = 5 * time.Second
	}
	c.OKI.Driver = strings.ToLower(strings.TrimSpace(c.OKI.Driver))
	if c.OKI.Driver == "" {
		c.OKI.Driver = DriverMemory
	}
	if c.ESS.Dir == "" {
		c.ESS.Dir = "data/ess"
	}
	if c.ESS.IdleTimeout <= 0 {
		c.ESS.IdleTimeout = ess.DefaultIdleTimeout
	}
	if c.ESS.LockTimeout <= 0 {
		c.ESS.LockTimeout = ess.DefaultLockTimeout
	}
	c.PubSub.Driver = strings.ToLower(strings.TrimSpace(c.PubSub.Driver))
	if c.PubSub.Driver == "" {
		c.PubSub.Driver = DriverNone
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = DefaultJanitorSchedule
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate performs structural validation.
func (c Config) Validate() error {
	var problems []string
	if c.Worker.Shard < 0 || c.Worker.Shard >= c.Worker.ShardCount {
		problems = append(problems, fmt.Sprintf("worker.shard %d outside [0, %d)", c.Worker.Shard, c.Worker.ShardCount))
	}
	switch c.OKI.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.OKI.DSN == "" {
			problems = append(problems, fmt.Sprintf("oki.dsn is required for driver %s", c.OKI.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported oki.driver %q", c.OKI.Driver))
	}
	switch c.PubSub.Driver {
	case DriverNone, DriverMemory:
	case DriverRedis:
		if c.PubSub.Addr == "" {
			problems = append(problems, "pubsub.addr is required for driver redis")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported pubsub.driver %q", c.PubSub.Driver))
	}
	if c.Retention.Window < 0 {
		problems = append(problems, "retention.window cannot be negative")
	}
	if c.Worker.LeaseTTL > 0 && c.Worker.LeaseTTL < 3*time.Millisecond {
		problems = append(problems, "worker.lease_ttl too short to heartbeat")
	}
	if len(problems) > 0 {
		return cloneError(ErrInvalidInput, "invalid config: "+strings.Join(problems, "; "), nil, nil)
	}
	return nil
}

// OpenStore opens the configured OKI backend.
func (c Config) OpenStore(ctx context.Context) (oki.Store, error) {
	switch c.OKI.Driver {
	case DriverSQLite:
		store, err := oki.OpenSQLite(ctx, c.OKI.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverPostgres:
		store, err := oki.OpenPostgres(ctx, c.OKI.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return oki.NewMemoryStore(), nil
	}
}

// OpenPool opens the ESS pool under the configured directory.
func (c Config) OpenPool(logger Logger) (*ess.Pool, error) {
	return ess.NewPool(c.ESS.Dir,
		ess.WithIdleTimeout(c.ESS.IdleTimeout),
		ess.WithLockTimeout(c.ESS.LockTimeout),
		ess.WithLogger(normalizeLogger(logger)),
	)
}

// OpenBus opens the configured wake bus. It returns nil for driver none.
func (c Config) OpenBus() (pubsub.Bus, error) {
	switch c.PubSub.Driver {
	case DriverMemory:
		return pubsub.NewMemoryBus(), nil
	case DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: c.PubSub.Addr})
		return pubsub.NewRedisBus(client, c.PubSub.Prefix), nil
	default:
		return nil, nil
	}
}

func (c Config) EngineOptions() []EngineOption {
	return []EngineOption{WithShardCount(c.Worker.ShardCount)}
}

func (c Config) WorkerOptions() []WorkerOption {
	return []WorkerOption{
		WithWorkerID(c.Worker.ID),
		WithShard(c.Worker.Shard),
		WithScanLimit(c.Worker.ScanLimit),
		WithConcurrency(c.Worker.Concurrency),
		WithLeaseTTL(c.Worker.LeaseTTL),
		WithPollInterval(c.Worker.PollInterval),
		WithRetryDelay(c.Worker.RetryDelay),
	}
}

func (c Config) JanitorOptions() []JanitorOption {
	return []JanitorOption{
		WithRetention(c.Retention.Window),
		WithSchedule(c.Retention.Schedule),
	}
}
