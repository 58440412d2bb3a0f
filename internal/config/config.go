package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge" mapstructure:"knowledge"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" mapstructure:"retrieval"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string `yaml:"key" mapstructure:"key"`
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	Model             string `yaml:"model" mapstructure:"model"`
	MaxTokens         int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// KnowledgeConfig configures the hosted hybrid-search RPC endpoint.
type KnowledgeConfig struct {
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Key      string `yaml:"key" mapstructure:"key"`
	Function string `yaml:"function" mapstructure:"function"`
	RetryMax int    `yaml:"retry_max" mapstructure:"retry_max"`
}

// RetrievalConfig configures context retrieval for each item.
type RetrievalConfig struct {
	Backends         []string `yaml:"backends" mapstructure:"backends"` // knowledge, corpus
	Limit            int      `yaml:"limit" mapstructure:"limit"`
	MaxAttempts      int      `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int      `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int      `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int      `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int      `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// CacheConfig bounds the per-process retrieval cache.
type CacheConfig struct {
	Size int `yaml:"size" mapstructure:"size"`
}

// WorkerConfig configures the batch worker loop.
type WorkerConfig struct {
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	CheckpointEvery  int    `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
	HeartbeatSecs    int    `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	VersionTag       string `yaml:"version_tag" mapstructure:"version_tag"`
	KeywordCount     int    `yaml:"keyword_count" mapstructure:"keyword_count"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts      int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int    `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// QueueConfig selects the dispatch queue backend.
type QueueConfig struct {
	Backend        string `yaml:"backend" mapstructure:"backend"` // memory | postgres | redis
	Name           string `yaml:"name" mapstructure:"name"`
	Buffer         int    `yaml:"buffer" mapstructure:"buffer"`
	PollIntervalMs int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// RedisConfig holds redis connection settings for the redis queue backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// ServerConfig configures the dispatch HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the stale/failed batch monitor.
type MonitoringConfig struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	IntervalSecs   int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	StaleAfterMins int    `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	WebhookURL     string `yaml:"webhook_url" mapstructure:"webhook_url"`

	QueueBacklogThreshold int `yaml:"queue_backlog_threshold" mapstructure:"queue_backlog_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// HeartbeatInterval returns the configured heartbeat period.
func (w WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatSecs) * time.Second
}

// StaleAfter returns how long a processing batch may go without a heartbeat
// before the monitor reports it.
func (m MonitoringConfig) StaleAfter() time.Duration {
	return time.Duration(m.StaleAfterMins) * time.Minute
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "enricher.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.requests_per_minute", 50)
	v.SetDefault("knowledge.function", "hybrid_search")
	v.SetDefault("knowledge.retry_max", 2)
	v.SetDefault("retrieval.backends", []string{"knowledge", "corpus"})
	v.SetDefault("retrieval.limit", 5)
	v.SetDefault("retrieval.max_attempts", 2)
	v.SetDefault("retrieval.initial_backoff_ms", 250)
	v.SetDefault("retrieval.max_backoff_ms", 2000)
	v.SetDefault("retrieval.failure_threshold", 5)
	v.SetDefault("retrieval.reset_timeout_secs", 30)
	v.SetDefault("cache.size", 1000)
	v.SetDefault("worker.batch_size", 25)
	v.SetDefault("worker.checkpoint_every", 25)
	v.SetDefault("worker.heartbeat_secs", 15)
	v.SetDefault("worker.version_tag", "v1")
	v.SetDefault("worker.keyword_count", 8)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.initial_backoff_ms", 1000)
	v.SetDefault("worker.max_backoff_ms", 10000)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.name", "enricher:dispatch")
	v.SetDefault("queue.buffer", 100)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.interval_secs", 60)
	v.SetDefault("monitoring.stale_after_mins", 15)
	v.SetDefault("monitoring.queue_backlog_threshold", 500)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command mode:
// "serve", "worker", "run", "dispatch" or "store".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	needsStore := false
	needsModel := false
	needsQueue := false

	switch mode {
	case "serve":
		needsStore, needsModel, needsQueue = true, true, true
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "worker":
		needsStore, needsModel, needsQueue = true, true, true
	case "run":
		needsStore, needsModel = true, true
	case "dispatch":
		needsStore, needsQueue = true, true
	case "store":
		needsStore = true
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needsStore {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				add("store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				add("store.sqlite_path is required for the sqlite driver")
			}
		default:
			add("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
		}
	}

	if needsModel {
		if c.Anthropic.Key == "" {
			add("anthropic.key is required")
		}
		if c.Worker.BatchSize < 1 || c.Worker.BatchSize > 500 {
			add("worker.batch_size must be between 1 and 500")
		}
		if c.Worker.CheckpointEvery < 1 {
			add("worker.checkpoint_every must be >= 1")
		}
		if c.Worker.HeartbeatSecs < 1 {
			add("worker.heartbeat_secs must be >= 1")
		}
		if c.Worker.VersionTag == "" {
			add("worker.version_tag is required")
		}
		for _, b := range c.Retrieval.Backends {
			switch b {
			case "knowledge":
				if c.Knowledge.BaseURL == "" {
					add("knowledge.base_url is required when the knowledge backend is enabled")
				}
			case "corpus":
			default:
				add("retrieval.backends: unknown backend %q", b)
			}
		}
	}

	if needsQueue {
		switch c.Queue.Backend {
		case "memory":
			if mode == "worker" || mode == "dispatch" {
				add("queue.backend memory only works in-process with serve; use postgres or redis")
			}
		case "postgres":
			if c.Store.Driver != "postgres" {
				add("queue.backend postgres requires store.driver postgres")
			}
		case "redis":
			if c.Redis.Addr == "" {
				add("redis.addr is required for the redis queue backend")
			}
		default:
			add("queue.backend must be memory, postgres or redis, got %q", c.Queue.Backend)
		}
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 50 {
			add("worker.concurrency must be between 1 and 50")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
