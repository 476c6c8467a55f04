// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Run       RunConfig       `mapstructure:"run"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Session   SessionConfig   `mapstructure:"session"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Token     TokenConfig     `mapstructure:"token"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	DB        DBConfig        `mapstructure:"db"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RunConfig governs the orchestrator loop.
type RunConfig struct {
	Once           bool          `mapstructure:"once"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxClaims      int           `mapstructure:"max_claims"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// RetryConfig bounds per-stage retries.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	MaxReauths      int           `mapstructure:"max_reauths"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ExhaustedFactor float64       `mapstructure:"exhausted_factor"`
	ExhaustedLimit  int           `mapstructure:"exhausted_limit"`
}

// SessionConfig selects the login flow and where credentials are kept.
type SessionConfig struct {
	// Authenticator is one of headless, token or static.
	Authenticator   string        `mapstructure:"authenticator"`
	StaticBlob      string        `mapstructure:"static_blob"`
	RefreshAttempts int           `mapstructure:"refresh_attempts"`
	RefreshBackoff  time.Duration `mapstructure:"refresh_backoff"`
	// Store is one of file, gcs, redis or memory.
	Store     string        `mapstructure:"store"`
	FilePath  string        `mapstructure:"file_path"`
	GCSBucket string        `mapstructure:"gcs_bucket"`
	GCSObject string        `mapstructure:"gcs_object"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisKey  string        `mapstructure:"redis_key"`
	RedisTTL  time.Duration `mapstructure:"redis_ttl"`
}

// HeadlessConfig configures the browser login flow.
type HeadlessConfig struct {
	HomeURL           string        `mapstructure:"home_url"`
	LoginURL          string        `mapstructure:"login_url"`
	LandingURL        string        `mapstructure:"landing_url"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	UserAgent         string        `mapstructure:"user_agent"`
	ExpiryCookie      string        `mapstructure:"expiry_cookie"`
	UserDataDir       string        `mapstructure:"user_data_dir"`
	ProxyServer       string        `mapstructure:"proxy_server"`
	Headless          bool          `mapstructure:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// TokenConfig configures the rendering API token authorizer.
type TokenConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	TargetURL  string        `mapstructure:"target_url"`
	CookieName string        `mapstructure:"cookie_name"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// FetchConfig configures the job-details fetcher.
type FetchConfig struct {
	UserAgent       string            `mapstructure:"user_agent"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	URLTemplate     string            `mapstructure:"url_template"`
	RefererTemplate string            `mapstructure:"referer_template"`
	AuthMode        string            `mapstructure:"auth_mode"`
	LoginPath       string            `mapstructure:"login_path"`
	Headers         map[string]string `mapstructure:"headers"`
}

// ProxyConfig selects the egress identity source.
type ProxyConfig struct {
	// Source is one of none, static, file or url.
	Source          string        `mapstructure:"source"`
	List            []string      `mapstructure:"list"`
	Tokens          []string      `mapstructure:"tokens"`
	File            string        `mapstructure:"file"`
	URL             string        `mapstructure:"url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// RateLimitConfig paces requests per identity.
type RateLimitConfig struct {
	RPS          float64       `mapstructure:"rps"`
	Burst        int           `mapstructure:"burst"`
	BlockPenalty time.Duration `mapstructure:"block_penalty"`
}

// DBConfig controls access to Postgres. An empty DSN keeps all state in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ItemsTable      string        `mapstructure:"items_table"`
	RecordsTable    string        `mapstructure:"records_table"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// NotifyConfig selects where item events are published.
type NotifyConfig struct {
	// Backend is one of none, memory, pubsub or kafka.
	Backend      string   `mapstructure:"backend"`
	ProjectID    string   `mapstructure:"project_id"`
	Topic        string   `mapstructure:"topic"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	DoneTopic    string   `mapstructure:"done_topic"`
	FailedTopic  string   `mapstructure:"failed_topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("run.once", false)
	v.SetDefault("run.batch_size", 16)
	v.SetDefault("run.max_concurrency", 4)
	v.SetDefault("run.max_claims", 5)
	v.SetDefault("run.stale_after", "15m")
	v.SetDefault("run.poll_interval", "15m")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.max_reauths", 1)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.exhausted_factor", 4.0)
	v.SetDefault("retry.exhausted_limit", 3)
	v.SetDefault("session.authenticator", "headless")
	v.SetDefault("session.refresh_attempts", 3)
	v.SetDefault("session.refresh_backoff", "2s")
	v.SetDefault("session.store", "file")
	v.SetDefault("session.file_path", "cookies.json")
	v.SetDefault("headless.headless", true)
	v.SetDefault("headless.expiry_cookie", "master_access_token")
	v.SetDefault("headless.navigation_timeout", "90s")
	v.SetDefault("headless.settle_delay", "3s")
	v.SetDefault("token.timeout", "60s")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.auth_mode", "cookies")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0")
	v.SetDefault("proxy.source", "none")
	v.SetDefault("proxy.refresh_interval", "1h")
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.block_penalty", "5s")
	v.SetDefault("db.items_table", "work_items")
	v.SetDefault("db.records_table", "client_records")
	v.SetDefault("db.auto_migrate", false)
	v.SetDefault("notify.backend", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Run.MaxConcurrency <= 0 {
		return fmt.Errorf("run.max_concurrency must be > 0")
	}
	if c.Run.BatchSize <= 0 {
		return fmt.Errorf("run.batch_size must be > 0")
	}
	if c.Run.MaxClaims < 0 {
		return fmt.Errorf("run.max_claims must be >= 0")
	}
	if !c.Run.Once && c.Run.PollInterval <= 0 {
		return fmt.Errorf("run.poll_interval must be > 0 in daemon mode")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	switch c.Fetch.AuthMode {
	case "cookies", "bearer":
	default:
		return fmt.Errorf("fetch.auth_mode must be cookies or bearer, got %q", c.Fetch.AuthMode)
	}

	switch c.Session.Authenticator {
	case "headless":
		if c.Headless.Username == "" || c.Headless.Password == "" {
			return fmt.Errorf("headless.username and headless.password are required for the headless authenticator")
		}
	case "token":
		if c.Token.Endpoint == "" {
			return fmt.Errorf("token.endpoint is required for the token authenticator")
		}
	case "static":
		if c.Session.StaticBlob == "" {
			return fmt.Errorf("session.static_blob is required for the static authenticator")
		}
	default:
		return fmt.Errorf("unknown session.authenticator %q", c.Session.Authenticator)
	}

	switch c.Session.Store {
	case "memory":
	case "file":
		if c.Session.FilePath == "" {
			return fmt.Errorf("session.file_path is required for the file store")
		}
	case "gcs":
		if c.Session.GCSBucket == "" {
			return fmt.Errorf("session.gcs_bucket is required for the gcs store")
		}
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown session.store %q", c.Session.Store)
	}

	switch c.Proxy.Source {
	case "none":
	case "static":
		if len(c.Proxy.List) == 0 && len(c.Proxy.Tokens) == 0 {
			return fmt.Errorf("proxy.list or proxy.tokens is required for the static source")
		}
	case "file":
		if c.Proxy.File == "" {
			return fmt.Errorf("proxy.file is required for the file source")
		}
	case "url":
		if c.Proxy.URL == "" {
			return fmt.Errorf("proxy.url is required for the url source")
		}
	default:
		return fmt.Errorf("unknown proxy.source %q", c.Proxy.Source)
	}

	switch c.Notify.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic are required for pubsub")
		}
	case "kafka":
		if len(c.Notify.KafkaBrokers) == 0 {
			return fmt.Errorf("notify.kafka_brokers is required for kafka")
		}
	default:
		return fmt.Errorf("unknown notify.backend %q", c.Notify.Backend)
	}
	return nil
}
