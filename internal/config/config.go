// Package config loads and validates coordinator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. Both the
// coordinator and the agent read the same structure; each binary uses the
// sections it cares about.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Accounts    AccountsConfig    `mapstructure:"accounts"`
	State       StateConfig       `mapstructure:"state"`
	Sinks       SinksConfig       `mapstructure:"sinks"`
	Market      MarketConfig      `mapstructure:"market"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CoordinatorConfig controls the distribution server.
type CoordinatorConfig struct {
	// Port is where workers connect; WSPath is the websocket endpoint.
	Port   int    `mapstructure:"port"`
	WSPath string `mapstructure:"ws_path"`
	// AdminPort serves health, status, and metrics.
	AdminPort int `mapstructure:"admin_port"`
	// StartResourceID seeds the cursor when the state store is empty.
	StartResourceID int64 `mapstructure:"start_resource_id"`
	// AssignmentInterval paces job handouts across the pool.
	AssignmentInterval time.Duration `mapstructure:"assignment_interval"`
	// InactivityTimeout and SweepInterval govern dead-worker cleanup.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	// JobTimeout requeues an assignment whose terminal reply never arrived.
	JobTimeout time.Duration `mapstructure:"job_timeout"`
	// PingInterval is how often the coordinator pings each worker.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// SlowWorkerThreshold flags workers whose recent average processing time
	// exceeds it.
	SlowWorkerThreshold time.Duration `mapstructure:"slow_worker_threshold"`
	// SessionRefreshInterval is how often a worker's browser session is
	// rebuilt with a freshly selected account.
	SessionRefreshInterval time.Duration `mapstructure:"session_refresh_interval"`
}

// AgentConfig controls the worker binary.
type AgentConfig struct {
	// WorkerID names this agent; empty generates agent-<short uuid>.
	WorkerID string `mapstructure:"worker_id"`
	// CoordinatorURL is the websocket endpoint to register with.
	CoordinatorURL string `mapstructure:"coordinator_url"`
	// BaseURL is the commentary site root. CommentaryURL overrides the
	// fetch URL template (two %d slots: resource id, cache buster); empty
	// derives it from BaseURL.
	BaseURL       string `mapstructure:"base_url"`
	CommentaryURL string `mapstructure:"commentary_url"`
	// FetchTimeout bounds one commentary fetch; PollInterval is how often
	// the page is re-checked within that budget.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxConsecutiveFailures triggers a warning once this many jobs in a
	// row came back empty.
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	// ReconnectBackoff grows 1.5x per attempt up to ReconnectBackoffMax.
	ReconnectBackoff    time.Duration `mapstructure:"reconnect_backoff"`
	ReconnectBackoffMax time.Duration `mapstructure:"reconnect_backoff_max"`
	// PongTimeout is how long without a coordinator ping before the agent
	// assumes the connection is dead.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	// Headless hides the browser window.
	Headless bool `mapstructure:"headless"`
}

// AccountsConfig locates the credential pool.
type AccountsConfig struct {
	CredentialsFile        string `mapstructure:"credentials_file"`
	DefaultCooldownMinutes int    `mapstructure:"default_cooldown_minutes"`
}

// StateConfig selects and configures the persistence backend.
type StateConfig struct {
	// Provider is one of memory, file, postgres.
	Provider string              `mapstructure:"provider"`
	File     FileStateConfig     `mapstructure:"file"`
	Postgres PostgresStateConfig `mapstructure:"postgres"`
}

// FileStateConfig configures the JSON-file state store.
type FileStateConfig struct {
	Dir string `mapstructure:"dir"`
}

// PostgresStateConfig controls the Postgres state store pool.
type PostgresStateConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SinksConfig toggles the outbound alert channels.
type SinksConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Feed     FeedConfig     `mapstructure:"feed"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// TelegramConfig holds the bot credentials for chat alerts.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  string `mapstructure:"chat_id"`
}

// FeedConfig holds the trading-feed websocket endpoint and identity.
type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Name    string `mapstructure:"name"`
	Sender  string `mapstructure:"sender"`
	Target  string `mapstructure:"target"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where full commentary bodies are archived.
type ArchiveConfig struct {
	// Provider is one of noop, local, gcs.
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// MarketConfig bounds distribution to the trading window.
type MarketConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Timezone     string        `mapstructure:"timezone"`
	OpenHour     int           `mapstructure:"open_hour"`
	CloseHour    int           `mapstructure:"close_hour"`
	PreOpenLogin time.Duration `mapstructure:"pre_open_login"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMMENTARY")
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
	v.SetDefault("coordinator.port", 6969)
	v.SetDefault("coordinator.ws_path", "/ws")
	v.SetDefault("coordinator.admin_port", 8080)
	v.SetDefault("coordinator.start_resource_id", 44640)
	v.SetDefault("coordinator.assignment_interval", "800ms")
	v.SetDefault("coordinator.inactivity_timeout", "30s")
	v.SetDefault("coordinator.sweep_interval", "60s")
	v.SetDefault("coordinator.job_timeout", "90s")
	v.SetDefault("coordinator.ping_interval", "5s")
	v.SetDefault("coordinator.slow_worker_threshold", "20s")
	v.SetDefault("coordinator.session_refresh_interval", "30m")
	v.SetDefault("agent.coordinator_url", "ws://localhost:6969/ws")
	v.SetDefault("agent.base_url", "https://www.zacks.com")
	v.SetDefault("agent.fetch_timeout", "6s")
	v.SetDefault("agent.poll_interval", "100ms")
	v.SetDefault("agent.max_consecutive_failures", 3)
	v.SetDefault("agent.reconnect_backoff", "3s")
	v.SetDefault("agent.reconnect_backoff_max", "30s")
	v.SetDefault("agent.pong_timeout", "30s")
	v.SetDefault("agent.headless", true)
	v.SetDefault("accounts.credentials_file", "cred/credentials.json")
	v.SetDefault("accounts.default_cooldown_minutes", 15)
	v.SetDefault("state.provider", "file")
	v.SetDefault("state.file.dir", "./data")
	v.SetDefault("state.postgres.max_conns", 4)
	v.SetDefault("state.postgres.min_conns", 1)
	v.SetDefault("state.postgres.max_conn_lifetime", "30m")
	v.SetDefault("sinks.telegram.enabled", false)
	v.SetDefault("sinks.feed.enabled", false)
	v.SetDefault("sinks.feed.name", "Zacks - Commentary")
	v.SetDefault("sinks.feed.sender", "zacks")
	v.SetDefault("sinks.feed.target", "CSS")
	v.SetDefault("sinks.pubsub.enabled", false)
	v.SetDefault("sinks.archive.provider", "noop")
	v.SetDefault("sinks.archive.local_dir", "./archive")
	v.SetDefault("market.enabled", true)
	v.SetDefault("market.timezone", "America/Chicago")
	v.SetDefault("market.open_hour", 6)
	v.SetDefault("market.close_hour", 19)
	v.SetDefault("market.pre_open_login", "40m")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Coordinator.Port <= 0 {
		return fmt.Errorf("coordinator.port must be > 0")
	}
	if c.Coordinator.AdminPort <= 0 {
		return fmt.Errorf("coordinator.admin_port must be > 0")
	}
	if c.Coordinator.StartResourceID <= 0 {
		return fmt.Errorf("coordinator.start_resource_id must be > 0")
	}
	if c.Coordinator.AssignmentInterval <= 0 {
		return fmt.Errorf("coordinator.assignment_interval must be > 0")
	}
	if c.Coordinator.InactivityTimeout <= 0 {
		return fmt.Errorf("coordinator.inactivity_timeout must be > 0")
	}
	if c.Coordinator.SweepInterval <= 0 {
		return fmt.Errorf("coordinator.sweep_interval must be > 0")
	}
	if c.Agent.FetchTimeout <= 0 {
		return fmt.Errorf("agent.fetch_timeout must be > 0")
	}
	if c.Agent.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be > 0")
	}
	if c.Agent.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("agent.max_consecutive_failures must be > 0")
	}
	if c.Accounts.CredentialsFile == "" {
		return fmt.Errorf("accounts.credentials_file is required")
	}
	switch c.State.Provider {
	case "memory":
	case "file":
		if c.State.File.Dir == "" {
			return fmt.Errorf("state.file.dir is required for the file provider")
		}
	case "postgres":
		if c.State.Postgres.DSN == "" {
			return fmt.Errorf("state.postgres.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("state.provider must be one of memory, file, postgres")
	}
	if c.Sinks.Telegram.Enabled && (c.Sinks.Telegram.Token == "" || c.Sinks.Telegram.ChatID == "") {
		return fmt.Errorf("sinks.telegram.token and sinks.telegram.chat_id are required when telegram is enabled")
	}
	if c.Sinks.Feed.Enabled && c.Sinks.Feed.URL == "" {
		return fmt.Errorf("sinks.feed.url is required when the feed sink is enabled")
	}
	if c.Sinks.PubSub.Enabled && (c.Sinks.PubSub.ProjectID == "" || c.Sinks.PubSub.TopicName == "") {
		return fmt.Errorf("sinks.pubsub.project_id and sinks.pubsub.topic_name are required when pubsub is enabled")
	}
	switch c.Sinks.Archive.Provider {
	case "", "noop":
	case "local":
		if c.Sinks.Archive.LocalDir == "" {
			return fmt.Errorf("sinks.archive.local_dir is required for the local archive")
		}
	case "gcs":
		if c.Sinks.Archive.GCSBucket == "" {
			return fmt.Errorf("sinks.archive.gcs_bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("sinks.archive.provider must be one of noop, local, gcs")
	}
	return nil
}

// DefaultCooldown converts the configured minutes into a duration.
func (c Config) DefaultCooldown() time.Duration {
	return time.Duration(c.Accounts.DefaultCooldownMinutes) * time.Minute
}
