package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Coordinator.Port != 6969 {
		t.Fatalf("expected default port 6969, got %d", cfg.Coordinator.Port)
	}
	if cfg.Coordinator.StartResourceID != 44640 {
		t.Fatalf("expected default start id 44640, got %d", cfg.Coordinator.StartResourceID)
	}
	if cfg.Coordinator.AssignmentInterval != 800*time.Millisecond {
		t.Fatalf("expected 800ms assignment interval, got %v", cfg.Coordinator.AssignmentInterval)
	}
	if cfg.Coordinator.JobTimeout != 90*time.Second {
		t.Fatalf("expected 90s job timeout, got %v", cfg.Coordinator.JobTimeout)
	}
	if cfg.Agent.WorkerID != "" {
		t.Fatalf("expected empty default worker id, got %q", cfg.Agent.WorkerID)
	}
	if cfg.Agent.CoordinatorURL != "ws://localhost:6969/ws" {
		t.Fatalf("unexpected default coordinator url %q", cfg.Agent.CoordinatorURL)
	}
	if cfg.State.Provider != "file" {
		t.Fatalf("expected file state provider, got %q", cfg.State.Provider)
	}
	if cfg.Market.Timezone != "America/Chicago" || cfg.Market.PreOpenLogin != 40*time.Minute {
		t.Fatalf("unexpected market defaults: %+v", cfg.Market)
	}
	if got := cfg.DefaultCooldown(); got != 15*time.Minute {
		t.Fatalf("expected 15m default cooldown, got %v", got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
coordinator:
  port: 7070
  admin_port: 9090
  start_resource_id: 50000
  assignment_interval: 1s
  session_refresh_interval: 45m
agent:
  coordinator_url: ws://coord.internal:7070/ws
  fetch_timeout: 10s
  headless: false
accounts:
  credentials_file: /secrets/creds.json
  default_cooldown_minutes: 30
state:
  provider: postgres
  postgres:
    dsn: postgres://user:pass@db:5432/commentary
sinks:
  telegram:
    enabled: true
    token: tok
    chat_id: "-100"
  archive:
    provider: local
    local_dir: /var/archive
market:
  enabled: false
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Coordinator.Port != 7070 || cfg.Coordinator.AdminPort != 9090 {
		t.Fatalf("expected port overrides to apply, got %+v", cfg.Coordinator)
	}
	if cfg.Coordinator.SessionRefreshInterval != 45*time.Minute {
		t.Fatalf("expected 45m session refresh, got %v", cfg.Coordinator.SessionRefreshInterval)
	}
	if cfg.Agent.CoordinatorURL != "ws://coord.internal:7070/ws" || cfg.Agent.Headless {
		t.Fatalf("expected agent overrides to apply, got %+v", cfg.Agent)
	}
	if cfg.State.Provider != "postgres" || cfg.State.Postgres.DSN == "" {
		t.Fatalf("expected postgres state config, got %+v", cfg.State)
	}
	if !cfg.Sinks.Telegram.Enabled || cfg.Sinks.Telegram.ChatID != "-100" {
		t.Fatalf("expected telegram sink config, got %+v", cfg.Sinks.Telegram)
	}
	if cfg.Sinks.Archive.Provider != "local" || cfg.Sinks.Archive.LocalDir != "/var/archive" {
		t.Fatalf("expected local archive config, got %+v", cfg.Sinks.Archive)
	}
	if cfg.Market.Enabled {
		t.Fatalf("expected market gate disabled")
	}
	if cfg.Sinks.Feed.Name != "Zacks - Commentary" {
		t.Fatalf("expected feed name default to survive partial override, got %q", cfg.Sinks.Feed.Name)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Coordinator: CoordinatorConfig{
			Port:               6969,
			AdminPort:          8080,
			StartResourceID:    44640,
			AssignmentInterval: 800 * time.Millisecond,
			InactivityTimeout:  30 * time.Second,
			SweepInterval:      time.Minute,
		},
		Agent: AgentConfig{
			FetchTimeout:           6 * time.Second,
			PollInterval:           100 * time.Millisecond,
			MaxConsecutiveFailures: 3,
		},
		Accounts: AccountsConfig{CredentialsFile: "cred/credentials.json"},
		State:    StateConfig{Provider: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Coordinator.Port = 0
				return c
			}(),
			want: "coordinator.port",
		},
		{
			name: "invalid start id",
			cfg: func() Config {
				c := base
				c.Coordinator.StartResourceID = 0
				return c
			}(),
			want: "coordinator.start_resource_id",
		},
		{
			name: "invalid fetch timeout",
			cfg: func() Config {
				c := base
				c.Agent.FetchTimeout = 0
				return c
			}(),
			want: "agent.fetch_timeout",
		},
		{
			name: "missing credentials file",
			cfg: func() Config {
				c := base
				c.Accounts.CredentialsFile = ""
				return c
			}(),
			want: "accounts.credentials_file",
		},
		{
			name: "unknown state provider",
			cfg: func() Config {
				c := base
				c.State.Provider = "dynamo"
				return c
			}(),
			want: "state.provider",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.State.Provider = "postgres"
				return c
			}(),
			want: "state.postgres.dsn",
		},
		{
			name: "telegram without token",
			cfg: func() Config {
				c := base
				c.Sinks.Telegram.Enabled = true
				return c
			}(),
			want: "sinks.telegram",
		},
		{
			name: "feed without url",
			cfg: func() Config {
				c := base
				c.Sinks.Feed.Enabled = true
				return c
			}(),
			want: "sinks.feed.url",
		},
		{
			name: "gcs archive without bucket",
			cfg: func() Config {
				c := base
				c.Sinks.Archive.Provider = "gcs"
				return c
			}(),
			want: "sinks.archive.gcs_bucket",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
