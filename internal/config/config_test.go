package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("Default() config should be valid, got %v", err)
	}
}

func TestExampleConfigParses(t *testing.T) {
	data, err := GetExampleConfig()
	if err != nil {
		t.Fatalf("Failed to read example config: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("Failed to parse example config: %v", err)
	}
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		t.Fatalf("Example config should be valid, got %v", err)
	}
	if cfg.Selection.MaxRelayConnections != 20 {
		t.Errorf("Expected max_relay_connections 20, got %d", cfg.Selection.MaxRelayConnections)
	}
	if !cfg.Relays.Policy.AutoReconnect {
		t.Errorf("Expected auto_reconnect to be enabled")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volare.yaml")
	content := `
selection:
  max_relay_connections: 7
sync:
  debounce_ms: 100
retention:
  root_post_threshold: 50
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("VOLARE_LOG_LEVEL", "DEBUG")
	t.Setenv("VOLARE_SQLITE_PATH", filepath.Join(dir, "db.sqlite"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Selection.MaxRelayConnections != 7 {
		t.Errorf("Expected max_relay_connections 7, got %d", cfg.Selection.MaxRelayConnections)
	}
	if cfg.Sync.CoalesceWindowMs != 200 {
		t.Errorf("Expected coalesce window to default to twice the debounce, got %d", cfg.Sync.CoalesceWindowMs)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected env override of log level, got %s", cfg.Logging.Level)
	}
	if cfg.Storage.SQLitePath != filepath.Join(dir, "db.sqlite") {
		t.Errorf("Expected env override of sqlite path, got %s", cfg.Storage.SQLitePath)
	}
	if len(cfg.Relays.Seeds) == 0 {
		t.Errorf("Expected default seeds to be applied")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "bad npub",
			modify:  func(c *Config) { c.Identity.Npub = "nsec1abc" },
			wantErr: true,
		},
		{
			name:    "bad seed scheme",
			modify:  func(c *Config) { c.Relays.Seeds = []string{"https://relay.example"} },
			wantErr: true,
		},
		{
			name: "coalesce window not larger than debounce",
			modify: func(c *Config) {
				c.Sync.DebounceMs = 500
				c.Sync.CoalesceWindowMs = 500
			},
			wantErr: true,
		},
		{
			name:    "zero threshold",
			modify:  func(c *Config) { c.Retention.RootPostThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "invalid cron",
			modify:  func(c *Config) { c.Retention.Cron = "every day" },
			wantErr: true,
		},
		{
			name:    "redis without url",
			modify:  func(c *Config) { c.Caching.Engine = "redis" },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRuntimeUpdate(t *testing.T) {
	rt := NewRuntime(Default())
	ch := rt.Subscribe()

	if err := rt.Update(func(s *Settings) { s.MaxRelayConnections = 3 }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := rt.Get().MaxRelayConnections; got != 3 {
		t.Errorf("Expected 3 relay connections, got %d", got)
	}

	select {
	case s := <-ch:
		if s.MaxRelayConnections != 3 {
			t.Errorf("Subscriber got %d, want 3", s.MaxRelayConnections)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber was not notified")
	}

	err := rt.Update(func(s *Settings) { s.CoalesceWindow = s.Debounce })
	if err == nil {
		t.Fatal("Expected invalid update to be rejected")
	}
	if got := rt.Get().CoalesceWindow; got != 600*time.Millisecond {
		t.Errorf("Rejected update must not change settings, got %s", got)
	}
}

func TestRuntimeRejectsZeroLimits(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
	}{
		{"max relays", func(s *Settings) { s.MaxRelays = 0 }},
		{"max relay connections", func(s *Settings) { s.MaxRelayConnections = 0 }},
		{"max relays per pubkey", func(s *Settings) { s.MaxRelaysPerPubkey = -1 }},
		{"root post threshold", func(s *Settings) { s.RootPostThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewRuntime(Default())
			before := rt.Get()
			if err := rt.Update(tt.modify); err == nil {
				t.Fatal("Expected update to be rejected")
			}
			if rt.Get() != before {
				t.Errorf("Rejected update changed settings: %+v", rt.Get())
			}
		})
	}
}
