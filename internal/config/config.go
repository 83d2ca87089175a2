package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete volare configuration
type Config struct {
	Identity  Identity  `yaml:"identity"`
	Relays    Relays    `yaml:"relays"`
	Selection Selection `yaml:"selection"`
	Sync      Sync      `yaml:"sync"`
	Storage   Storage   `yaml:"storage"`
	Retention Retention `yaml:"retention"`
	Caching   Caching   `yaml:"caching"`
	Logging   Logging   `yaml:"logging"`
	Display   Display   `yaml:"display"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Identity contains the initial account. The secret key is only read from
// VOLARE_NSEC; an npub alone gives a read-only account.
type Identity struct {
	Npub string `yaml:"npub"`
	Nsec string `yaml:"-"`
}

// Relays contains relay configuration
type Relays struct {
	Seeds  []string    `yaml:"seeds"` // bootstrap set used when no relay list is known
	Policy RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs int  `yaml:"connect_timeout_ms"`
	AutoReconnect    bool `yaml:"auto_reconnect"`
	ReconnectMs      int  `yaml:"reconnect_ms"`
	ReconnectBurst   int  `yaml:"reconnect_burst"`
}

// Selection bounds how many relays are used per task
type Selection struct {
	MaxRelayConnections int `yaml:"max_relay_connections"`
	MaxRelaysPerPubkey  int `yaml:"max_relays_per_pubkey"`
	MaxRelays           int `yaml:"max_relays"`
	MaxPopularRelays    int `yaml:"max_popular_relays"`
}

// Sync contains subscription and ingest settings
type Sync struct {
	DebounceMs       int `yaml:"debounce_ms"`        // shortest debounce of individual requests
	CoalesceWindowMs int `yaml:"coalesce_window_ms"` // batcher window, must exceed debounce_ms
	VoteDebounceMs   int `yaml:"vote_debounce_ms"`
	ListDebounceMs   int `yaml:"list_debounce_ms"`
	SettleDelayMs    int `yaml:"settle_delay_ms"`
	WaitTimeoutMs    int `yaml:"wait_timeout_ms"`
	FeedPageSize     int `yaml:"feed_page_size"`
	MaxListKeys      int `yaml:"max_list_keys"`
	Workers          int `yaml:"workers"`
}

// Storage contains storage backend settings
type Storage struct {
	Driver      string `yaml:"driver"` // sqlite
	SQLitePath  string `yaml:"sqlite_path"`
	RelayListen string `yaml:"relay_listen"` // optional read-only local relay, e.g. 127.0.0.1:4869
}

// Retention defines the sweep policy
type Retention struct {
	RootPostThreshold int    `yaml:"root_post_threshold"`
	Cron              string `yaml:"cron"`
	SweepOnStart      bool   `yaml:"sweep_on_start"`
}

// Caching contains the de-duplication cache configuration
type Caching struct {
	Engine   string `yaml:"engine"` // memory|redis
	Size     int    `yaml:"size"`
	RedisURL string `yaml:"redis_url"`
	TTLSecs  int    `yaml:"ttl_secs"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Display contains presentation switches that influence syncing
type Display struct {
	ShowAuthorNames bool `yaml:"show_author_names"`
}

// Metrics configures the prometheus endpoint
type Metrics struct {
	Listen string `yaml:"listen"`
}

func applyDefaults(cfg *Config) {
	defaults := Default()

	if len(cfg.Relays.Seeds) == 0 {
		cfg.Relays.Seeds = defaults.Relays.Seeds
	}
	if cfg.Relays.Policy.ConnectTimeoutMs == 0 {
		cfg.Relays.Policy.ConnectTimeoutMs = defaults.Relays.Policy.ConnectTimeoutMs
	}
	if cfg.Relays.Policy.ReconnectMs == 0 {
		cfg.Relays.Policy.ReconnectMs = defaults.Relays.Policy.ReconnectMs
	}
	if cfg.Relays.Policy.ReconnectBurst == 0 {
		cfg.Relays.Policy.ReconnectBurst = defaults.Relays.Policy.ReconnectBurst
	}

	if cfg.Selection.MaxRelayConnections == 0 {
		cfg.Selection.MaxRelayConnections = defaults.Selection.MaxRelayConnections
	}
	if cfg.Selection.MaxRelaysPerPubkey == 0 {
		cfg.Selection.MaxRelaysPerPubkey = defaults.Selection.MaxRelaysPerPubkey
	}
	if cfg.Selection.MaxRelays == 0 {
		cfg.Selection.MaxRelays = defaults.Selection.MaxRelays
	}
	if cfg.Selection.MaxPopularRelays == 0 {
		cfg.Selection.MaxPopularRelays = defaults.Selection.MaxPopularRelays
	}

	if cfg.Sync.DebounceMs == 0 {
		cfg.Sync.DebounceMs = defaults.Sync.DebounceMs
	}
	if cfg.Sync.CoalesceWindowMs == 0 {
		cfg.Sync.CoalesceWindowMs = 2 * cfg.Sync.DebounceMs
	}
	if cfg.Sync.VoteDebounceMs == 0 {
		cfg.Sync.VoteDebounceMs = defaults.Sync.VoteDebounceMs
	}
	if cfg.Sync.ListDebounceMs == 0 {
		cfg.Sync.ListDebounceMs = defaults.Sync.ListDebounceMs
	}
	if cfg.Sync.SettleDelayMs == 0 {
		cfg.Sync.SettleDelayMs = defaults.Sync.SettleDelayMs
	}
	if cfg.Sync.WaitTimeoutMs == 0 {
		cfg.Sync.WaitTimeoutMs = defaults.Sync.WaitTimeoutMs
	}
	if cfg.Sync.FeedPageSize == 0 {
		cfg.Sync.FeedPageSize = defaults.Sync.FeedPageSize
	}
	if cfg.Sync.MaxListKeys == 0 {
		cfg.Sync.MaxListKeys = defaults.Sync.MaxListKeys
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = defaults.Sync.Workers
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}

	if cfg.Retention.RootPostThreshold == 0 {
		cfg.Retention.RootPostThreshold = defaults.Retention.RootPostThreshold
	}
	if cfg.Retention.Cron == "" {
		cfg.Retention.Cron = defaults.Retention.Cron
	}

	if cfg.Caching.Engine == "" {
		cfg.Caching.Engine = defaults.Caching.Engine
	}
	if cfg.Caching.Size == 0 {
		cfg.Caching.Size = defaults.Caching.Size
	}
	if cfg.Caching.TTLSecs == 0 {
		cfg.Caching.TTLSecs = defaults.Caching.TTLSecs
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing fields
	applyDefaults(&cfg)

	// A missing .env is fine
	_ = godotenv.Load(".env")

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if nsec := os.Getenv("VOLARE_NSEC"); nsec != "" {
		cfg.Identity.Nsec = nsec
	}
	if npub := os.Getenv("VOLARE_NPUB"); npub != "" {
		cfg.Identity.Npub = npub
	}
	if redisURL := os.Getenv("VOLARE_REDIS_URL"); redisURL != "" {
		cfg.Caching.RedisURL = redisURL
	}
	if path := os.Getenv("VOLARE_SQLITE_PATH"); path != "" {
		cfg.Storage.SQLitePath = path
	}
	if level := os.Getenv("VOLARE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}

	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// DefaultSeeds returns the hardcoded bootstrap relays
func DefaultSeeds() []string {
	return []string{
		"wss://nos.lol",
		"wss://nostr.einundzwanzig.space",
		"wss://relay.mutinywallet.com",
		"wss://nostr.fmt.wiz.biz",
		"wss://relay.nostr.wirednet.jp",
	}
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Relays: Relays{
			Seeds: DefaultSeeds(),
			Policy: RelayPolicy{
				ConnectTimeoutMs: 5000,
				AutoReconnect:    true,
				ReconnectMs:      10000,
				ReconnectBurst:   4,
			},
		},
		Selection: Selection{
			MaxRelayConnections: 20,
			MaxRelaysPerPubkey:  2,
			MaxRelays:           5,
			MaxPopularRelays:    50,
		},
		Sync: Sync{
			DebounceMs:       300,
			CoalesceWindowMs: 600,
			VoteDebounceMs:   1000,
			ListDebounceMs:   1500,
			SettleDelayMs:    1000,
			WaitTimeoutMs:    3000,
			FeedPageSize:     30,
			MaxListKeys:      750,
			Workers:          4,
		},
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: "./data/volare.db",
		},
		Retention: Retention{
			RootPostThreshold: 1000,
			Cron:              "0 */6 * * *",
			SweepOnStart:      true,
		},
		Caching: Caching{
			Engine:  "memory",
			Size:    100000,
			TTLSecs: 86400,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Display: Display{
			ShowAuthorNames: true,
		},
	}
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLogFormats defines allowed log formats
var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// validStorageDrivers defines allowed storage drivers
var validStorageDrivers = map[string]bool{
	"sqlite": true,
}

// validCacheEngines defines allowed cache engines
var validCacheEngines = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	if cfg.Identity.Npub != "" && !strings.HasPrefix(cfg.Identity.Npub, "npub1") {
		return fmt.Errorf("identity.npub must start with 'npub1'")
	}
	if cfg.Identity.Nsec != "" && !strings.HasPrefix(cfg.Identity.Nsec, "nsec1") && len(cfg.Identity.Nsec) != 64 {
		return fmt.Errorf("VOLARE_NSEC must be an nsec1 key or 64 hex characters")
	}

	if len(cfg.Relays.Seeds) == 0 {
		return fmt.Errorf("at least one relay seed is required")
	}
	for _, seed := range cfg.Relays.Seeds {
		if !strings.HasPrefix(seed, "wss://") && !strings.HasPrefix(seed, "ws://") {
			return fmt.Errorf("relay seed must start with ws:// or wss://: %s", seed)
		}
	}
	if cfg.Relays.Policy.ReconnectMs < 0 {
		return fmt.Errorf("relays.policy.reconnect_ms must not be negative")
	}

	if err := validateSettings(settingsFrom(cfg)); err != nil {
		return err
	}
	if cfg.Selection.MaxRelays < 1 {
		return fmt.Errorf("selection.max_relays must be at least 1")
	}

	if cfg.Sync.DebounceMs < 1 {
		return fmt.Errorf("sync.debounce_ms must be at least 1")
	}
	if cfg.Sync.CoalesceWindowMs <= cfg.Sync.DebounceMs {
		return fmt.Errorf("sync.coalesce_window_ms must be greater than sync.debounce_ms")
	}
	if cfg.Sync.FeedPageSize < 1 {
		return fmt.Errorf("sync.feed_page_size must be at least 1")
	}
	if cfg.Sync.MaxListKeys < 1 {
		return fmt.Errorf("sync.max_list_keys must be at least 1")
	}
	if cfg.Sync.Workers < 1 || cfg.Sync.Workers > 64 {
		return fmt.Errorf("sync.workers must be between 1 and 64")
	}

	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be: sqlite)", cfg.Storage.Driver)
	}

	if !gronx.IsValid(cfg.Retention.Cron) {
		return fmt.Errorf("invalid retention.cron expression: %s", cfg.Retention.Cron)
	}

	if !validCacheEngines[cfg.Caching.Engine] {
		return fmt.Errorf("invalid cache engine: %s (must be one of: memory, redis)", cfg.Caching.Engine)
	}
	if cfg.Caching.Engine == "redis" && cfg.Caching.RedisURL == "" {
		return fmt.Errorf("caching.redis_url is required when caching.engine is redis")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be one of: text, json)", cfg.Logging.Format)
	}

	return nil
}
