package config

import (
	"fmt"
	"sync"
	"time"
)

// Settings are the options that can change while the client runs.
type Settings struct {
	RootPostThreshold   int
	MaxRelayConnections int
	MaxRelaysPerPubkey  int
	MaxRelays           int
	Debounce            time.Duration
	CoalesceWindow      time.Duration
	AutoReconnect       bool
	ShowAuthorNames     bool
}

func settingsFrom(cfg *Config) Settings {
	return Settings{
		RootPostThreshold:   cfg.Retention.RootPostThreshold,
		MaxRelayConnections: cfg.Selection.MaxRelayConnections,
		MaxRelaysPerPubkey:  cfg.Selection.MaxRelaysPerPubkey,
		MaxRelays:           cfg.Selection.MaxRelays,
		Debounce:            time.Duration(cfg.Sync.DebounceMs) * time.Millisecond,
		CoalesceWindow:      time.Duration(cfg.Sync.CoalesceWindowMs) * time.Millisecond,
		AutoReconnect:       cfg.Relays.Policy.AutoReconnect,
		ShowAuthorNames:     cfg.Display.ShowAuthorNames,
	}
}

func validateSettings(s Settings) error {
	if s.RootPostThreshold < 1 {
		return fmt.Errorf("retention.root_post_threshold must be at least 1")
	}
	if s.MaxRelayConnections < 1 {
		return fmt.Errorf("selection.max_relay_connections must be at least 1")
	}
	if s.MaxRelays < 1 {
		return fmt.Errorf("selection.max_relays must be at least 1")
	}
	if s.MaxRelaysPerPubkey < 1 {
		return fmt.Errorf("selection.max_relays_per_pubkey must be at least 1")
	}
	if s.CoalesceWindow <= s.Debounce {
		return fmt.Errorf("coalesce window (%s) must be greater than debounce (%s)", s.CoalesceWindow, s.Debounce)
	}
	return nil
}

// Runtime holds the current Settings. Readers take a snapshot with Get on
// every use so updates apply without a restart.
type Runtime struct {
	mu       sync.RWMutex
	settings Settings
	subs     []chan Settings
}

// NewRuntime creates a Runtime seeded from a loaded configuration
func NewRuntime(cfg *Config) *Runtime {
	return &Runtime{settings: settingsFrom(cfg)}
}

// Get returns a copy of the current settings
func (r *Runtime) Get() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Update applies fn to a copy of the settings and stores the result if it
// validates. Subscribers receive the new settings.
func (r *Runtime) Update(fn func(*Settings)) error {
	r.mu.Lock()
	next := r.settings
	fn(&next)
	if err := validateSettings(next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("invalid settings: %w", err)
	}
	r.settings = next
	subs := append([]chan Settings(nil), r.subs...)
	r.mu.Unlock()

	for _, ch := range subs {
		// Keep only the latest value for slow readers
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving settings after each successful Update
func (r *Runtime) Subscribe() <-chan Settings {
	ch := make(chan Settings, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}
