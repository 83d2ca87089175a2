package ops

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// SystemStats contains overall process statistics
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	GoVersion     string
	NumGoroutines int
	MemAllocMB    float64
	MemSysMB      float64
	NumGC         uint32
}

// StatsSource reports row counts per table
type StatsSource interface {
	TableCounts(ctx context.Context) (map[string]int64, error)
}

// StatusSource reports relay connection states by URL
type StatusSource interface {
	RelayStatuses() map[string]string
	ActiveSubscriptions() int
}

// AccountSource reports the active account
type AccountSource interface {
	Pubkey() string
	CanSign() bool
}

// Diagnostics is one collected snapshot
type Diagnostics struct {
	CollectedAt   time.Time
	System        *SystemStats
	Tables        map[string]int64
	Relays        map[string]string
	Subscriptions int
	Account       string
	CanSign       bool
}

// DiagnosticsCollector collects process, storage and relay diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	storage   StatsSource
	relays    StatusSource
	account   AccountSource
}

// NewDiagnosticsCollector creates a new diagnostics collector
func NewDiagnosticsCollector(version, commit string, st StatsSource, relays StatusSource, account AccountSource) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		storage:   st,
		relays:    relays,
		account:   account,
	}
}

// CollectSystemStats collects process level statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:   d.version,
		Commit:    d.commit,
		Uptime:    time.Since(d.startTime),
		StartTime: d.startTime,

		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAllocMB:    float64(m.Alloc) / 1024 / 1024,
		MemSysMB:      float64(m.Sys) / 1024 / 1024,
		NumGC:         m.NumGC,
	}
}

// Collect gathers a full snapshot
func (d *DiagnosticsCollector) Collect(ctx context.Context) (*Diagnostics, error) {
	tables, err := d.storage.TableCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect storage stats: %w", err)
	}
	return &Diagnostics{
		CollectedAt:   time.Now(),
		System:        d.CollectSystemStats(),
		Tables:        tables,
		Relays:        d.relays.RelayStatuses(),
		Subscriptions: d.relays.ActiveSubscriptions(),
		Account:       d.account.Pubkey(),
		CanSign:       d.account.CanSign(),
	}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatAsText formats diagnostics as plain text
func (d *Diagnostics) FormatAsText() string {
	var out strings.Builder

	fmt.Fprintf(&out, "=== volare Diagnostics ===\n")
	fmt.Fprintf(&out, "Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	fmt.Fprintf(&out, "--- System ---\n")
	fmt.Fprintf(&out, "Version: %s (%s)\n", d.System.Version, d.System.Commit)
	fmt.Fprintf(&out, "Uptime: %s\n", d.System.Uptime.Round(time.Second))
	fmt.Fprintf(&out, "Go Version: %s\n", d.System.GoVersion)
	fmt.Fprintf(&out, "Goroutines: %d\n", d.System.NumGoroutines)
	fmt.Fprintf(&out, "Memory: %.2f MB allocated, %.2f MB system\n", d.System.MemAllocMB, d.System.MemSysMB)
	fmt.Fprintf(&out, "GC Runs: %d\n\n", d.System.NumGC)

	fmt.Fprintf(&out, "--- Account ---\n")
	mode := "read-only"
	if d.CanSign {
		mode = "signing"
	}
	fmt.Fprintf(&out, "Pubkey: %s (%s)\n\n", d.Account, mode)

	fmt.Fprintf(&out, "--- Storage ---\n")
	for _, table := range sortedKeys(d.Tables) {
		fmt.Fprintf(&out, "  %s: %d rows\n", table, d.Tables[table])
	}
	out.WriteString("\n")

	fmt.Fprintf(&out, "--- Relays ---\n")
	fmt.Fprintf(&out, "Open subscriptions: %d\n", d.Subscriptions)
	for _, url := range sortedKeys(d.Relays) {
		fmt.Fprintf(&out, "  %s: %s\n", url, d.Relays[url])
	}
	return out.String()
}
