package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"

	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
)

// ErrSaveInProgress is returned by Save while a previous save runs
var ErrSaveInProgress = errors.New("relay list save already in progress")

// RelaySource provides the account's relay list and suggestions
type RelaySource interface {
	MyRelayList(ctx context.Context) ([]nostrclient.RelayEntry, error)
	PopularRelays(ctx context.Context) []string
	WriteRelays(ctx context.Context) []string
}

// RelayListPublisher publishes a NIP-65 relay list
type RelayListPublisher interface {
	PublishRelayList(ctx context.Context, entries []nostrclient.RelayEntry, relays []string) (*nostr.Event, error)
}

// RelayListStore stores the confirmed relay list
type RelayListStore interface {
	UpsertRelayList(ctx context.Context, pubkey string, entries []nostrclient.RelayEntry, createdAt int64) (bool, error)
}

// RelayEditor edits the active account's relay list. Edits stay local
// until Save.
type RelayEditor struct {
	source    RelaySource
	publisher RelayListPublisher
	store     RelayListStore
	identity  Identity
	statuses  *nostrclient.StatusTracker
	logger    *ops.Logger

	saving atomic.Bool

	mu      sync.Mutex
	entries []nostrclient.RelayEntry
}

// NewRelayEditor creates an editor
func NewRelayEditor(source RelaySource, publisher RelayListPublisher, store RelayListStore, identity Identity, statuses *nostrclient.StatusTracker, logger *ops.Logger) *RelayEditor {
	return &RelayEditor{
		source:    source,
		publisher: publisher,
		store:     store,
		identity:  identity,
		statuses:  statuses,
		logger:    logger.WithComponent("relay-editor"),
	}
}

// Load replaces the edited entries with the stored relay list
func (e *RelayEditor) Load(ctx context.Context) error {
	entries, err := e.source.MyRelayList(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.entries = entries
	e.mu.Unlock()
	return nil
}

// Entries returns a copy of the edited entries
func (e *RelayEditor) Entries() []nostrclient.RelayEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]nostrclient.RelayEntry(nil), e.entries...)
}

func (e *RelayEditor) index(url string) int {
	return lo.IndexOf(lo.Map(e.entries, func(r nostrclient.RelayEntry, _ int) string { return r.URL }), url)
}

// Add appends url as a read and write relay
func (e *RelayEditor) Add(url string) error {
	normalized := nostrclient.NormalizeURL(url)
	if normalized == "" {
		return fmt.Errorf("invalid relay url %q", url)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index(normalized) >= 0 {
		return fmt.Errorf("relay %s already in list", normalized)
	}
	e.entries = append(e.entries, nostrclient.RelayEntry{URL: normalized, Read: true, Write: true})
	return nil
}

// Remove drops url. The last relay cannot be removed.
func (e *RelayEditor) Remove(url string) bool {
	url = nostrclient.NormalizeURL(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.index(url)
	if i < 0 || len(e.entries) == 1 {
		return false
	}
	e.entries = append(e.entries[:i], e.entries[i+1:]...)
	return true
}

// ToggleRead flips the read flag of url. A relay keeps at least one flag.
func (e *RelayEditor) ToggleRead(url string) bool {
	return e.toggle(url, func(r *nostrclient.RelayEntry) { r.Read = !r.Read })
}

// ToggleWrite flips the write flag of url. A relay keeps at least one flag.
func (e *RelayEditor) ToggleWrite(url string) bool {
	return e.toggle(url, func(r *nostrclient.RelayEntry) { r.Write = !r.Write })
}

func (e *RelayEditor) toggle(url string, flip func(*nostrclient.RelayEntry)) bool {
	url = nostrclient.NormalizeURL(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.index(url)
	if i < 0 {
		return false
	}
	next := e.entries[i]
	flip(&next)
	if !next.Read && !next.Write {
		return false
	}
	e.entries[i] = next
	return true
}

// IsSaving reports whether a save is running
func (e *RelayEditor) IsSaving() bool {
	return e.saving.Load()
}

// Save publishes the edited list to its write relays and the current ones,
// then stores it as the account's directory
func (e *RelayEditor) Save(ctx context.Context) error {
	if !e.saving.CompareAndSwap(false, true) {
		return ErrSaveInProgress
	}
	defer e.saving.Store(false)

	entries := e.Entries()
	if len(entries) == 0 {
		return fmt.Errorf("relay list is empty")
	}
	targets := lo.FilterMap(entries, func(r nostrclient.RelayEntry, _ int) (string, bool) { return r.URL, r.Write })
	targets = nostrclient.NormalizeURLs(append(targets, e.source.WriteRelays(ctx)...), 0)

	ev, err := e.publisher.PublishRelayList(ctx, entries, targets)
	if err != nil {
		return fmt.Errorf("failed to publish relay list: %w", err)
	}
	if _, err := e.store.UpsertRelayList(ctx, e.identity.Pubkey(), entries, int64(ev.CreatedAt)); err != nil {
		return fmt.Errorf("failed to store relay list: %w", err)
	}
	e.logger.Info("relay list saved", "relays", len(entries))
	return nil
}

// PopularRelays returns suggested relays not yet in the edited list
func (e *RelayEditor) PopularRelays(ctx context.Context) []string {
	popular := e.source.PopularRelays(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.Filter(popular, func(url string, _ int) bool { return e.index(url) < 0 })
}

// Statuses returns the connection status of each edited relay
func (e *RelayEditor) Statuses() map[string]nostrclient.ConnectionStatus {
	out := make(map[string]nostrclient.ConnectionStatus)
	for _, r := range e.Entries() {
		status, _ := e.statuses.Get(r.URL)
		out[r.URL] = status
	}
	return out
}
