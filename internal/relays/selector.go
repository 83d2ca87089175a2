// Package relays decides which relays serve a task under the connection
// budget.
package relays

import (
	"context"
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/samber/lo"

	"github.com/dtonon/volare/internal/config"
	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/storage"
)

// Store is the part of storage the selector reads
type Store interface {
	GetNip65(ctx context.Context, pubkeys []string, read, write bool) ([]storage.Nip65Entry, error)
	GetEventRelayAuthorView(ctx context.Context, authors []string) ([]storage.AuthorRelay, error)
	GetAllEventRelays(ctx context.Context) ([]string, error)
	GetPopularRelays(ctx context.Context, limit int) ([]storage.RelayUsage, error)
}

// Transport exposes connection state and accepts connection requests
type Transport interface {
	Statuses() *nostrclient.StatusTracker
	AddRelays(urls []string)
	GetSeedRelays() []string
}

// Identity names the active account
type Identity interface {
	Pubkey() string
}

// Selector maps information needs to bounded relay sets
type Selector struct {
	store     Store
	transport Transport
	identity  Identity
	runtime   *config.Runtime
	selection *config.Selection
	logger    *ops.Logger
}

// New creates a selector
func New(store Store, transport Transport, identity Identity, rt *config.Runtime, selection *config.Selection, logger *ops.Logger) *Selector {
	return &Selector{
		store:     store,
		transport: transport,
		identity:  identity,
		runtime:   rt,
		selection: selection,
		logger:    logger.WithComponent("relays"),
	}
}

// Bootstrap returns the fixed relays used when nothing better is known
func (s *Selector) Bootstrap() []string {
	if seeds := s.transport.GetSeedRelays(); len(seeds) > 0 {
		return seeds
	}
	return nostrclient.NormalizeURLs(config.DefaultSeeds(), 0)
}

// myRelays returns the account's read or write relays, or the bootstrap set
// when none are declared, truncated to MaxRelays
func (s *Selector) myRelays(ctx context.Context, read, write bool) []string {
	limit := s.runtime.Get().MaxRelays
	pubkey := s.identity.Pubkey()
	if pubkey == "" {
		return s.preferConnected(s.Bootstrap(), limit)
	}
	entries, err := s.store.GetNip65(ctx, []string{pubkey}, read, write)
	if err != nil {
		s.logger.Warn("failed to read own relay list", "error", err)
		return s.preferConnected(s.Bootstrap(), limit)
	}
	urls := nostrclient.NormalizeURLs(lo.Map(entries, func(e storage.Nip65Entry, _ int) string { return e.URL }), 0)
	if len(urls) == 0 {
		urls = s.Bootstrap()
	}
	return s.preferConnected(urls, limit)
}

// ReadRelays returns the active account's read relays, at most MaxRelays
func (s *Selector) ReadRelays(ctx context.Context) []string {
	return s.myRelays(ctx, true, false)
}

// WriteRelays returns the active account's write relays, at most MaxRelays
func (s *Selector) WriteRelays(ctx context.Context) []string {
	return s.myRelays(ctx, false, true)
}

// MyRelayList returns the active account's directory as entries
func (s *Selector) MyRelayList(ctx context.Context) ([]nostrclient.RelayEntry, error) {
	pubkey := s.identity.Pubkey()
	if pubkey == "" {
		return nil, nil
	}
	entries, err := s.store.GetNip65(ctx, []string{pubkey}, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read relay list: %w", err)
	}
	return lo.Map(entries, func(e storage.Nip65Entry, _ int) nostrclient.RelayEntry {
		return nostrclient.RelayEntry{URL: e.URL, Read: e.IsRead, Write: e.IsWrite}
	}), nil
}

// PublishRelays is every connected relay plus the account's write relays
func (s *Selector) PublishRelays(ctx context.Context) []string {
	statuses := s.transport.Statuses()
	return nostrclient.NormalizeURLs(append(statuses.URLs(nostrclient.Connected), s.WriteRelays(ctx)...), 0)
}

// PublishRelaysTo adds the read relays of pubkeys, capped per pubkey, so
// they see a reply or mention addressed to them.
func (s *Selector) PublishRelaysTo(ctx context.Context, pubkeys []string) []string {
	urls := s.PublishRelays(ctx)
	pubkeys = lo.Uniq(lo.Without(pubkeys, "", s.identity.Pubkey()))
	if len(pubkeys) == 0 {
		return urls
	}

	entries, err := s.store.GetNip65(ctx, pubkeys, true, false)
	if err != nil {
		s.logger.Warn("failed to read relay lists of recipients", "error", err)
		return urls
	}
	limit := s.runtime.Get().MaxRelaysPerPubkey
	byPubkey := lo.GroupBy(entries, func(e storage.Nip65Entry) string { return e.Pubkey })
	for _, pk := range pubkeys {
		read := nostrclient.NormalizeURLs(lo.Map(byPubkey[pk], func(e storage.Nip65Entry, _ int) string { return e.URL }), 0)
		urls = append(urls, s.preferConnected(read, limit)...)
	}
	return nostrclient.NormalizeURLs(urls, 0)
}

// ObserveRelays returns where to look for events of one pubkey: its write
// relays and the account's read relays, each truncated to MaxRelays.
func (s *Selector) ObserveRelays(ctx context.Context, pubkey string) []string {
	entries, err := s.store.GetNip65(ctx, []string{pubkey}, false, true)
	if err != nil {
		s.logger.Warn("failed to read relay list", "pubkey", pubkey, "error", err)
	}
	write := nostrclient.NormalizeURLs(lo.Map(entries, func(e storage.Nip65Entry, _ int) string { return e.URL }), 0)
	write = s.preferConnected(write, s.runtime.Get().MaxRelays)
	return nostrclient.NormalizeURLs(append(write, s.ReadRelays(ctx)...), 0)
}

// ObserveRelaysForNprofile decodes an nprofile and puts its relay hints
// ahead of the usual observe relays
func (s *Selector) ObserveRelaysForNprofile(ctx context.Context, nprofile string) (string, []string, error) {
	prefix, value, err := nip19.Decode(nprofile)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode nprofile: %w", err)
	}
	var pubkey string
	var hints []string
	switch v := value.(type) {
	case nostr.ProfilePointer:
		pubkey, hints = v.PublicKey, v.Relays
	case string:
		if prefix != "npub" {
			return "", nil, fmt.Errorf("unexpected %s", prefix)
		}
		pubkey = v
	default:
		return "", nil, fmt.Errorf("unexpected %s", prefix)
	}
	return pubkey, s.withHints(hints, s.ObserveRelays(ctx, pubkey)), nil
}

// ObserveRelaysForNevent decodes an nevent and puts its relay hints ahead of
// the author's observe relays, or the read relays if the author is unknown
func (s *Selector) ObserveRelaysForNevent(ctx context.Context, nevent string) (string, []string, error) {
	prefix, value, err := nip19.Decode(nevent)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode nevent: %w", err)
	}
	var pointer nostr.EventPointer
	switch v := value.(type) {
	case nostr.EventPointer:
		pointer = v
	case string:
		if prefix != "note" {
			return "", nil, fmt.Errorf("unexpected %s", prefix)
		}
		pointer.ID = v
	default:
		return "", nil, fmt.Errorf("unexpected %s", prefix)
	}

	base := s.ReadRelays(ctx)
	if pointer.Author != "" {
		base = s.ObserveRelays(ctx, pointer.Author)
	}
	return pointer.ID, s.withHints(pointer.Relays, base), nil
}

func (s *Selector) withHints(hints, base []string) []string {
	hints = nostrclient.NormalizeURLs(hints, s.runtime.Get().MaxRelays)
	return nostrclient.NormalizeURLs(append(hints, base...), 0)
}

// PopularRelays returns the relays most often declared in stored
// directories
func (s *Selector) PopularRelays(ctx context.Context) []string {
	limit := 50
	if s.selection != nil && s.selection.MaxPopularRelays > 0 {
		limit = s.selection.MaxPopularRelays
	}
	rows, err := s.store.GetPopularRelays(ctx, limit)
	if err != nil {
		s.logger.Warn("failed to read popular relays", "error", err)
		return nil
	}
	return nostrclient.NormalizeURLs(lo.Map(rows, func(r storage.RelayUsage, _ int) string { return r.URL }), limit)
}

// preferConnected truncates urls to limit. When truncation is needed the
// order is shuffled first so the same subset is not always picked, then
// connected relays move to the front.
func (s *Selector) preferConnected(urls []string, limit int) []string {
	if limit <= 0 || len(urls) <= limit {
		return urls
	}
	statuses := s.transport.Statuses()
	shuffled := lo.Shuffle(append([]string(nil), urls...))
	sort.SliceStable(shuffled, func(i, j int) bool {
		return isConnected(statuses, shuffled[i]) && !isConnected(statuses, shuffled[j])
	})
	return shuffled[:limit]
}

func isConnected(statuses *nostrclient.StatusTracker, url string) bool {
	status, ok := statuses.Get(url)
	return ok && status == nostrclient.Connected
}
