package relays

import (
	"context"
	"sort"

	"github.com/samber/lo"

	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/storage"
)

// candidate is one relay and the requested authors that declared it
type candidate struct {
	url         string
	authors     []string
	connected   bool
	served      bool
	connectable bool
}

// ObserveAuthors assigns every requested author to the relays to ask for
// their events. At most MaxRelayConnections relays are picked from declared
// write relays and observation history; authors left over are asked on those
// relays and on the account's read relays. Connections to all chosen relays
// are requested.
func (s *Selector) ObserveAuthors(ctx context.Context, pubkeys []string) map[string][]string {
	pubkeys = lo.Uniq(lo.Without(pubkeys, ""))
	result := make(map[string][]string)
	if len(pubkeys) == 0 {
		return result
	}

	limit := s.runtime.Get().MaxRelayConnections
	statuses := s.transport.Statuses()
	covered := make(map[string]bool, len(pubkeys))

	served := map[string]bool{}
	if all, err := s.store.GetAllEventRelays(ctx); err == nil {
		for _, url := range all {
			served[url] = true
		}
	} else {
		s.logger.Warn("failed to read event relays", "error", err)
	}

	// Phase 1: declared write relays, greedy by newly covered authors
	entries, err := s.store.GetNip65(ctx, pubkeys, false, true)
	if err != nil {
		s.logger.Warn("failed to read write relays", "error", err)
	}
	candidates := buildCandidates(entries, statuses, served)
	for len(result) < limit && len(candidates) > 0 {
		best, fresh := -1, []string(nil)
		for i, c := range candidates {
			uncovered := lo.Filter(c.authors, func(pk string, _ int) bool { return !covered[pk] })
			if len(uncovered) == 0 {
				continue
			}
			if best == -1 || better(c, uncovered, candidates[best], fresh) {
				best, fresh = i, uncovered
			}
		}
		if best == -1 {
			break
		}
		result[candidates[best].url] = fresh
		for _, pk := range fresh {
			covered[pk] = true
		}
		candidates = append(candidates[:best], candidates[best+1:]...)
	}

	// Phase 2: relays that served these authors before
	if rest := uncoveredOf(pubkeys, covered); len(rest) > 0 {
		view, err := s.store.GetEventRelayAuthorView(ctx, rest)
		if err != nil {
			s.logger.Warn("failed to read event relay view", "error", err)
		}
		view = lo.Filter(view, func(r storage.AuthorRelay, _ int) bool {
			return nostrclient.NormalizeURL(r.RelayURL) != "" && !statuses.IsDisconnected(r.RelayURL)
		})
		sort.SliceStable(view, func(i, j int) bool {
			if view[i].RelayCount != view[j].RelayCount {
				return view[i].RelayCount > view[j].RelayCount
			}
			return isConnected(statuses, view[i].RelayURL) && !isConnected(statuses, view[j].RelayURL)
		})
		best := lo.UniqBy(view, func(r storage.AuthorRelay) string { return r.Pubkey })

		order := []string{}
		byRelay := map[string][]string{}
		for _, r := range best {
			url := nostrclient.NormalizeURL(r.RelayURL)
			if _, ok := byRelay[url]; !ok {
				order = append(order, url)
			}
			byRelay[url] = append(byRelay[url], r.Pubkey)
		}
		for _, url := range order {
			if _, ok := result[url]; !ok && len(result) >= limit {
				continue
			}
			result[url] = append(result[url], byRelay[url]...)
			for _, pk := range byRelay[url] {
				covered[pk] = true
			}
		}
	}

	// Phase 3: ask the relays already chosen and our own read relays
	if rest := uncoveredOf(pubkeys, covered); len(rest) > 0 {
		s.logger.Warn("authors without known relays, using read relays", "count", len(rest), "total", len(pubkeys))
		targets := append(lo.Keys(result), s.ReadRelays(ctx)...)
		for _, url := range lo.Uniq(targets) {
			result[url] = lo.Uniq(append(result[url], rest...))
		}
	}

	s.transport.AddRelays(lo.Keys(result))
	return result
}

func buildCandidates(entries []storage.Nip65Entry, statuses *nostrclient.StatusTracker, served map[string]bool) []candidate {
	byURL := map[string][]string{}
	order := []string{}
	for _, e := range entries {
		url := nostrclient.NormalizeURL(e.URL)
		if url == "" {
			continue
		}
		if _, ok := byURL[url]; !ok {
			order = append(order, url)
		}
		byURL[url] = append(byURL[url], e.Pubkey)
	}

	candidates := make([]candidate, 0, len(order))
	for _, url := range order {
		candidates = append(candidates, candidate{
			url:         url,
			authors:     lo.Uniq(byURL[url]),
			connected:   isConnected(statuses, url),
			served:      served[url],
			connectable: !statuses.IsDisconnected(url),
		})
	}
	return candidates
}

// better orders candidates by newly covered authors, then open connection,
// then observation history, then not known to be down
func better(a candidate, aFresh []string, b candidate, bFresh []string) bool {
	if len(aFresh) != len(bFresh) {
		return len(aFresh) > len(bFresh)
	}
	if a.connected != b.connected {
		return a.connected
	}
	if a.served != b.served {
		return a.served
	}
	if a.connectable != b.connectable {
		return a.connectable
	}
	return a.url < b.url
}

func uncoveredOf(pubkeys []string, covered map[string]bool) []string {
	return lo.Filter(pubkeys, func(pk string, _ int) bool { return !covered[pk] })
}
