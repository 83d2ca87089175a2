package nostr

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// NormalizeURL canonicalizes a relay URL. It returns "" for URLs that are not
// valid websocket relay addresses.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u := strings.TrimRight(nostr.NormalizeURL(raw), "/")
	if !nostr.IsValidRelayURL(u) {
		return ""
	}
	return u
}

// NormalizeURLs normalizes, drops invalid entries and removes duplicates
// while keeping the first occurrence order. limit <= 0 means no limit.
func NormalizeURLs(urls []string, limit int) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u := NormalizeURL(raw)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
