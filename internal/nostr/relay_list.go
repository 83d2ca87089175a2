package nostr

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// RelayEntry is one relay of an author's NIP-65 relay list
type RelayEntry struct {
	URL   string
	Read  bool
	Write bool
}

// ParseRelayList extracts the relays from a NIP-65 kind 10002 event.
// URLs are normalized; duplicates merge their read/write flags.
func ParseRelayList(event *nostr.Event) ([]RelayEntry, error) {
	if event.Kind != KindRelayList {
		return nil, fmt.Errorf("expected kind %d, got %d", KindRelayList, event.Kind)
	}

	entries := make([]RelayEntry, 0, len(event.Tags))
	index := make(map[string]int, len(event.Tags))

	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		url := NormalizeURL(tag[1])
		if url == "" {
			continue
		}

		entry := RelayEntry{URL: url, Read: true, Write: true}
		if len(tag) >= 3 {
			switch strings.ToLower(tag[2]) {
			case "read":
				entry.Write = false
			case "write":
				entry.Read = false
			}
		}

		if i, ok := index[url]; ok {
			entries[i].Read = entries[i].Read || entry.Read
			entries[i].Write = entries[i].Write || entry.Write
			continue
		}
		index[url] = len(entries)
		entries = append(entries, entry)
	}

	return entries, nil
}

// BuildRelayListEvent creates an unsigned NIP-65 kind 10002 event
func BuildRelayListEvent(entries []RelayEntry) *nostr.Event {
	event := &nostr.Event{
		Kind:      KindRelayList,
		CreatedAt: nostr.Now(),
		Tags:      make(nostr.Tags, 0, len(entries)),
	}

	for _, entry := range entries {
		if !entry.Read && !entry.Write {
			continue
		}
		tag := nostr.Tag{"r", entry.URL}
		if entry.Read && !entry.Write {
			tag = append(tag, "read")
		} else if entry.Write && !entry.Read {
			tag = append(tag, "write")
		}
		event.Tags = append(event.Tags, tag)
	}

	return event
}
