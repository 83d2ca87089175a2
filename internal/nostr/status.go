package nostr

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// ConnectionStatus is the transport state of one relay
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connected:
		return "connected"
	case Connecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// StatusTracker is the shared connection status map. Writes come from the
// transport; readers take snapshots or subscribe to changes.
type StatusTracker struct {
	statuses *xsync.MapOf[string, ConnectionStatus]

	mu   sync.Mutex
	subs []chan map[string]ConnectionStatus
}

// NewStatusTracker creates an empty tracker
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		statuses: xsync.NewMapOf[string, ConnectionStatus](),
	}
}

// Set records the status of a relay and notifies subscribers when it changed
func (t *StatusTracker) Set(url string, status ConnectionStatus) {
	changed := false
	t.statuses.Compute(url, func(old ConnectionStatus, loaded bool) (ConnectionStatus, bool) {
		changed = !loaded || old != status
		return status, false
	})
	if changed {
		t.notify()
	}
}

// Remove forgets a relay
func (t *StatusTracker) Remove(url string) {
	if _, ok := t.statuses.LoadAndDelete(url); ok {
		t.notify()
	}
}

// Get returns the status of a relay and whether it is known at all
func (t *StatusTracker) Get(url string) (ConnectionStatus, bool) {
	return t.statuses.Load(url)
}

// IsDisconnected is true only for relays known to be disconnected. Unknown
// relays are considered connectable.
func (t *StatusTracker) IsDisconnected(url string) bool {
	status, ok := t.statuses.Load(url)
	return ok && status == Disconnected
}

// Snapshot returns a copy of all statuses
func (t *StatusTracker) Snapshot() map[string]ConnectionStatus {
	out := make(map[string]ConnectionStatus, t.statuses.Size())
	t.statuses.Range(func(url string, status ConnectionStatus) bool {
		out[url] = status
		return true
	})
	return out
}

// URLs returns the sorted relays with the given status
func (t *StatusTracker) URLs(status ConnectionStatus) []string {
	var out []string
	t.statuses.Range(func(url string, s ConnectionStatus) bool {
		if s == status {
			out = append(out, url)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Subscribe returns a channel that receives the full status map after every
// change. Only the latest snapshot is kept for slow readers.
func (t *StatusTracker) Subscribe() <-chan map[string]ConnectionStatus {
	ch := make(chan map[string]ConnectionStatus, 1)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

func (t *StatusTracker) notify() {
	snapshot := t.Snapshot()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}
