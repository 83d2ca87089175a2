// Package retention bounds local storage by sweeping old root posts while
// protecting the ones open views still show.
package retention

import (
	"sync"
)

// OldestUsed tracks the root posts shown by open views
type OldestUsed struct {
	mu     sync.Mutex
	open   map[uint64]entry
	nextID uint64
}

type entry struct {
	id        string
	createdAt int64
}

// Handle releases an Open registration
type Handle struct {
	tracker *OldestUsed
	key     uint64
	once    sync.Once
}

// Close releases the registration. It is safe to call more than once.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.tracker.mu.Lock()
		delete(h.tracker.open, h.key)
		h.tracker.mu.Unlock()
	})
}

// NewOldestUsed creates an empty tracker
func NewOldestUsed() *OldestUsed {
	return &OldestUsed{open: make(map[uint64]entry)}
}

// Open registers a view showing id created at createdAt
func (o *OldestUsed) Open(id string, createdAt int64) *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	o.open[o.nextID] = entry{id: id, createdAt: createdAt}
	return &Handle{tracker: o, key: o.nextID}
}

// OldestCreatedAt returns the smallest created_at of all open views, or
// now when nothing is open. Nothing at or after it may be swept.
func (o *OldestUsed) OldestCreatedAt(now int64) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	oldest := now
	for _, e := range o.open {
		if e.createdAt < oldest {
			oldest = e.createdAt
		}
	}
	return oldest
}

// ProtectedIDs returns the ids of all open roots
func (o *OldestUsed) ProtectedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]struct{}, len(o.open))
	ids := make([]string, 0, len(o.open))
	for _, e := range o.open {
		if _, ok := seen[e.id]; ok {
			continue
		}
		seen[e.id] = struct{}{}
		ids = append(ids, e.id)
	}
	return ids
}
