package thread

import (
	"context"
	"sync"
)

// Collapsed is the set of nodes whose children are hidden
type Collapsed struct {
	mu   sync.RWMutex
	ids  map[string]bool
	subs map[chan struct{}]struct{}
}

// NewCollapsed creates an empty set
func NewCollapsed() *Collapsed {
	return &Collapsed{
		ids:  make(map[string]bool),
		subs: make(map[chan struct{}]struct{}),
	}
}

// Toggle collapses id or expands it again
func (c *Collapsed) Toggle(id string) {
	c.mu.Lock()
	if c.ids[id] {
		delete(c.ids, id)
	} else {
		c.ids[id] = true
	}
	for ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
}

// Snapshot returns a copy of the collapsed ids
func (c *Collapsed) Snapshot() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.ids))
	for id := range c.ids {
		out[id] = true
	}
	return out
}

// Subscribe returns a channel signalled on every toggle until ctx is done
func (c *Collapsed) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}()
	return ch
}
