package storage

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
)

// Notifier signals table changes to observers. Bursts of writes collapse
// into one signal per subscriber.
type Notifier struct {
	mu     sync.Mutex
	delay  time.Duration
	subs   map[int]*subscription
	nextID int
	closed bool
}

type subscription struct {
	tables   map[string]struct{}
	ch       chan struct{}
	debounce func(func())
}

// NewNotifier creates a notifier that waits delay after the last change
// before signalling. Zero means 20ms.
func NewNotifier(delay time.Duration) *Notifier {
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	return &Notifier{delay: delay, subs: make(map[int]*subscription)}
}

// Subscribe returns a channel signalled after any of tables changed. With no
// tables every change is reported. The subscription ends with ctx.
func (n *Notifier) Subscribe(ctx context.Context, tables ...string) <-chan struct{} {
	sub := &subscription{
		tables:   make(map[string]struct{}, len(tables)),
		ch:       make(chan struct{}, 1),
		debounce: debounce.New(n.delay),
	}
	for _, t := range tables {
		sub.tables[t] = struct{}{}
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return sub.ch
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = sub
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}()

	return sub.ch
}

// Publish reports a change of tables
func (n *Notifier) Publish(tables ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		if !sub.matches(tables) {
			continue
		}
		ch := sub.ch
		sub.debounce(func() {
			select {
			case ch <- struct{}{}:
			default:
			}
		})
	}
}

// Close drops all subscribers
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.subs = make(map[int]*subscription)
	n.mu.Unlock()
}

func (s *subscription) matches(tables []string) bool {
	if len(s.tables) == 0 {
		return true
	}
	for _, t := range tables {
		if _, ok := s.tables[t]; ok {
			return true
		}
	}
	return false
}
