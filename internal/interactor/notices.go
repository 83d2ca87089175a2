// Package interactor implements the user actions that publish events:
// voting, following topics and profiles, and bookmarking.
package interactor

import (
	"errors"
)

// ErrListTooLarge is reported when a list change would exceed the key
// ceiling of a published list
var ErrListTooLarge = errors.New("list has too many entries")

// Notice reports the failure of a background publish to the user
type Notice struct {
	Action string
	Target string
	Err    error
}

// Notices is a buffered channel of notices. When nobody reads, the oldest
// notice is dropped.
type Notices struct {
	ch chan Notice
}

// NewNotices creates a notice channel holding up to size notices
func NewNotices(size int) *Notices {
	if size <= 0 {
		size = 16
	}
	return &Notices{ch: make(chan Notice, size)}
}

// C returns the channel to read notices from
func (n *Notices) C() <-chan Notice {
	return n.ch
}

// Send queues a notice without blocking
func (n *Notices) Send(notice Notice) {
	for {
		select {
		case n.ch <- notice:
			return
		default:
		}
		select {
		case <-n.ch:
		default:
		}
	}
}
