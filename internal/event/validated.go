package event

import (
	nostrclient "github.com/dtonon/volare/internal/nostr"
)

// Validated is one accepted event, classified by what it means to the
// client. The set of variants is closed; consumers switch over all of them.
type Validated interface {
	Meta() Header
	validated()
}

// Header carries the fields every variant shares
type Header struct {
	ID        string
	Pubkey    string
	CreatedAt int64
	Relay     string
}

func (h Header) Meta() Header { return h }
func (Header) validated()     {}

// RootPost is a kind 1 note that starts a thread
type RootPost struct {
	Header
	Subject  string
	Content  string
	Topics   []string
	Mentions []string
}

// LegacyReply is a kind 1 note replying to another note (NIP-10)
type LegacyReply struct {
	Header
	ParentID string
	RootID   string
	Content  string
	Mentions []string
}

// Comment is a kind 1111 comment (NIP-22). ParentID is empty when the parent
// is not an event, ParentKind is nil when the parent kind is unknown.
type Comment struct {
	Header
	ParentID   string
	ParentKind *int
	RootID     string
	Content    string
	Mentions   []string
}

// Vote is a kind 7 reaction counted as up or down vote
type Vote struct {
	Header
	EventID  string
	Positive bool
}

// ContactList is a kind 3 follow list
type ContactList struct {
	Header
	Pubkeys []string
}

// TopicList is a kind 10015 interest list
type TopicList struct {
	Header
	Topics []string
}

// MuteList is a kind 10000 mute list
type MuteList struct {
	Header
	Pubkeys []string
	Topics  []string
	Words   []string
}

// BookmarkList is a kind 10003 bookmark list
type BookmarkList struct {
	Header
	EventIDs []string
}

// RelayList is a kind 10002 relay list (NIP-65)
type RelayList struct {
	Header
	Relays []nostrclient.RelayEntry
}

// Profile is kind 0 metadata, reduced to what the client shows
type Profile struct {
	Header
	Name string
}

// Deletion is a kind 5 deletion request
type Deletion struct {
	Header
	EventIDs []string
}
