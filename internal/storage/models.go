package storage

import "errors"

// ErrNotFound is returned by point reads when no row matches
var ErrNotFound = errors.New("not found")

// Tables that Notifier subscribers can observe
const (
	TableAccount    = "account"
	TableMainEvent  = "main_event"
	TableVote       = "vote"
	TableEventRelay = "event_relay"
	TableNip65      = "nip65"
	TableProfile    = "profile"
	TableFriend     = "friend"
	TableMute       = "mute"
	TableTopic      = "topic"
	TableBookmark   = "bookmark"
)

// List names a versioned per-owner relationship set
type List string

const (
	ListFriend    List = "friend"
	ListMute      List = "mute"
	ListMuteTopic List = "mute_topic"
	ListMuteWord  List = "mute_word"
	ListTopic     List = "topic"
	ListBookmark  List = "bookmark"
	listNip65     List = "nip65"
)

// listTable maps a list to the table holding its members and the table
// name announced on change
var listTable = map[List]string{
	ListFriend:    "friend",
	ListMute:      "mute",
	ListMuteTopic: "mute_topic",
	ListMuteWord:  "mute_word",
	ListTopic:     "topic",
	ListBookmark:  "bookmark",
}

func notifyTable(list List) string {
	switch list {
	case ListMute, ListMuteTopic, ListMuteWord:
		return TableMute
	}
	return listTable[list]
}

// MainEvent holds the columns shared by root posts, replies and comments
type MainEvent struct {
	ID         string `db:"id"`
	Pubkey     string `db:"pubkey"`
	CreatedAt  int64  `db:"created_at"`
	Content    string `db:"content"`
	MentionsMe bool   `db:"mentions_me"`
	RelayURL   string `db:"relay_url"`
}

// RootPost is a stored thread starter
type RootPost struct {
	MainEvent
	Subject string   `db:"subject"`
	Topics  []string `db:"-"`
}

// Reply is a stored legacy reply or comment. ParentKind is only known for
// comments.
type Reply struct {
	MainEvent
	ParentID   string `db:"parent_id"`
	ParentKind *int   `db:"parent_kind"`
	IsComment  bool   `db:"is_comment"`
}

// Vote is the current vote of one pubkey on one event
type Vote struct {
	ID        string `db:"id"`
	EventID   string `db:"event_id"`
	Pubkey    string `db:"pubkey"`
	Positive  bool   `db:"is_positive"`
	CreatedAt int64  `db:"created_at"`
}

// Tally sums the votes of one event
type Tally struct {
	Up   int
	Down int
}

// Nip65Entry is one relay of an author's directory
type Nip65Entry struct {
	Pubkey    string `db:"pubkey"`
	URL       string `db:"url"`
	IsRead    bool   `db:"is_read"`
	IsWrite   bool   `db:"is_write"`
	CreatedAt int64  `db:"created_at"`
}

// AuthorRelay counts how many events of an author were seen on a relay
type AuthorRelay struct {
	Pubkey     string `db:"pubkey"`
	RelayURL   string `db:"relay_url"`
	RelayCount int    `db:"relay_count"`
}

// RelayUsage counts how many stored directories declare a relay
type RelayUsage struct {
	URL   string `db:"url"`
	Count int    `db:"cnt"`
}

// MuteState is everything the owner has muted
type MuteState struct {
	Pubkeys []string
	Topics  []string
	Words   []string
}

// FeedKind selects which root posts a feed shows
type FeedKind int

const (
	FeedHome FeedKind = iota
	FeedTopic
	FeedInbox
	FeedBookmarks
)

// FeedSetting describes one feed. Topic is used by FeedTopic only.
type FeedSetting struct {
	Kind  FeedKind
	Topic string
}
