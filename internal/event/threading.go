package event

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/nbd-wtf/go-nostr"

	nostrclient "github.com/dtonon/volare/internal/nostr"
)

// ThreadInfo contains thread relationship information extracted from a note
type ThreadInfo struct {
	RootEventID  string   // The root event of the thread
	ReplyToID    string   // The direct parent event being replied to
	MentionedIDs []string // Other events mentioned in the thread
}

// ParseThreadInfo extracts thread relationship info from a kind 1 note using NIP-10
func ParseThreadInfo(event *nostr.Event) (*ThreadInfo, error) {
	if event.Kind != nostrclient.KindTextNote {
		return nil, fmt.Errorf("expected kind %d, got %d", nostrclient.KindTextNote, event.Kind)
	}

	eTags := make([]nostr.Tag, 0)
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			eTags = append(eTags, tag)
		}
	}

	if len(eTags) == 0 {
		return &ThreadInfo{MentionedIDs: []string{}}, nil
	}

	if hasMarkedTags(eTags) {
		return parseMarkedFormat(eTags), nil
	}

	// Deprecated positional format
	return parsePositionalFormat(eTags), nil
}

// hasMarkedTags checks if any e tag has a marker (root/reply/mention)
func hasMarkedTags(eTags []nostr.Tag) bool {
	for _, tag := range eTags {
		if len(tag) >= 4 && tag[3] != "" {
			return true
		}
	}
	return false
}

func parseMarkedFormat(eTags []nostr.Tag) *ThreadInfo {
	info := &ThreadInfo{MentionedIDs: []string{}}

	for _, tag := range eTags {
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}

		switch marker {
		case "root":
			info.RootEventID = tag[1]
		case "reply":
			info.ReplyToID = tag[1]
		default:
			info.MentionedIDs = append(info.MentionedIDs, tag[1])
		}
	}

	// A direct reply to the root only carries the root marker
	if info.ReplyToID == "" {
		info.ReplyToID = info.RootEventID
	}
	if info.RootEventID == "" {
		info.RootEventID = info.ReplyToID
	}

	return info
}

func parsePositionalFormat(eTags []nostr.Tag) *ThreadInfo {
	info := &ThreadInfo{MentionedIDs: []string{}}

	info.RootEventID = eTags[0][1]
	info.ReplyToID = eTags[len(eTags)-1][1]
	for i := 1; i < len(eTags)-1; i++ {
		info.MentionedIDs = append(info.MentionedIDs, eTags[i][1])
	}

	return info
}

// IsReply returns true if this event is a reply to another event
func (ti *ThreadInfo) IsReply() bool {
	return ti.ReplyToID != ""
}

// IsRoot returns true if this event starts a new thread
func (ti *ThreadInfo) IsRoot() bool {
	return ti.RootEventID == "" && ti.ReplyToID == ""
}

// CommentInfo is the NIP-22 linkage of a kind 1111 comment
type CommentInfo struct {
	ParentID   string
	ParentKind *int
	RootID     string
}

// ParseCommentInfo reads the lowercase parent tags (e, k) and the uppercase
// root tag (E) of a comment.
func ParseCommentInfo(event *nostr.Event) (*CommentInfo, error) {
	if event.Kind != nostrclient.KindComment {
		return nil, fmt.Errorf("expected kind %d, got %d", nostrclient.KindComment, event.Kind)
	}

	info := &CommentInfo{}
	for _, tag := range event.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			if info.ParentID == "" && nostr.IsValid32ByteHex(tag[1]) {
				info.ParentID = tag[1]
			}
		case "E":
			if info.RootID == "" && nostr.IsValid32ByteHex(tag[1]) {
				info.RootID = tag[1]
			}
		case "k":
			if info.ParentKind == nil {
				if k, err := strconv.Atoi(tag[1]); err == nil {
					info.ParentKind = &k
				}
			}
		}
	}

	return info, nil
}

// ExtractMentionedPubkeys extracts pubkeys from p tags
func ExtractMentionedPubkeys(event *nostr.Event) []string {
	return tagValues(event, "p", nostr.IsValid32ByteHex)
}

// IsMentioningPubkey checks if an event mentions a specific pubkey
func IsMentioningPubkey(event *nostr.Event, pubkey string) bool {
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == pubkey {
			return true
		}
	}
	return false
}

// NormalizeTopic lowercases a hashtag and strips a leading '#'. It returns ""
// for values that are not a bare word.
func NormalizeTopic(topic string) string {
	topic = strings.ToLower(strings.TrimSpace(topic))
	topic = strings.TrimLeft(topic, "#")
	if topic == "" || len(topic) > 64 {
		return ""
	}
	for _, r := range topic {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return ""
		}
	}
	return topic
}

// NormalizedTopics returns the distinct normalized t tags of an event
func NormalizedTopics(event *nostr.Event) []string {
	seen := make(map[string]struct{})
	topics := make([]string, 0)
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "t" {
			continue
		}
		topic := NormalizeTopic(tag[1])
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	return topics
}

func tagValues(event *nostr.Event, name string, valid func(string) bool) []string {
	seen := make(map[string]struct{})
	values := make([]string, 0)
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		v := tag[1]
		if valid != nil && !valid(v) {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return values
}
