package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
)

var (
	// ErrDuplicate is returned for an event id that was already processed
	ErrDuplicate = errors.New("duplicate event")
	// ErrInvalid is returned for events with a bad id, signature or shape
	ErrInvalid = errors.New("invalid event")
	// ErrUnsupportedKind is returned for kinds the client ignores
	ErrUnsupportedKind = errors.New("unsupported kind")
)

// Validator turns raw relay events into Validated variants
type Validator struct {
	cache  IDCache
	logger *ops.Logger
}

// NewValidator creates a validator backed by cache
func NewValidator(cache IDCache, logger *ops.Logger) *Validator {
	return &Validator{
		cache:  cache,
		logger: logger.WithComponent("validator"),
	}
}

// Cache returns the id cache so owners can clear it
func (v *Validator) Cache() IDCache {
	return v.cache
}

// Forget releases id after its event could not be stored, so the next
// delivery is validated again
func (v *Validator) Forget(ctx context.Context, id string) {
	if v.cache != nil {
		v.cache.Forget(ctx, id)
	}
}

// Validate checks id and signature, drops duplicates and classifies ev.
// The id counts as seen from here on; callers that fail to store the
// result must Forget it.
func (v *Validator) Validate(ctx context.Context, relay string, ev *nostr.Event) (Validated, error) {
	if ev == nil {
		return nil, ErrInvalid
	}
	if !Supported(ev.Kind) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKind, ev.Kind)
	}
	if ev.GetID() != ev.ID {
		return nil, fmt.Errorf("%w: id mismatch", ErrInvalid)
	}
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalid)
	}
	if v.cache != nil && v.cache.Seen(ctx, ev.ID) {
		return nil, ErrDuplicate
	}

	hdr := Header{
		ID:        ev.ID,
		Pubkey:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		Relay:     nostrclient.NormalizeURL(relay),
	}

	return Classify(hdr, ev)
}

// Supported reports whether kind is one the client stores
func Supported(kind int) bool {
	switch kind {
	case nostrclient.KindProfile, nostrclient.KindTextNote, nostrclient.KindContactList,
		nostrclient.KindDeletion, nostrclient.KindReaction, nostrclient.KindComment,
		nostrclient.KindMuteList, nostrclient.KindRelayList, nostrclient.KindBookmarkList,
		nostrclient.KindTopicList:
		return true
	}
	return false
}

// Classify maps an already verified event onto its variant
func Classify(hdr Header, ev *nostr.Event) (Validated, error) {
	switch ev.Kind {
	case nostrclient.KindTextNote:
		return classifyNote(hdr, ev)
	case nostrclient.KindComment:
		return classifyComment(hdr, ev)
	case nostrclient.KindReaction:
		return classifyVote(hdr, ev)
	case nostrclient.KindProfile:
		return classifyProfile(hdr, ev)
	case nostrclient.KindContactList:
		return ContactList{Header: hdr, Pubkeys: tagValues(ev, "p", nostr.IsValid32ByteHex)}, nil
	case nostrclient.KindTopicList:
		return TopicList{Header: hdr, Topics: NormalizedTopics(ev)}, nil
	case nostrclient.KindMuteList:
		return MuteList{
			Header:  hdr,
			Pubkeys: tagValues(ev, "p", nostr.IsValid32ByteHex),
			Topics:  NormalizedTopics(ev),
			Words:   muteWords(ev),
		}, nil
	case nostrclient.KindBookmarkList:
		return BookmarkList{Header: hdr, EventIDs: tagValues(ev, "e", nostr.IsValid32ByteHex)}, nil
	case nostrclient.KindRelayList:
		relays, err := nostrclient.ParseRelayList(ev)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return RelayList{Header: hdr, Relays: relays}, nil
	case nostrclient.KindDeletion:
		return Deletion{Header: hdr, EventIDs: tagValues(ev, "e", nostr.IsValid32ByteHex)}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedKind, ev.Kind)
}

func classifyNote(hdr Header, ev *nostr.Event) (Validated, error) {
	info, err := ParseThreadInfo(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	mentions := ExtractMentionedPubkeys(ev)

	if info.IsRoot() {
		subject := ""
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == "subject" {
				subject = strings.TrimSpace(tag[1])
				break
			}
		}
		return RootPost{
			Header:   hdr,
			Subject:  subject,
			Content:  ev.Content,
			Topics:   NormalizedTopics(ev),
			Mentions: mentions,
		}, nil
	}

	if !nostr.IsValid32ByteHex(info.ReplyToID) || info.ReplyToID == ev.ID {
		return nil, fmt.Errorf("%w: bad reply parent", ErrInvalid)
	}
	return LegacyReply{
		Header:   hdr,
		ParentID: info.ReplyToID,
		RootID:   info.RootEventID,
		Content:  ev.Content,
		Mentions: mentions,
	}, nil
}

func classifyComment(hdr Header, ev *nostr.Event) (Validated, error) {
	info, err := ParseCommentInfo(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if info.ParentID == ev.ID {
		return nil, fmt.Errorf("%w: comment on itself", ErrInvalid)
	}
	return Comment{
		Header:     hdr,
		ParentID:   info.ParentID,
		ParentKind: info.ParentKind,
		RootID:     info.RootID,
		Content:    ev.Content,
		Mentions:   ExtractMentionedPubkeys(ev),
	}, nil
}

func classifyVote(hdr Header, ev *nostr.Event) (Validated, error) {
	var positive bool
	switch strings.TrimSpace(ev.Content) {
	case "+", "":
		positive = true
	case "-":
		positive = false
	default:
		// Emoji reactions are not votes
		return nil, fmt.Errorf("%w: reaction %q", ErrUnsupportedKind, ev.Content)
	}

	// NIP-25: the reacted event is the last e tag
	target := ""
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "e" && nostr.IsValid32ByteHex(tag[1]) {
			target = tag[1]
		}
	}
	if target == "" {
		return nil, fmt.Errorf("%w: vote without target", ErrInvalid)
	}

	return Vote{Header: hdr, EventID: target, Positive: positive}, nil
}

func classifyProfile(hdr Header, ev *nostr.Event) (Validated, error) {
	var metadata struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &metadata); err != nil {
		return nil, fmt.Errorf("%w: profile content: %v", ErrInvalid, err)
	}

	name := strings.TrimSpace(metadata.DisplayName)
	if name == "" {
		name = strings.TrimSpace(metadata.Name)
	}
	return Profile{Header: hdr, Name: name}, nil
}

func muteWords(ev *nostr.Event) []string {
	words := make([]string, 0)
	seen := make(map[string]struct{})
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "word" {
			continue
		}
		w := strings.ToLower(strings.TrimSpace(tag[1]))
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	return words
}
