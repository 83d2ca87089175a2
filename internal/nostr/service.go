package nostr

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dtonon/volare/internal/metrics"
	"github.com/dtonon/volare/internal/ops"
)

// SignerSource yields the signer of the active identity
type SignerSource interface {
	Signer() Signer
}

// Publisher is the part of the transport used to send events
type Publisher interface {
	Publish(ctx context.Context, urls []string, event *nostr.Event) (PublishResult, error)
}

// Service builds, signs and publishes the events created by user actions
type Service struct {
	publisher Publisher
	signers   SignerSource
	logger    *ops.Logger
}

// NewService creates a publishing service
func NewService(publisher Publisher, signers SignerSource, logger *ops.Logger) *Service {
	return &Service{
		publisher: publisher,
		signers:   signers,
		logger:    logger.WithComponent("publisher"),
	}
}

// PublishVote publishes a kind 7 reaction, "+" for an upvote and "-" for a
// downvote.
func (s *Service) PublishVote(ctx context.Context, eventID, authorPubkey string, eventKind int, positive bool, relays []string) (*nostr.Event, error) {
	content := "-"
	if positive {
		content = "+"
	}
	ev := &nostr.Event{
		Kind:    KindReaction,
		Content: content,
		Tags: nostr.Tags{
			{"e", eventID},
			{"p", authorPubkey},
			{"k", strconv.Itoa(eventKind)},
		},
	}
	return s.publish(ctx, ev, relays)
}

// PublishDeletion publishes a kind 5 deletion request for own events
func (s *Service) PublishDeletion(ctx context.Context, eventIDs []string, kind int, relays []string) (*nostr.Event, error) {
	ev := &nostr.Event{Kind: KindDeletion, Tags: nostr.Tags{{"k", strconv.Itoa(kind)}}}
	for _, id := range eventIDs {
		ev.Tags = append(ev.Tags, nostr.Tag{"e", id})
	}
	return s.publish(ctx, ev, relays)
}

// PublishTopicList publishes the followed topics as a kind 10015 list
func (s *Service) PublishTopicList(ctx context.Context, topics []string, relays []string) (*nostr.Event, error) {
	return s.publish(ctx, buildList(KindTopicList, "t", topics), relays)
}

// PublishContactList publishes the followed pubkeys as a kind 3 list
func (s *Service) PublishContactList(ctx context.Context, pubkeys []string, relays []string) (*nostr.Event, error) {
	return s.publish(ctx, buildList(KindContactList, "p", pubkeys), relays)
}

// PublishBookmarkList publishes bookmarked event ids as a kind 10003 list
func (s *Service) PublishBookmarkList(ctx context.Context, eventIDs []string, relays []string) (*nostr.Event, error) {
	return s.publish(ctx, buildList(KindBookmarkList, "e", eventIDs), relays)
}

// PublishRelayList publishes the own NIP-65 relay list
func (s *Service) PublishRelayList(ctx context.Context, entries []RelayEntry, relays []string) (*nostr.Event, error) {
	return s.publish(ctx, BuildRelayListEvent(entries), relays)
}

func buildList(kind int, tagName string, values []string) *nostr.Event {
	ev := &nostr.Event{Kind: kind, Tags: make(nostr.Tags, 0, len(values))}
	for _, v := range values {
		ev.Tags = append(ev.Tags, nostr.Tag{tagName, v})
	}
	return ev
}

func (s *Service) publish(ctx context.Context, ev *nostr.Event, relays []string) (*nostr.Event, error) {
	kind := strconv.Itoa(ev.Kind)
	signer := s.signers.Signer()
	if signer == nil {
		metrics.Publishes.WithLabelValues(kind, "no_account").Inc()
		return nil, ErrCannotSign
	}

	ev.PubKey = signer.PublicKey()
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	if err := signer.Sign(ev); err != nil {
		metrics.Publishes.WithLabelValues(kind, "sign_error").Inc()
		s.logger.LogPublish(ev.Kind, "", 0, 0, err)
		return nil, fmt.Errorf("failed to sign kind %d: %w", ev.Kind, err)
	}

	res, err := s.publisher.Publish(ctx, relays, ev)
	s.logger.LogPublish(ev.Kind, ev.ID, len(res.OK), len(res.Failed), err)
	if err != nil {
		metrics.Publishes.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	metrics.Publishes.WithLabelValues(kind, "ok").Inc()
	return ev, nil
}
