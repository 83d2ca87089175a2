package view

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dtonon/volare/internal/config"
	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/overlay"
	"github.com/dtonon/volare/internal/storage"
	nsync "github.com/dtonon/volare/internal/sync"
)

// ProfileSubscriber requests profile data from relays
type ProfileSubscriber interface {
	SubProfiles(ctx context.Context, pubkeys []string)
	SubLatest(ctx context.Context, kind int, authors []string)
}

// ProfileResolver decodes bech32 profile references
type ProfileResolver interface {
	ObserveRelaysForNprofile(ctx context.Context, nprofile string) (string, []string, error)
}

// Profile is what a profile screen shows
type Profile struct {
	Pubkey   string
	Name     string
	IsMe     bool
	Followed bool
	Relays   []storage.Nip65Entry
}

// ProfileView loads profiles, requesting missing ones from relays
type ProfileView struct {
	storage    *storage.Storage
	subscriber ProfileSubscriber
	resolver   ProfileResolver
	follows    *overlay.Map[string, bool]
	identity   Identity
	wait       time.Duration
	logger     *ops.Logger
}

// NewProfileView creates a profile view. follows may be nil.
func NewProfileView(st *storage.Storage, subscriber ProfileSubscriber, resolver ProfileResolver, follows *overlay.Map[string, bool], identity Identity, cfg *config.Sync, logger *ops.Logger) *ProfileView {
	wait := time.Duration(cfg.WaitTimeoutMs) * time.Millisecond
	if wait <= 0 {
		wait = 3 * time.Second
	}
	return &ProfileView{
		storage:    st,
		subscriber: subscriber,
		resolver:   resolver,
		follows:    follows,
		identity:   identity,
		wait:       wait,
		logger:     logger.WithComponent("profile"),
	}
}

func (v *ProfileView) pubkey(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "npub1") || strings.HasPrefix(ref, "nprofile1") {
		pubkey, _, err := v.resolver.ObserveRelaysForNprofile(ctx, ref)
		return pubkey, err
	}
	if !nostr.IsValid32ByteHex(ref) {
		return "", fmt.Errorf("invalid profile reference %q", ref)
	}
	return ref, nil
}

// Load returns the profile ref points at. ref is an npub, nprofile or hex
// pubkey. A profile without a stored name or relay list is requested and
// waited for.
func (v *ProfileView) Load(ctx context.Context, ref string) (*Profile, error) {
	pubkey, err := v.pubkey(ctx, ref)
	if err != nil {
		return nil, err
	}

	p, err := v.read(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if p.Name != "" && len(p.Relays) > 0 {
		return p, nil
	}

	v.subscriber.SubProfiles(ctx, []string{pubkey})
	v.subscriber.SubLatest(ctx, nostrclient.KindRelayList, []string{pubkey})
	nsync.WaitFor(ctx, v.storage.Notifier(), v.wait, func(ctx context.Context) bool {
		names, err := v.storage.GetProfileNames(ctx, []string{pubkey})
		return err == nil && names[pubkey] != ""
	}, storage.TableProfile)

	return v.read(ctx, pubkey)
}

func (v *ProfileView) read(ctx context.Context, pubkey string) (*Profile, error) {
	me := v.identity.Pubkey()
	names, err := v.storage.GetProfileNames(ctx, []string{pubkey})
	if err != nil {
		return nil, err
	}
	relays, err := v.storage.GetNip65(ctx, []string{pubkey}, false, false)
	if err != nil {
		return nil, err
	}
	friends, err := v.storage.GetList(ctx, storage.ListFriend, me)
	if err != nil {
		return nil, err
	}

	followed := slices.Contains(friends, pubkey)
	if v.follows != nil {
		followed = v.follows.Resolve(pubkey, followed)
	}
	return &Profile{
		Pubkey:   pubkey,
		Name:     names[pubkey],
		IsMe:     pubkey == me,
		Followed: followed,
		Relays:   relays,
	}, nil
}
