package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dtonon/volare/internal/metrics"
	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/ops"
	"github.com/dtonon/volare/internal/storage"
)

// ErrSwitchInProgress is returned when a switch is requested while another
// one runs
var ErrSwitchInProgress = errors.New("identity switch already in progress")

// State of the Switcher
type State int

const (
	Idle State = iota
	Switching
)

func (s State) String() string {
	if s == Switching {
		return "switching"
	}
	return "idle"
}

// Transport closes subscriptions of the previous account
type Transport interface {
	UnsubAll()
}

// Store persists the account and its identity relative data
type Store interface {
	SetAccount(ctx context.Context, pubkey string) error
	ReindexMentions(ctx context.Context, pubkey string) error
}

// Cache is an in-memory cache cleared on switch
type Cache interface {
	Clear(ctx context.Context) error
}

// Resetter is an overlay reset to a new owner on switch
type Resetter interface {
	Reset(owner string)
}

// AccountSubscriber subscribes the lists of the active account
type AccountSubscriber interface {
	LazySubMyAccount(ctx context.Context) error
}

// FeedSubscriber subscribes the home feed
type FeedSubscriber interface {
	SubFeed(ctx context.Context, setting storage.FeedSetting, until int64, limit int) error
}

// Switcher replaces the active account. Only one switch runs at a time.
type Switcher struct {
	manager   *Manager
	transport Transport
	store     Store
	caches    []Cache
	overlays  []Resetter
	account   AccountSubscriber
	feed      FeedSubscriber
	settle    time.Duration
	logger    *ops.Logger

	mu    sync.Mutex
	state State
	subs  []chan State
}

// Deps are the collaborators of a Switcher
type Deps struct {
	Transport Transport
	Store     Store
	Caches    []Cache
	Overlays  []Resetter
	Account   AccountSubscriber
	Feed      FeedSubscriber
}

// NewSwitcher creates a switcher for manager
func NewSwitcher(manager *Manager, deps Deps, settle time.Duration, logger *ops.Logger) *Switcher {
	return &Switcher{
		manager:   manager,
		transport: deps.Transport,
		store:     deps.Store,
		caches:    deps.Caches,
		overlays:  deps.Overlays,
		account:   deps.Account,
		feed:      deps.Feed,
		settle:    settle,
		logger:    logger.WithComponent("account"),
	}
}

// State returns the current state
func (s *Switcher) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a channel receiving every state change
func (s *Switcher) Subscribe() <-chan State {
	ch := make(chan State, 2)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Switcher) setState(state State) {
	s.mu.Lock()
	s.state = state
	subs := append([]chan State(nil), s.subs...)
	s.mu.Unlock()
	broadcast(subs, state)
}

func (s *Switcher) begin() bool {
	s.mu.Lock()
	if s.state == Switching {
		s.mu.Unlock()
		return false
	}
	s.state = Switching
	subs := append([]chan State(nil), s.subs...)
	s.mu.Unlock()
	broadcast(subs, Switching)
	return true
}

func broadcast(subs []chan State, state State) {
	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// Switch makes key the active account. key is an nsec, npub or hex key;
// public keys give a read-only account.
func (s *Switcher) Switch(ctx context.Context, key string) error {
	signer, err := nostrclient.SignerFromKey(key)
	if err != nil {
		return fmt.Errorf("invalid account key: %w", err)
	}
	return s.SwitchTo(ctx, signer)
}

// SwitchTo makes signer the active account
func (s *Switcher) SwitchTo(ctx context.Context, signer nostrclient.Signer) error {
	if !s.begin() {
		metrics.IdentitySwitches.WithLabelValues("rejected").Inc()
		return ErrSwitchInProgress
	}
	defer s.setState(Idle)

	start := time.Now()
	pubkey := signer.PublicKey()
	err := s.run(ctx, signer)
	s.logger.LogSwitch(pubkey, time.Since(start), err)
	if err != nil {
		metrics.IdentitySwitches.WithLabelValues("error").Inc()
		return err
	}
	metrics.IdentitySwitches.WithLabelValues("ok").Inc()
	return nil
}

func (s *Switcher) run(ctx context.Context, signer nostrclient.Signer) error {
	pubkey := signer.PublicKey()

	s.transport.UnsubAll()
	for _, c := range s.caches {
		if err := c.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	for _, o := range s.overlays {
		o.Reset(pubkey)
	}

	if err := s.store.SetAccount(ctx, pubkey); err != nil {
		return err
	}
	s.manager.set(signer)
	if err := s.store.ReindexMentions(ctx, pubkey); err != nil {
		return err
	}

	if err := s.account.LazySubMyAccount(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.settle):
	}
	return s.feed.SubFeed(ctx, storage.FeedSetting{Kind: storage.FeedHome}, time.Now().Unix(), 0)
}
