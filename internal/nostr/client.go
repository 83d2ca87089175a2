package nostr

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/dtonon/volare/internal/config"
	"github.com/dtonon/volare/internal/metrics"
	"github.com/dtonon/volare/internal/ops"
)

// RelayEvent is an event together with the relay that delivered it
type RelayEvent struct {
	Relay string
	Event *nostr.Event
}

// PublishResult lists per relay outcomes of a publish
type PublishResult struct {
	OK     []string
	Failed map[string]error
}

// Client maintains relay connections on top of a SimplePool. It owns the
// connection status map and funnels every received event into one channel.
type Client struct {
	pool        *nostr.SimplePool
	relayConfig *config.Relays
	runtime     *config.Runtime
	logger      *ops.Logger
	ctx         context.Context

	statuses *StatusTracker
	relays   *xsync.MapOf[string, *nostr.Relay]
	subs     *xsync.MapOf[string, *nostr.Subscription]
	nextSub  atomic.Uint64

	events    chan RelayEvent
	reconnect *rate.Limiter
}

// New creates a new transport client with the given configuration
func New(ctx context.Context, relayConfig *config.Relays, rt *config.Runtime, logger *ops.Logger) *Client {
	every := time.Duration(relayConfig.Policy.ReconnectMs) * time.Millisecond
	if every <= 0 {
		every = 10 * time.Second
	}
	burst := relayConfig.Policy.ReconnectBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		pool:        nostr.NewSimplePool(ctx),
		relayConfig: relayConfig,
		runtime:     rt,
		logger:      logger.WithComponent("transport"),
		ctx:         ctx,
		statuses:    NewStatusTracker(),
		relays:      xsync.NewMapOf[string, *nostr.Relay](),
		subs:        xsync.NewMapOf[string, *nostr.Subscription](),
		events:      make(chan RelayEvent, 5000),
		reconnect:   rate.NewLimiter(rate.Every(every/time.Duration(burst)), burst),
	}
}

// Events returns the stream of events received on any subscription
func (c *Client) Events() <-chan RelayEvent {
	return c.events
}

// Statuses returns the shared connection status map
func (c *Client) Statuses() *StatusTracker {
	return c.statuses
}

// Status returns the connection status of a relay
func (c *Client) Status(url string) ConnectionStatus {
	s, _ := c.statuses.Get(url)
	return s
}

// RelayStatuses returns the status name of every known relay
func (c *Client) RelayStatuses() map[string]string {
	out := make(map[string]string)
	for url, s := range c.statuses.Snapshot() {
		out[url] = s.String()
	}
	return out
}

// ConnectedURLs returns all currently connected relays
func (c *Client) ConnectedURLs() []string {
	return c.statuses.URLs(Connected)
}

// GetSeedRelays returns the configured bootstrap relays
func (c *Client) GetSeedRelays() []string {
	if c.relayConfig == nil {
		return []string{}
	}
	return NormalizeURLs(c.relayConfig.Seeds, 0)
}

// GetDefaultTimeout returns the configured connect timeout
func (c *Client) GetDefaultTimeout() time.Duration {
	if c.relayConfig == nil || c.relayConfig.Policy.ConnectTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.relayConfig.Policy.ConnectTimeoutMs) * time.Millisecond
}

// Connect ensures a live connection to url
func (c *Client) Connect(ctx context.Context, url string) (*nostr.Relay, error) {
	url = NormalizeURL(url)
	if url == "" {
		return nil, fmt.Errorf("invalid relay url")
	}

	if relay, ok := c.relays.Load(url); ok && relay.IsConnected() {
		c.statuses.Set(url, Connected)
		return relay, nil
	}

	c.statuses.Set(url, Connecting)
	c.updateGauge()

	type result struct {
		relay *nostr.Relay
		err   error
	}
	done := make(chan result, 1)
	go func() {
		relay, err := c.pool.EnsureRelay(url)
		done <- result{relay, err}
	}()

	timeout := time.NewTimer(c.GetDefaultTimeout())
	defer timeout.Stop()

	var res result
	select {
	case res = <-done:
	case <-timeout.C:
		res.err = fmt.Errorf("connect timeout after %s", c.GetDefaultTimeout())
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		c.statuses.Set(url, Disconnected)
		c.updateGauge()
		c.logger.LogRelayConnection(url, false, res.err)
		return nil, fmt.Errorf("failed to connect to %s: %w", url, res.err)
	}

	c.relays.Store(url, res.relay)
	c.statuses.Set(url, Connected)
	c.updateGauge()
	c.logger.LogRelayConnection(url, true, nil)
	return res.relay, nil
}

// AddRelays connects to all given relays in the background
func (c *Client) AddRelays(urls []string) {
	for _, url := range NormalizeURLs(urls, 0) {
		if s, ok := c.statuses.Get(url); ok && s != Disconnected {
			continue
		}
		url := url
		ops.Go(c.logger, "connect", func() {
			_, _ = c.Connect(c.ctx, url)
		})
	}
}

// Subscribe sends a lookup to one relay. Events are forwarded to Events()
// until the relay signals end of stored events, closes the subscription, or
// ctx is done.
func (c *Client) Subscribe(ctx context.Context, url string, filters nostr.Filters) (string, error) {
	return c.subscribe(ctx, url, filters, false)
}

// SubscribeLive is like Subscribe but keeps streaming new events after the
// stored ones until ctx is done or UnsubAll is called.
func (c *Client) SubscribeLive(ctx context.Context, url string, filters nostr.Filters) (string, error) {
	return c.subscribe(ctx, url, filters, true)
}

func (c *Client) subscribe(ctx context.Context, url string, filters nostr.Filters, live bool) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}

	relay, err := c.Connect(ctx, url)
	if err != nil {
		metrics.SubscriptionsIssued.WithLabelValues("error").Inc()
		c.logger.LogSubscription(url, len(filters), err)
		return "", err
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	sub, err := relay.Subscribe(subCtx, filters)
	if err != nil {
		cancel()
		c.statuses.Set(relay.URL, Disconnected)
		metrics.SubscriptionsIssued.WithLabelValues("error").Inc()
		c.logger.LogSubscription(url, len(filters), err)
		return "", fmt.Errorf("failed to subscribe on %s: %w", url, err)
	}

	id := strconv.FormatUint(c.nextSub.Add(1), 10)
	c.subs.Store(id, sub)
	metrics.SubscriptionsIssued.WithLabelValues("ok").Inc()
	c.logger.LogSubscription(url, len(filters), nil)

	ops.Go(c.logger, "subscription", func() {
		defer func() {
			sub.Unsub()
			cancel()
			c.subs.Delete(id)
		}()
		c.forward(ctx, relay.URL, sub, live)
	})

	return id, nil
}

func (c *Client) forward(ctx context.Context, url string, sub *nostr.Subscription, live bool) {
	eose := sub.EndOfStoredEvents
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			select {
			case c.events <- RelayEvent{Relay: url, Event: ev}:
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			}
		case <-eose:
			if live {
				eose = nil
				continue
			}
			// Drain what is already buffered, then close
			for {
				select {
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					select {
					case c.events <- RelayEvent{Relay: url, Event: ev}:
					case <-c.ctx.Done():
						return
					}
				default:
					return
				}
			}
		case reason := <-sub.ClosedReason:
			c.logger.Debug("subscription closed by relay", "relay", url, "reason", reason)
			return
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// ActiveSubscriptions returns the number of open subscriptions
func (c *Client) ActiveSubscriptions() int {
	return c.subs.Size()
}

// UnsubAll closes every open subscription
func (c *Client) UnsubAll() {
	count := 0
	c.subs.Range(func(id string, sub *nostr.Subscription) bool {
		sub.Unsub()
		c.subs.Delete(id)
		count++
		return true
	})
	c.logger.Info("closed all subscriptions", "count", count)
}

// Publish sends a signed event to the given relays. It fails only if no
// relay accepted the event.
func (c *Client) Publish(ctx context.Context, urls []string, event *nostr.Event) (PublishResult, error) {
	res := PublishResult{Failed: map[string]error{}}
	urls = NormalizeURLs(urls, 0)
	if len(urls) == 0 {
		return res, fmt.Errorf("no relays to publish to")
	}

	type outcome struct {
		url string
		err error
	}
	outcomes := make(chan outcome, len(urls))
	for _, url := range urls {
		url := url
		go func() {
			relay, err := c.Connect(ctx, url)
			if err == nil {
				pubCtx, cancel := context.WithTimeout(ctx, c.GetDefaultTimeout())
				err = relay.Publish(pubCtx, *event)
				cancel()
			}
			outcomes <- outcome{url, err}
		}()
	}

	var lastErr error
	for range urls {
		o := <-outcomes
		if o.err != nil {
			res.Failed[o.url] = o.err
			lastErr = o.err
			continue
		}
		res.OK = append(res.OK, o.url)
	}

	if len(res.OK) == 0 {
		return res, fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}
	return res, nil
}

// Run keeps connection statuses fresh and redials disconnected relays while
// auto-reconnect is enabled. It blocks until ctx is done.
func (c *Client) Run(ctx context.Context) {
	interval := time.Duration(c.relayConfig.Policy.ReconnectMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkConnections(ctx)
		}
	}
}

func (c *Client) checkConnections(ctx context.Context) {
	c.relays.Range(func(url string, relay *nostr.Relay) bool {
		if !relay.IsConnected() {
			c.statuses.Set(url, Disconnected)
		}
		return true
	})
	c.updateGauge()

	if c.runtime != nil && !c.runtime.Get().AutoReconnect {
		return
	}
	for _, url := range c.statuses.URLs(Disconnected) {
		if !c.reconnect.Allow() {
			return
		}
		url := url
		ops.Go(c.logger, "reconnect", func() {
			_, _ = c.Connect(ctx, url)
		})
	}
}

func (c *Client) updateGauge() {
	counts := map[ConnectionStatus]int{Connected: 0, Connecting: 0, Disconnected: 0}
	for _, s := range c.statuses.Snapshot() {
		counts[s]++
	}
	for s, n := range counts {
		metrics.RelayConnections.WithLabelValues(s.String()).Set(float64(n))
	}
}

// Close closes all relay connections
func (c *Client) Close() {
	c.UnsubAll()
	c.pool.Close("client shutting down")
}
