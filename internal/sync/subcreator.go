package sync

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dtonon/volare/internal/ops"
)

// Transport is the subscribe half of the relay client
type Transport interface {
	Subscribe(ctx context.Context, url string, filters nostr.Filters) (string, error)
	SubscribeLive(ctx context.Context, url string, filters nostr.Filters) (string, error)
	UnsubAll()
}

// SubCreator issues subscriptions on behalf of the sync components. Failed
// subscriptions are logged and dropped; the next task selects relays anew.
type SubCreator struct {
	transport Transport
	logger    *ops.Logger
}

// NewSubCreator creates a SubCreator over transport
func NewSubCreator(transport Transport, logger *ops.Logger) *SubCreator {
	return &SubCreator{
		transport: transport,
		logger:    logger.WithComponent("subscriptions"),
	}
}

// Subscribe sends a lookup that ends with the relay's stored events
func (c *SubCreator) Subscribe(ctx context.Context, relay string, filters nostr.Filters) {
	if len(filters) == 0 {
		return
	}
	if _, err := c.transport.Subscribe(ctx, relay, filters); err != nil {
		c.logger.Debug("lookup dropped", "relay", relay, "error", err)
	}
}

// SubscribeLive sends a subscription that stays open for new events
func (c *SubCreator) SubscribeLive(ctx context.Context, relay string, filters nostr.Filters) {
	if len(filters) == 0 {
		return
	}
	if _, err := c.transport.SubscribeLive(ctx, relay, filters); err != nil {
		c.logger.Debug("subscription dropped", "relay", relay, "error", err)
	}
}

// SubscribeMany sends the same lookup to several relays
func (c *SubCreator) SubscribeMany(ctx context.Context, relays []string, filters nostr.Filters) {
	for _, relay := range relays {
		c.Subscribe(ctx, relay, filters)
	}
}

// UnsubAll closes every open subscription
func (c *SubCreator) UnsubAll() {
	c.transport.UnsubAll()
}
