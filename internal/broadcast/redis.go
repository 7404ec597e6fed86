package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zulandar/converge/internal/syncerr"
)

// DefaultPrefix namespaces bridge channels when none is configured.
const DefaultPrefix = "converge:"

// Resubscribe backoff bounds used when RedisBridgeOpts leaves them zero.
const (
	DefaultRetryMin = 500 * time.Millisecond
	DefaultRetryMax = 30 * time.Second
)

// RedisBridgeOpts configures a RedisBridge.
type RedisBridgeOpts struct {
	Client redis.UniversalClient
	Hub    *Hub
	Prefix string
	// OnRemote, when set, sees every event from another instance before
	// the hub does.
	OnRemote func(Event)
	// RetryMin and RetryMax bound the resubscribe backoff.
	RetryMin time.Duration
	RetryMax time.Duration
}

// RedisBridge relays events between server instances that share a store.
// Local publishes go to the hub and to Redis; events received from Redis
// are delivered to the hub unless this bridge sent them.
type RedisBridge struct {
	client   redis.UniversalClient
	hub      *Hub
	prefix   string
	origin   string
	onRemote func(Event)
	retryMin time.Duration
	retryMax time.Duration

	// Owned by the Run goroutine.
	connected bool
	lost      bool
}

// NewRedisBridge validates opts and returns a bridge with a fresh origin ID.
func NewRedisBridge(opts RedisBridgeOpts) (*RedisBridge, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("broadcast: redis client is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("broadcast: hub is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.RetryMin <= 0 {
		opts.RetryMin = DefaultRetryMin
	}
	if opts.RetryMax < opts.RetryMin {
		opts.RetryMax = DefaultRetryMax
		if opts.RetryMax < opts.RetryMin {
			opts.RetryMax = opts.RetryMin
		}
	}
	return &RedisBridge{
		client:   opts.Client,
		hub:      opts.Hub,
		prefix:   opts.Prefix,
		origin:   uuid.NewString(),
		onRemote: opts.OnRemote,
		retryMin: opts.RetryMin,
		retryMax: opts.RetryMax,
	}, nil
}

// Origin identifies events published by this bridge.
func (b *RedisBridge) Origin() string { return b.origin }

// Channel returns the Redis channel carrying a session's events.
func (b *RedisBridge) Channel(sessionID string) string {
	return b.prefix + "session:" + sessionID
}

// Publish delivers evt locally, then forwards it to other instances.
// A Redis failure is returned after local delivery has happened.
func (b *RedisBridge) Publish(ctx context.Context, evt Event) error {
	evt.Origin = b.origin
	if err := b.hub.Publish(ctx, evt); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("broadcast: encode event %s: %w", evt.ID, err)
	}
	if err := b.client.Publish(ctx, b.Channel(evt.SessionID), data).Err(); err != nil {
		return fmt.Errorf("broadcast: redis publish %s: %w", evt.ID, err)
	}
	return nil
}

// Run relays remote events into the hub until ctx is cancelled. A lost
// or failed subscription is retried with backoff. Whenever remote events
// may have been missed, every local subscriber is dropped with
// syncerr.ErrSubscriptionDropped so its client resyncs.
func (b *RedisBridge) Run(ctx context.Context) error {
	wait := b.retryMin
	for {
		err := b.relay(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if b.connected {
			wait = b.retryMin
		}
		if !b.lost {
			b.lost = true
			b.drop("subscription lost")
		}
		log.Printf("broadcast: %v; retrying in %s", err, wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if wait *= 2; wait > b.retryMax {
			wait = b.retryMax
		}
	}
}

// relay holds one subscription open until it fails or ctx is done.
func (b *RedisBridge) relay(ctx context.Context) error {
	b.connected = false
	pubsub := b.client.PSubscribe(ctx, b.prefix+"session:*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.connected = true
	if b.lost {
		b.lost = false
		b.drop("resubscribed after outage")
	}

	ch := pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				// go-redis resubscribed after a dropped connection.
				b.drop("resubscribed to " + m.Channel)
			case *redis.Message:
				if err := b.deliver(ctx, m.Channel, m.Payload); err != nil {
					log.Printf("broadcast: %v", err)
				}
			}
		}
	}
}

func (b *RedisBridge) drop(reason string) {
	if n := b.hub.DropAll(syncerr.ErrSubscriptionDropped); n > 0 {
		log.Printf("broadcast: redis %s, dropped %d local subscriber(s)", reason, n)
	}
}

// deliver decodes one Redis payload and hands it to the hub.
func (b *RedisBridge) deliver(ctx context.Context, channel, payload string) error {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return fmt.Errorf("decode event on %s: %w", channel, err)
	}
	if evt.Origin == b.origin {
		return nil
	}
	if want := strings.TrimPrefix(channel, b.prefix+"session:"); want != evt.SessionID {
		return fmt.Errorf("event %s for session %q arrived on %s", evt.ID, evt.SessionID, channel)
	}
	if b.onRemote != nil {
		b.onRemote(evt)
	}
	return b.hub.Publish(ctx, evt)
}
