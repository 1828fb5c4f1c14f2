package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cache "defi-agents/internal/cache/redis"
)

const publishTimeout = 2 * time.Second

// Bus is the pub/sub transport used for cross-instance fan-out.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan cache.Message, error)
}

var _ Bus = (*cache.SignalBus)(nil)

func channelFor(prefix, accountKey string) string {
	return prefix + ":" + accountKey
}

func accountFromChannel(prefix, channel string) (string, bool) {
	key, ok := strings.CutPrefix(channel, prefix+":")
	return key, ok && key != ""
}

// RedisPublisher forwards events to `<prefix>:<account>` channels.
type RedisPublisher struct {
	bus    Bus
	prefix string
	logger zerolog.Logger
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher on bus. An empty prefix defaults to "agents".
func NewRedisPublisher(bus Bus, prefix string, logger zerolog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = "agents"
	}
	return &RedisPublisher{
		bus:    bus,
		prefix: prefix,
		logger: logger.With().Str("component", "broadcast_redis").Logger(),
	}
}

// Publish encodes ev and sends it. Transport errors are logged and dropped.
func (p *RedisPublisher) Publish(accountKey string, ev Event) {
	if ev.AccountKey == "" {
		ev.AccountKey = accountKey
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("encode event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, channelFor(p.prefix, accountKey), raw); err != nil {
		p.logger.Warn().Err(err).Str("account", accountKey).Str("type", string(ev.Type)).Msg("publish event failed")
	}
}

// RedisBridge relays events from every `<prefix>:*` channel into a local Hub,
// so websocket clients on any instance see rounds run by any other.
type RedisBridge struct {
	bus    Bus
	hub    Publisher
	prefix string
	logger zerolog.Logger
}

// NewRedisBridge creates a bridge from bus into hub.
func NewRedisBridge(bus Bus, hub Publisher, prefix string, logger zerolog.Logger) *RedisBridge {
	if prefix == "" {
		prefix = "agents"
	}
	return &RedisBridge{
		bus:    bus,
		hub:    hub,
		prefix: prefix,
		logger: logger.With().Str("component", "broadcast_bridge").Logger(),
	}
}

// Run blocks until ctx is cancelled or the subscription ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	pattern := b.prefix + ":*"
	msgs, err := b.bus.Subscribe(ctx, pattern)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	b.logger.Info().Str("pattern", pattern).Msg("bridge subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscription %s closed", pattern)
			}
			b.relay(msg)
		}
	}
}

func (b *RedisBridge) relay(msg cache.Message) {
	account, ok := accountFromChannel(b.prefix, msg.Channel)
	if !ok {
		return
	}
	var ev Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("discard malformed event")
		return
	}
	b.hub.Publish(account, ev)
}
