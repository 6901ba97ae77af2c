package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/realtime"
)

type redisBus struct {
	log    *logger.Logger
	rdb    goredis.UniversalClient
	prefix string
}

// NewRedisBus publishes each job's messages on its own redis channel, "<prefix>:job:<id>",
// and forwards with one pattern subscription over the prefix. The client is shared with the
// rest of the process and is not closed by the bus.
func NewRedisBus(log *logger.Logger, rdb goredis.UniversalClient, prefix string) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "jobs"
	}
	return &redisBus{
		log:    log.With("service", "RedisJobBus", "prefix", prefix),
		rdb:    rdb,
		prefix: prefix,
	}, nil
}

func (b *redisBus) redisChannel(channel string) string {
	return b.prefix + ":" + channel
}

func (b *redisBus) Publish(ctx context.Context, msg realtime.SSEMessage) error {
	if strings.TrimSpace(msg.Channel) == "" {
		return fmt.Errorf("publish %s: empty channel", msg.Event)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Event, err)
	}
	return b.rdb.Publish(ctx, b.redisChannel(msg.Channel), raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}
	sub := b.rdb.PSubscribe(ctx, b.prefix+":*")
	// the first reply confirms the subscription; messages published before it are lost
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					b.log.Warn("redis subscription closed")
					return
				}
				var msg realtime.SSEMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warn("dropping malformed job message", "redis_channel", m.Channel, "error", err)
					continue
				}
				if want := b.redisChannel(msg.Channel); want != m.Channel {
					b.log.Warn("dropping job message on foreign channel", "redis_channel", m.Channel, "channel", msg.Channel)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	return nil
}
