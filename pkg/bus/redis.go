package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	repliesChannel    = "hearth:voice:replies"
	utterancesChannel = "hearth:voice:utterances"
)

// RedisBus carries bus traffic over Redis pub/sub. Delivery is at-most-
// once: a reply published while no gateway holds the session is simply
// lost, which matches the relay's drop-if-absent routing rule.
type RedisBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis connects to Redis using a redis:// URL and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, rawURL string, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{rdb: rdb, logger: logger.With("component", "bus")}, nil
}

func (b *RedisBus) PublishUtterance(ctx context.Context, u Utterance) error {
	return b.publish(ctx, utterancesChannel, u)
}

func (b *RedisBus) PublishReply(ctx context.Context, r Reply) error {
	return b.publish(ctx, repliesChannel, r)
}

func (b *RedisBus) publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) SubscribeReplies(ctx context.Context, fn func(Reply)) (func(), error) {
	return subscribe(ctx, b, repliesChannel, fn)
}

func (b *RedisBus) SubscribeUtterances(ctx context.Context, fn func(Utterance)) (func(), error) {
	return subscribe(ctx, b, utterancesChannel, fn)
}

func subscribe[T any](ctx context.Context, b *RedisBus, channel string, fn func(T)) (func(), error) {
	ps := b.rdb.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers
	// never miss messages published right after subscribing.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var v T
			if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
				b.logger.Warn("dropping malformed bus message", "channel", channel, "error", err)
				continue
			}
			fn(v)
		}
	}()

	return func() { ps.Close() }, nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
