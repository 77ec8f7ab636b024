package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/metrics"
)

// RedisConfig holds the pub/sub connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisBus publishes notices on a Redis pub/sub channel
type RedisBus struct {
	client  *redis.Client
	channel string
	node    string
	logger  *logger.Logger
}

// NewRedisBus connects to Redis for the given node
func NewRedisBus(cfg RedisConfig, node string, l *logger.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBusWithClient(client, cfg.Channel, node, l)
}

// NewRedisBusWithClient reuses an existing client
func NewRedisBusWithClient(client *redis.Client, channel, node string, l *logger.Logger) *RedisBus {
	return &RedisBus{client: client, channel: channel, node: node, logger: l}
}

func (b *RedisBus) Publish(ctx context.Context, n Notice) error {
	payload, err := Encode(n)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	metrics.NoticesPublishedTotal.Inc()
	return nil
}

// Subscribe returns once the subscription is confirmed by the server
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Notice, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	out := make(chan Notice, 64)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				n, err := Decode([]byte(m.Payload))
				if err != nil {
					b.logger.Warn("dropping malformed notice", zap.Error(err))
					continue
				}
				if n.Origin == b.node {
					continue
				}
				metrics.NoticesReceivedTotal.Inc()
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
