package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/metrics"
)

// KafkaConfig holds the broker settings
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaBus publishes notices to a topic. Every node reads the topic in its
// own consumer group so each notice reaches all nodes.
type KafkaBus struct {
	writer *kafka.Writer
	cfg    KafkaConfig
	node   string
	logger *logger.Logger
	reader *kafka.Reader
}

// NewKafkaBus creates the writer; the reader is created on Subscribe
func NewKafkaBus(cfg KafkaConfig, node string, l *logger.Logger) *KafkaBus {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaBus{writer: writer, cfg: cfg, node: node, logger: l}
}

// GroupID is the consumer group of a node
func GroupID(node string) string {
	return "mss-" + node
}

func (b *KafkaBus) Publish(ctx context.Context, n Notice) error {
	payload, err := Encode(n)
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{Key: []byte(n.Origin), Value: payload}); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	metrics.NoticesPublishedTotal.Inc()
	return nil
}

func (b *KafkaBus) Subscribe(ctx context.Context) (<-chan Notice, error) {
	if b.reader != nil {
		return nil, errors.New("kafka bus already subscribed")
	}
	b.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		Topic:       b.cfg.Topic,
		GroupID:     GroupID(b.node),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
		MaxWait:     500 * time.Millisecond,
	})

	out := make(chan Notice, 64)
	go func() {
		defer close(out)

		for {
			m, err := b.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("failed to fetch notice", err)
				return
			}

			n, err := Decode(m.Value)
			switch {
			case err != nil:
				b.logger.Warn("dropping malformed notice", zap.Error(err), zap.Int64("offset", m.Offset))
			case n.Origin != b.node:
				metrics.NoticesReceivedTotal.Inc()
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}

			if err := b.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				b.logger.Warn("failed to commit notice offset", zap.Error(err))
			}
		}
	}()
	return out, nil
}

func (b *KafkaBus) Close() error {
	err := b.writer.Close()
	if b.reader != nil {
		err = errors.Join(err, b.reader.Close())
	}
	return err
}
