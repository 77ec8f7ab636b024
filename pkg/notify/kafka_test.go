package notify

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
)

func unreachableKafka() *KafkaBus {
	return NewKafkaBus(KafkaConfig{
		Brokers: []string{"localhost:9999"},
		Topic:   "mss-changes-test",
	}, "node-a", logger.NewNop())
}

func TestPublishAsyncNonBlockingProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("PublishAsync returns immediately", prop.ForAll(
		func(seq int64) bool {
			b := unreachableKafka()
			defer b.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			_ = PublishAsync(ctx, b, Notice{Origin: "node-a", Seq: seq})
			return time.Since(start) < 10*time.Millisecond
		},
		gen.Int64Range(0, 1<<32),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestPublishAsyncReportsResult(t *testing.T) {
	b := unreachableKafka()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	select {
	case err := <-PublishAsync(ctx, b, Notice{Origin: "node-a", Seq: 1}):
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestGroupIDIsPerNode(t *testing.T) {
	assert.Equal(t, "mss-node-a", GroupID("node-a"))
	assert.NotEqual(t, GroupID("node-a"), GroupID("node-b"))
}

func TestKafkaClose(t *testing.T) {
	b := unreachableKafka()
	assert.NoError(t, b.Close())
}
