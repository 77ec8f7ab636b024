// Package notify carries change notices between nodes so they can pull the
// touched players without waiting for the next periodic pull. Notices are
// hints: losing one only delays convergence until the next pull.
package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// Notice announces that a node committed writes for some players
type Notice struct {
	Origin  string           `json:"origin"`
	Players []stats.PlayerID `json:"players"`
	Seq     int64            `json:"seq"`
}

// Encode serializes a notice for the wire
func Encode(n Notice) ([]byte, error) {
	return json.Marshal(n)
}

// Decode parses a notice received from the wire
func Decode(data []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return Notice{}, fmt.Errorf("failed to decode notice: %w", err)
	}
	if n.Origin == "" {
		return Notice{}, fmt.Errorf("failed to decode notice: missing origin")
	}
	return n, nil
}

// Publisher announces committed writes to other nodes
type Publisher interface {
	Publish(ctx context.Context, n Notice) error
}

// PublishAsync sends a notice without waiting for delivery.
// The returned channel receives the delivery error, if any, then closes.
func PublishAsync(ctx context.Context, p Publisher, n Notice) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		result <- p.Publish(ctx, n)
	}()
	return result
}

// Subscriber delivers notices published by other nodes. The returned channel
// is closed when ctx is done or the transport fails for good.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Notice, error)
}

// Bus is a transport that both publishes and subscribes
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Nop is the bus used when notices are disabled
type Nop struct{}

func (Nop) Publish(context.Context, Notice) error { return nil }

func (Nop) Subscribe(ctx context.Context) (<-chan Notice, error) {
	ch := make(chan Notice)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (Nop) Close() error { return nil }
