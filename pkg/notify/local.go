package notify

import (
	"context"
	"sync"
)

// Hub fans notices out between buses of one process
type Hub struct {
	mu   sync.Mutex
	subs map[*localSub]struct{}
}

type localSub struct {
	node string
	ch   chan Notice
}

// NewHub creates an empty in-process hub
func NewHub() *Hub {
	return &Hub{subs: make(map[*localSub]struct{})}
}

// Bus returns the hub endpoint of one node. Its subscribers never see
// notices originating from node.
func (h *Hub) Bus(node string) Bus {
	return &localBus{hub: h, node: node}
}

type localBus struct {
	hub  *Hub
	node string
}

func (b *localBus) Publish(ctx context.Context, n Notice) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	for s := range b.hub.subs {
		if s.node == n.Origin {
			continue
		}
		select {
		case s.ch <- n:
		default:
			// slow subscriber; the periodic pull covers it
		}
	}
	return ctx.Err()
}

func (b *localBus) Subscribe(ctx context.Context) (<-chan Notice, error) {
	s := &localSub{node: b.node, ch: make(chan Notice, 64)}
	b.hub.mu.Lock()
	b.hub.subs[s] = struct{}{}
	b.hub.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.hub.mu.Lock()
		delete(b.hub.subs, s)
		close(s.ch)
		b.hub.mu.Unlock()
	}()
	return s.ch, nil
}

func (b *localBus) Close() error { return nil }
