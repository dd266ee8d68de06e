package events

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/signalnine/benchloop/internal/logging"
)

const subscriberBuffer = 64

var ErrClosed = errors.New("bus is closed")

// Publisher is what components that only emit events depend on.
type Publisher interface {
	Publish(ev Event)
}

type Bus interface {
	Publisher
	// Subscribe returns a channel of events whose type is in types, or all
	// events when types is empty, and a func that unsubscribes.
	Subscribe(types ...Type) (<-chan Event, func())
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

type subscriber struct {
	types map[Type]bool
	ch    chan Event
}

func (s *subscriber) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// ChannelBus fans events out to buffered in-process subscribers. A slow
// subscriber loses events rather than blocking the publisher.
type ChannelBus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
	logger *slog.Logger
}

func NewChannelBus(logger *slog.Logger) *ChannelBus {
	return &ChannelBus{subs: make(map[*subscriber]struct{}), logger: logging.OrDefault(logger)}
}

func (b *ChannelBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropped event, subscriber buffer full", "type", ev.Type, "run_id", ev.RunID)
		}
	}
}

func (b *ChannelBus) Subscribe(types ...Type) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
}

func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}
