// Package events carries cache invalidation signals between the components
// that change shared state (config store, user directory) and the caches that
// read it (permission resolver).
//
// Delivery is at-most-once. A subscriber that misses an event falls back to
// its cache TTL.
package events

import (
	"context"
	"sync"
)

// Topic names a class of change
type Topic string

const (
	// TopicConfigChanged fires after a system config row is written. Key is
	// the config key.
	TopicConfigChanged Topic = "config.changed"

	// TopicUserPermissionsChanged fires after a user's overrides, assigned
	// order types, role or active flag change. Key is the user ID.
	TopicUserPermissionsChanged Topic = "user.permissions_changed"
)

// Event is a change notification. It carries identifiers only; subscribers
// reload whatever they need.
type Event struct {
	Topic  Topic  `json:"topic"`
	Key    string `json:"key"`
	Origin string `json:"origin,omitempty"`
}

// Handler receives events. Handlers must not block for long: publishers
// invoke local handlers synchronously.
type Handler func(ctx context.Context, e Event)

// Bus publishes events to subscribers
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(topic Topic, h Handler) (unsubscribe func())
}

// LocalBus delivers events to handlers in the same process, synchronously
// and in subscription order
type LocalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Topic]map[int]Handler
	order    map[Topic][]int
}

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{
		handlers: make(map[Topic]map[int]Handler),
		order:    make(map[Topic][]int),
	}
}

// Publish invokes every handler subscribed to e.Topic. It never fails.
func (b *LocalBus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	ids := b.order[e.Topic]
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		if h, ok := b.handlers[e.Topic][id]; ok {
			hs = append(hs, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ctx, e)
	}
	return nil
}

// Subscribe registers h for topic. The returned function removes it and is
// safe to call more than once.
func (b *LocalBus) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	b.handlers[topic][id] = h
	b.order[topic] = append(b.order[topic], id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[topic], id)
			ids := b.order[topic]
			for i, existing := range ids {
				if existing == id {
					b.order[topic] = append(ids[:i:i], ids[i+1:]...)
					break
				}
			}
		})
	}
}
