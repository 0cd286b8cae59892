// Package event provides an in-process pub/sub bus for bridge lifecycle
// events. A watermill gochannel is created alongside the bus and exposed
// through PubSub.
package event

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type identifies a bus event.
type Type string

const (
	SessionCreated      Type = "session.created"
	SessionUpdated      Type = "session.updated"
	SessionDeleted      Type = "session.deleted"
	SessionRestored     Type = "session.restored"
	CLIConnected        Type = "cli.connected"
	CLIDisconnected     Type = "cli.disconnected"
	PermissionRequested Type = "permission.requested"
	PermissionResolved  Type = "permission.resolved"
	PluginInsight       Type = "plugin.insight"
	BranchUpdated       Type = "vcs.branch.updated"
)

// Event is one published event.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Subscriber receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus manages pub/sub. Publish calls directly tracked subscribers, which
// preserves type information; events are not routed through the watermill
// gochannel.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
	cancel context.CancelFunc
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	_, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
		cancel:      cancel,
	}
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers a subscriber for every event and returns an
// unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[t]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

func (b *Bus) collect(t Type) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, entry := range b.subscribers[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Publish sends an event to all subscribers asynchronously. Each subscriber
// runs in its own goroutine so a slow consumer cannot block the publisher.
func (b *Bus) Publish(event Event) {
	for _, sub := range b.collect(event.Type) {
		go sub(event)
	}
}

// PublishSync calls all subscribers in the current goroutine before
// returning.
func (b *Bus) PublishSync(event Event) {
	for _, sub := range b.collect(event.Type) {
		sub(event)
	}
}

// Close shuts the bus down; further subscribes and publishes are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}

// PubSub exposes the underlying watermill channel for middleware or
// distributed backends.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
