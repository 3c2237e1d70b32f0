package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Topic addresses the events of one kind delivered to one subscription.
type Topic struct {
	SubscriptionID string
	Kind           EventKind
}

// Bus fans change events out to observers keyed by Topic, so several observers can share
// one transport channel.
type Bus struct {
	mu         sync.RWMutex
	listeners  map[string]map[int64]*busListener
	nextID     int64
	bufferSize int
	logger     *zap.Logger
}

type busListener struct {
	id      int64
	kind    EventKind
	handler func(ChangeEvent)
	onDrop  func()
}

// NewBus constructs an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners:  make(map[string]map[int64]*busListener),
		bufferSize: 16,
		logger:     logger,
	}
}

// Listen registers handler for topic. A Kind of EventAll receives every kind.
func (b *Bus) Listen(topic Topic, handler func(ChangeEvent)) func() {
	if topic.SubscriptionID == "" || handler == nil {
		return func() {}
	}
	kind := topic.Kind
	if kind == "" {
		kind = EventAll
	}
	listener := &busListener{id: b.nextSequence(), kind: kind, handler: handler}
	b.register(topic.SubscriptionID, listener)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.unregister(topic.SubscriptionID, listener.id)
		})
	}
}

// Stream delivers every event of subscriptionID on a buffered channel. Events are dropped
// when the buffer is full. The channel is closed when ctx ends, cancel is called or the
// subscription is dropped.
func (b *Bus) Stream(ctx context.Context, subscriptionID string, size int) (<-chan ChangeEvent, func()) {
	if size <= 0 {
		size = b.bufferSize
	}
	stream := make(chan ChangeEvent, size)
	if subscriptionID == "" {
		close(stream)
		return stream, func() {}
	}

	var (
		streamMu sync.Mutex
		closed   bool
	)
	closeStream := func() {
		streamMu.Lock()
		defer streamMu.Unlock()
		if !closed {
			closed = true
			close(stream)
		}
	}
	listener := &busListener{
		id:   b.nextSequence(),
		kind: EventAll,
		handler: func(event ChangeEvent) {
			streamMu.Lock()
			defer streamMu.Unlock()
			if closed {
				return
			}
			select {
			case stream <- event:
			default:
				b.logger.Warn("realtime stream full, dropping event",
					zap.String("subscription_id", subscriptionID),
					zap.String("table", event.Table),
					zap.String("kind", string(event.Kind)))
			}
		},
	}
	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(done)
			b.unregister(subscriptionID, listener.id)
			closeStream()
		})
	}
	listener.onDrop = cleanup
	b.register(subscriptionID, listener)
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return stream, cleanup
}

// Publish delivers event to every listener of topic and to catch-all listeners of the
// subscription. Listener panics are recovered and logged.
func (b *Bus) Publish(topic Topic, event ChangeEvent) {
	if topic.SubscriptionID == "" {
		return
	}
	b.mu.RLock()
	listeners := b.listeners[topic.SubscriptionID]
	if len(listeners) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*busListener, 0, len(listeners))
	for _, listener := range listeners {
		if listener.kind == EventAll || listener.kind == topic.Kind {
			copies = append(copies, listener)
		}
	}
	b.mu.RUnlock()
	for _, listener := range copies {
		b.deliver(topic, listener, event)
	}
}

// Drop removes every listener of subscriptionID and closes its streams.
func (b *Bus) Drop(subscriptionID string) {
	b.mu.Lock()
	listeners := b.listeners[subscriptionID]
	delete(b.listeners, subscriptionID)
	b.mu.Unlock()
	for _, listener := range listeners {
		if listener.onDrop != nil {
			listener.onDrop()
		}
	}
}

// ListenerCount reports the listeners attached to subscriptionID.
func (b *Bus) ListenerCount(subscriptionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[subscriptionID])
}

func (b *Bus) deliver(topic Topic, listener *busListener, event ChangeEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("realtime listener panicked",
				zap.String("subscription_id", topic.SubscriptionID),
				zap.String("kind", string(topic.Kind)),
				zap.Any("panic", recovered))
		}
	}()
	listener.handler(event)
}

func (b *Bus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Bus) register(subscriptionID string, listener *busListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[subscriptionID]; !ok {
		b.listeners[subscriptionID] = make(map[int64]*busListener)
	}
	b.listeners[subscriptionID][listener.id] = listener
}

func (b *Bus) unregister(subscriptionID string, listenerID int64) {
	b.mu.Lock()
	listeners := b.listeners[subscriptionID]
	if listeners != nil {
		delete(listeners, listenerID)
		if len(listeners) == 0 {
			delete(b.listeners, subscriptionID)
		}
	}
	b.mu.Unlock()
}
