// Package memfeed is an in-process push service. Committed changes published to the
// Broker fan out to every subscribed channel whose bindings match.
package memfeed

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-channel event buffer. Events beyond it are dropped.
const DefaultBufferSize = 64

var (
	errMissingTable = errors.New("memfeed: event table is required")
	errBrokerClosed = errors.New("memfeed: broker closed")
)

// Config tunes a Broker.
type Config struct {
	BufferSize int
	Logger     *zap.Logger
}

// Broker implements realtime.PushService and realtime.Publisher in memory.
type Broker struct {
	mu         sync.RWMutex
	channels   map[int64]*channel
	nextID     int64
	bufferSize int
	logger     *zap.Logger
	closed     bool
}

// NewBroker constructs an empty Broker.
func NewBroker(cfg Config) *Broker {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		channels:   make(map[int64]*channel),
		bufferSize: size,
		logger:     logger,
	}
}

// Channel returns an unsubscribed channel that sees every owner's events.
func (b *Broker) Channel(name string) realtime.Channel {
	return b.newChannel(name, "")
}

// Scoped returns a push service whose channels only see events owned by owner.
func (b *Broker) Scoped(owner string) realtime.PushService {
	return scopedService{broker: b, owner: owner}
}

type scopedService struct {
	broker *Broker
	owner  string
}

func (s scopedService) Channel(name string) realtime.Channel {
	return s.broker.newChannel(name, s.owner)
}

// Publish fans event out. Channels with a full buffer drop the event.
func (b *Broker) Publish(_ context.Context, event realtime.ChangeEvent) error {
	if event.Table == "" {
		return errMissingTable
	}
	if event.Schema == "" {
		event.Schema = realtime.DefaultSchema
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBrokerClosed
	}
	targets := make([]*channel, 0, len(b.channels))
	for _, ch := range b.channels {
		if ch.owner != "" && ch.owner != event.Owner {
			continue
		}
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch.stream <- event:
		default:
			b.logger.Warn("realtime event dropped",
				zap.String("channel", ch.name),
				zap.String("table", event.Table),
				zap.String("event", string(event.Kind)))
		}
	}
	return nil
}

// Interrupt reports CHANNEL_ERROR to every subscribed channel and detaches them, as a
// dropped upstream connection would.
func (b *Broker) Interrupt(cause error) {
	b.mu.Lock()
	victims := make([]*channel, 0, len(b.channels))
	for id, ch := range b.channels {
		victims = append(victims, ch)
		delete(b.channels, id)
	}
	b.mu.Unlock()
	for _, ch := range victims {
		ch.stop(realtime.StatusChannelError, cause)
	}
}

// Close detaches every channel and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	victims := make([]*channel, 0, len(b.channels))
	for id, ch := range b.channels {
		victims = append(victims, ch)
		delete(b.channels, id)
	}
	b.mu.Unlock()
	for _, ch := range victims {
		ch.stop(realtime.StatusClosed, nil)
	}
}

// SubscriberCount reports how many channels are attached.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

func (b *Broker) newChannel(name, owner string) *channel {
	return &channel{
		broker: b,
		name:   name,
		owner:  owner,
		stream: make(chan realtime.ChangeEvent, b.bufferSize),
		done:   make(chan struct{}),
	}
}

func (b *Broker) register(ch *channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.nextID++
	ch.id = b.nextID
	b.channels[ch.id] = ch
	return true
}

func (b *Broker) unregister(id int64) {
	b.mu.Lock()
	delete(b.channels, id)
	b.mu.Unlock()
}

type binding struct {
	config  realtime.SubscriptionConfig
	handler func(realtime.ChangeEvent)
}

type channel struct {
	broker *Broker
	name   string
	owner  string
	id     int64
	stream chan realtime.ChangeEvent
	done   chan struct{}

	mu       sync.Mutex
	bindings []binding
	callback func(realtime.ChannelStatus, error)
	started  bool
	stopped  bool
}

func (c *channel) On(config realtime.SubscriptionConfig, handler func(realtime.ChangeEvent)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	c.bindings = append(c.bindings, binding{config: config, handler: handler})
	c.mu.Unlock()
}

func (c *channel) Subscribe(callback func(realtime.ChannelStatus, error)) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.callback = callback
	c.mu.Unlock()

	if !c.broker.register(c) {
		c.stop(realtime.StatusChannelError, errBrokerClosed)
		return
	}
	go c.pump()
	c.notify(realtime.StatusSubscribed, nil)
}

func (c *channel) Close(_ context.Context) error {
	c.broker.unregister(c.id)
	c.stop(realtime.StatusClosed, nil)
	return nil
}

func (c *channel) pump() {
	for {
		select {
		case <-c.done:
			return
		case event := <-c.stream:
			c.deliver(event)
		}
	}
}

func (c *channel) deliver(event realtime.ChangeEvent) {
	c.mu.Lock()
	bindings := append([]binding(nil), c.bindings...)
	c.mu.Unlock()
	for _, b := range bindings {
		if realtime.Matches(b.config, event) {
			b.handler(event)
		}
	}
}

// stop is idempotent; only the first call reports a status.
func (c *channel) stop(status realtime.ChannelStatus, err error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	close(c.done)
	c.mu.Unlock()
	if started {
		c.notify(status, err)
	}
}

func (c *channel) notify(status realtime.ChannelStatus, err error) {
	c.mu.Lock()
	callback := c.callback
	c.mu.Unlock()
	if callback != nil {
		callback(status, err)
	}
}
