// Package realtimetest provides a scriptable in-memory PushService for tests.
package realtimetest

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
)

// PushService records every channel it opens so tests can drive their status and events.
type PushService struct {
	mu       sync.Mutex
	channels []*Channel
}

// NewPushService returns an empty PushService.
func NewPushService() *PushService {
	return &PushService{}
}

// Channel opens a new scriptable channel.
func (p *PushService) Channel(name string) realtime.Channel {
	channel := &Channel{name: name}
	p.mu.Lock()
	p.channels = append(p.channels, channel)
	p.mu.Unlock()
	return channel
}

// Channels returns every channel opened so far, oldest first.
func (p *PushService) Channels() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Channel(nil), p.channels...)
}

// Last returns the most recently opened channel, or nil.
func (p *PushService) Last() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) == 0 {
		return nil
	}
	return p.channels[len(p.channels)-1]
}

// Channel is a scriptable realtime.Channel.
type Channel struct {
	name string

	mu       sync.Mutex
	config   realtime.SubscriptionConfig
	handler  func(realtime.ChangeEvent)
	callback func(realtime.ChannelStatus, error)
	closed   bool
	closeErr error
}

// Name returns the channel name requested by the manager.
func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) On(config realtime.SubscriptionConfig, handler func(realtime.ChangeEvent)) {
	c.mu.Lock()
	c.config = config
	c.handler = handler
	c.mu.Unlock()
}

func (c *Channel) Subscribe(callback func(realtime.ChannelStatus, error)) {
	c.mu.Lock()
	c.callback = callback
	c.mu.Unlock()
}

func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

// Config returns the config registered through On.
func (c *Channel) Config() realtime.SubscriptionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailClose makes subsequent Close calls return err.
func (c *Channel) FailClose(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
}

// Emit reports a status to the subscriber, as the push service would.
func (c *Channel) Emit(status realtime.ChannelStatus, err error) {
	c.mu.Lock()
	callback := c.callback
	c.mu.Unlock()
	if callback != nil {
		callback(status, err)
	}
}

// Deliver hands a change event to the registered listener.
func (c *Channel) Deliver(event realtime.ChangeEvent) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}
