// Package redisfeed is a push service on Redis pub/sub. Each table's changes travel on
// the channel "realtime:<schema>:<table>" as JSON-encoded change events.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix           = "realtime:"
	defaultSubscribeTimeout = 5 * time.Second
)

var (
	errMissingTable = errors.New("redisfeed: event table is required")
	errNoBindings   = errors.New("redisfeed: channel has no bindings")
)

// Topic returns the pub/sub channel carrying changes for schema.table.
func Topic(schema, table string) string {
	if schema == "" {
		schema = realtime.DefaultSchema
	}
	return channelPrefix + schema + ":" + table
}

// Feed implements realtime.PushService and realtime.Publisher.
type Feed struct {
	client           *redis.Client
	owner            string
	subscribeTimeout time.Duration
	logger           *zap.Logger
}

// New connects to redisURL and verifies the connection.
func New(redisURL string, logger *zap.Logger) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		client:           client,
		subscribeTimeout: defaultSubscribeTimeout,
		logger:           logger,
	}
}

// Scoped returns a push service whose channels only see events owned by owner.
func (f *Feed) Scoped(owner string) realtime.PushService {
	scoped := *f
	scoped.owner = owner
	return &scoped
}

// Publish encodes event onto its table's topic.
func (f *Feed) Publish(ctx context.Context, event realtime.ChangeEvent) error {
	if event.Table == "" {
		return errMissingTable
	}
	if event.Schema == "" {
		event.Schema = realtime.DefaultSchema
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, Topic(event.Schema, event.Table), payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Channel returns an unsubscribed channel.
func (f *Feed) Channel(name string) realtime.Channel {
	return &channel{feed: f, name: name}
}

// Ping checks if Redis is reachable.
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (f *Feed) Close() error {
	return f.client.Close()
}

type binding struct {
	config  realtime.SubscriptionConfig
	handler func(realtime.ChangeEvent)
}

type channel struct {
	feed *Feed
	name string

	mu       sync.Mutex
	bindings []binding
	pubsub   *redis.PubSub
	callback func(realtime.ChannelStatus, error)
	started  bool
	closing  bool
	reported bool
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
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.callback = callback
	c.mu.Unlock()
	go c.run()
}

func (c *channel) Close(_ context.Context) error {
	c.mu.Lock()
	c.closing = true
	pubsub := c.pubsub
	c.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	if err := pubsub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redisfeed: close %s: %w", c.name, err)
	}
	return nil
}

func (c *channel) run() {
	topics := c.topics()
	if len(topics) == 0 {
		c.finish(realtime.StatusChannelError, errNoBindings)
		return
	}
	ctx := context.Background()
	pubsub := c.feed.client.Subscribe(ctx, topics...)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = pubsub.Close()
		c.finish(realtime.StatusClosed, nil)
		return
	}
	c.pubsub = pubsub
	c.mu.Unlock()

	_, err := pubsub.ReceiveTimeout(ctx, c.feed.subscribeTimeout)
	if err != nil {
		_ = pubsub.Close()
		switch {
		case c.isClosing():
			c.finish(realtime.StatusClosed, nil)
		case isTimeout(err):
			c.finish(realtime.StatusTimedOut, err)
		default:
			c.finish(realtime.StatusChannelError, err)
		}
		return
	}
	c.notify(realtime.StatusSubscribed)

	for {
		message, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			_ = pubsub.Close()
			if c.isClosing() {
				c.finish(realtime.StatusClosed, nil)
			} else {
				c.finish(realtime.StatusChannelError, err)
			}
			return
		}
		var event realtime.ChangeEvent
		if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
			c.feed.logger.Warn("undecodable realtime message",
				zap.String("channel", c.name),
				zap.String("topic", message.Channel),
				zap.Error(err))
			continue
		}
		if c.feed.owner != "" && event.Owner != c.feed.owner {
			continue
		}
		c.deliver(event)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *channel) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(c.bindings))
	topics := make([]string, 0, len(c.bindings))
	for _, b := range c.bindings {
		topic := Topic(b.config.Schema, b.config.Table)
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
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

func (c *channel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *channel) notify(status realtime.ChannelStatus) {
	c.mu.Lock()
	callback := c.callback
	reported := c.reported
	c.mu.Unlock()
	if callback != nil && !reported {
		callback(status, nil)
	}
}

func (c *channel) finish(status realtime.ChannelStatus, err error) {
	c.mu.Lock()
	if c.reported {
		c.mu.Unlock()
		return
	}
	c.reported = true
	callback := c.callback
	c.mu.Unlock()
	if status != realtime.StatusClosed && err != nil {
		c.feed.logger.Warn("realtime channel failed",
			zap.String("channel", c.name),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	if callback != nil {
		callback(status, err)
	}
}
