package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultAckTimeout   = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
)

var errMissingURL = errors.New("wsfeed: url is required")

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/realtime.
	URL string
	// Token returns the bearer token sent with each dial. Optional.
	Token        func() string
	Dialer       *websocket.Dialer
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Client is a realtime.PushService backed by a remote Handler.
type Client struct {
	url          string
	token        func() string
	dialer       *websocket.Dialer
	ackTimeout   time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewClient validates cfg and fills defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:          cfg.URL,
		token:        cfg.Token,
		dialer:       dialer,
		ackTimeout:   durationOrDefault(cfg.AckTimeout, DefaultAckTimeout),
		writeTimeout: durationOrDefault(cfg.WriteTimeout, DefaultWriteTimeout),
		pingInterval: durationOrDefault(cfg.PingInterval, DefaultPingInterval),
		logger:       logger,
	}, nil
}

// Channel returns an unopened channel. The socket is dialed by Subscribe.
func (c *Client) Channel(name string) realtime.Channel {
	return &clientChannel{client: c, name: name}
}

type clientBinding struct {
	config  realtime.SubscriptionConfig
	handler func(realtime.ChangeEvent)
}

type clientChannel struct {
	client *Client
	name   string

	mu       sync.Mutex
	bindings []clientBinding
	conn     *websocket.Conn
	cancel   context.CancelFunc
	callback func(realtime.ChannelStatus, error)
	started  bool
	closing  bool
	reported bool
}

func (ch *clientChannel) On(config realtime.SubscriptionConfig, handler func(realtime.ChangeEvent)) {
	if handler == nil {
		return
	}
	ch.mu.Lock()
	ch.bindings = append(ch.bindings, clientBinding{config: config, handler: handler})
	ch.mu.Unlock()
}

func (ch *clientChannel) Subscribe(callback func(realtime.ChannelStatus, error)) {
	ch.mu.Lock()
	if ch.started {
		ch.mu.Unlock()
		return
	}
	ch.started = true
	ch.callback = callback
	ctx, cancel := context.WithCancel(context.Background())
	ch.cancel = cancel
	closing := ch.closing
	ch.mu.Unlock()

	if closing {
		cancel()
		ch.finish(realtime.StatusClosed, nil)
		return
	}
	go ch.run(ctx)
}

func (ch *clientChannel) Close(ctx context.Context) error {
	ch.mu.Lock()
	ch.closing = true
	conn := ch.conn
	cancel := ch.cancel
	ch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(ch.client.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	writeErr := conn.WriteControl(websocket.CloseMessage, message, deadline)
	closeErr := conn.Close()
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) && !errors.Is(writeErr, net.ErrClosed) {
		return fmt.Errorf("wsfeed: close %s: %w", ch.name, writeErr)
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("wsfeed: close %s: %w", ch.name, closeErr)
	}
	return nil
}

func (ch *clientChannel) run(ctx context.Context) {
	dialCtx, cancelDial := context.WithTimeout(ctx, ch.client.ackTimeout)
	conn, _, err := ch.client.dialer.DialContext(dialCtx, ch.client.url, ch.header())
	cancelDial()
	if err != nil {
		switch {
		case ch.isClosing():
			ch.finish(realtime.StatusClosed, nil)
		case errors.Is(err, context.DeadlineExceeded):
			ch.finish(realtime.StatusTimedOut, err)
		default:
			ch.finish(realtime.StatusChannelError, err)
		}
		return
	}

	ch.mu.Lock()
	if ch.closing {
		ch.mu.Unlock()
		_ = conn.Close()
		ch.finish(realtime.StatusClosed, nil)
		return
	}
	ch.conn = conn
	bindings := make([]realtime.SubscriptionConfig, 0, len(ch.bindings))
	for _, b := range ch.bindings {
		bindings = append(bindings, b.config)
	}
	ch.mu.Unlock()
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(ch.client.writeTimeout))
	if err := conn.WriteJSON(frame{Type: frameSubscribe, Channel: ch.name, Bindings: bindings}); err != nil {
		ch.finish(ch.failureStatus(false, err), err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(ch.client.ackTimeout))
	acknowledged := false
	for {
		var incoming frame
		if err := conn.ReadJSON(&incoming); err != nil {
			ch.finish(ch.failureStatus(!acknowledged, err), err)
			return
		}
		switch incoming.Type {
		case frameStatus:
			var cause error
			if incoming.Error != "" {
				cause = errors.New(incoming.Error)
			}
			if incoming.Status == realtime.StatusSubscribed {
				if !acknowledged {
					acknowledged = true
					ch.keepAlive(ctx, conn)
					ch.notify(realtime.StatusSubscribed, nil)
				}
				continue
			}
			if terminal(incoming.Status) {
				ch.finish(incoming.Status, cause)
				return
			}
		case frameChange:
			if incoming.Event != nil {
				ch.deliver(*incoming.Event)
			}
		default:
			ch.client.logger.Debug("unknown realtime frame", zap.String("channel", ch.name), zap.String("type", incoming.Type))
		}
	}
}

// keepAlive extends the read deadline on every pong and pings until ctx ends.
func (ch *clientChannel) keepAlive(ctx context.Context, conn *websocket.Conn) {
	interval := ch.client.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(2 * interval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * interval))
	})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ch.client.writeTimeout)); err != nil {
					return
				}
			}
		}
	}()
}

func (ch *clientChannel) failureStatus(awaitingAck bool, err error) realtime.ChannelStatus {
	if ch.isClosing() {
		return realtime.StatusClosed
	}
	var netErr net.Error
	if awaitingAck && errors.As(err, &netErr) && netErr.Timeout() {
		return realtime.StatusTimedOut
	}
	return realtime.StatusChannelError
}

func (ch *clientChannel) deliver(event realtime.ChangeEvent) {
	ch.mu.Lock()
	bindings := append([]clientBinding(nil), ch.bindings...)
	ch.mu.Unlock()
	for _, b := range bindings {
		if realtime.Matches(b.config, event) {
			b.handler(event)
		}
	}
}

func (ch *clientChannel) header() http.Header {
	header := http.Header{}
	if ch.client.token == nil {
		return header
	}
	if token := ch.client.token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

func (ch *clientChannel) isClosing() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closing
}

func (ch *clientChannel) notify(status realtime.ChannelStatus, err error) {
	ch.mu.Lock()
	callback := ch.callback
	reported := ch.reported
	ch.mu.Unlock()
	if callback != nil && !reported {
		callback(status, err)
	}
}

// finish reports the channel's final status once.
func (ch *clientChannel) finish(status realtime.ChannelStatus, err error) {
	ch.mu.Lock()
	if ch.reported {
		ch.mu.Unlock()
		return
	}
	ch.reported = true
	callback := ch.callback
	cancel := ch.cancel
	ch.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if status != realtime.StatusClosed && err != nil {
		ch.client.logger.Warn("realtime channel failed",
			zap.String("channel", ch.name),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	if callback != nil {
		callback(status, err)
	}
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
