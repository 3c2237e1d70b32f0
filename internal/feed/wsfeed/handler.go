package wsfeed

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer       = 64
	defaultSubscribeTimeout = 10 * time.Second
	closeGracePeriod        = time.Second
)

var (
	errMissingAuthenticator = errors.New("wsfeed: authenticator is required")
	errMissingFeed          = errors.New("wsfeed: feed is required")
	errExpectedSubscribe    = errors.New("wsfeed: expected subscribe frame")
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Authenticate returns the owner whose events the socket may see.
	Authenticate func(*http.Request) (string, error)
	// Feed returns the push service scoped to owner.
	Feed func(owner string) realtime.PushService
	// CheckOrigin defaults to allowing every origin; CORS is enforced by the router.
	CheckOrigin  func(*http.Request) bool
	WriteTimeout time.Duration
	SendBuffer   int
	Logger       *zap.Logger
}

// Handler upgrades requests and bridges one upstream channel per socket.
type Handler struct {
	authenticate func(*http.Request) (string, error)
	feed         func(string) realtime.PushService
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	sendBuffer   int
	logger       *zap.Logger
}

// NewHandler validates cfg.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Authenticate == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		authenticate: cfg.Authenticate,
		feed:         cfg.Feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		writeTimeout: durationOrDefault(cfg.WriteTimeout, DefaultWriteTimeout),
		sendBuffer:   sendBuffer,
		logger:       logger,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner, err := h.authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	request, err := readSubscribe(conn)
	if err != nil {
		h.writeFinal(conn, statusFrame(realtime.StatusChannelError, err))
		return
	}

	bindings := make([]realtime.SubscriptionConfig, 0, len(request.Bindings))
	for _, binding := range request.Bindings {
		normalized, err := binding.Normalize()
		if err != nil {
			h.writeFinal(conn, statusFrame(realtime.StatusChannelError, err))
			return
		}
		bindings = append(bindings, normalized)
	}

	send := make(chan frame, h.sendBuffer)
	enqueue := func(f frame) {
		select {
		case send <- f:
		case <-ctx.Done():
		default:
			h.logger.Warn("realtime frame dropped",
				zap.String("owner", owner),
				zap.String("channel", request.Channel),
				zap.String("type", f.Type))
		}
	}

	upstream := h.feed(owner).Channel(request.Channel)
	for _, binding := range bindings {
		upstream.On(binding, func(event realtime.ChangeEvent) {
			enqueue(frame{Type: frameChange, Event: &event})
		})
	}
	upstream.Subscribe(func(status realtime.ChannelStatus, err error) {
		f := statusFrame(status, err)
		if terminal(status) {
			// Terminal statuses must reach the client even when the buffer is full.
			select {
			case send <- f:
			case <-ctx.Done():
			}
			return
		}
		enqueue(f)
	})
	defer func() {
		cancel()
		closeCtx, cancelClose := context.WithTimeout(context.Background(), h.writeTimeout)
		defer cancelClose()
		if err := upstream.Close(closeCtx); err != nil {
			h.logger.Warn("realtime upstream close failed", zap.String("channel", request.Channel), zap.Error(err))
		}
	}()

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, send)
}

func readSubscribe(conn *websocket.Conn) (frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(defaultSubscribeTimeout))
	var request frame
	if err := conn.ReadJSON(&request); err != nil {
		return frame{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if request.Type != frameSubscribe || request.Channel == "" {
		return frame{}, errExpectedSubscribe
	}
	return request, nil
}

// readPump drains client frames so control messages are processed; the socket ends on
// the first read error.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, send <-chan frame) {
	for {
		select {
		case <-ctx.Done():
			h.writeClose(conn)
			return
		case f := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
			if f.Type == frameStatus && terminal(f.Status) {
				h.writeClose(conn)
				return
			}
		}
	}
}

func (h *Handler) writeFinal(conn *websocket.Conn, f frame) {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return
	}
	h.writeClose(conn)
}

func (h *Handler) writeClose(conn *websocket.Conn) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
}
