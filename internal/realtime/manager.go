package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const channelCloseTimeout = 5 * time.Second

// ManagerConfig wires a Manager to its push service and runtime dependencies.
type ManagerConfig struct {
	PushService PushService
	Logger      *zap.Logger
	// Retry bounds automatic resubscription; the zero value selects DefaultRetryPolicy.
	Retry     RetryPolicy
	Scheduler clock.Scheduler
	// Suffix returns the random part of generated subscription ids.
	Suffix func() string
}

// Manager owns every change-feed subscription of one application instance.
type Manager struct {
	push      PushService
	logger    *zap.Logger
	retry     RetryPolicy
	scheduler clock.Scheduler
	suffix    func() string

	registry *Registry
	tracker  *Tracker
	bus      *Bus

	mu     sync.Mutex
	live   map[string]*liveSubscription
	closed bool
	// issued holds every id handed out, so ids are never reused after Unsubscribe.
	issued map[string]struct{}
	// generation numbers channels across all subscriptions.
	generation int64
	// statusSeq orders connection status snapshots.
	statusSeq uint64
}

type liveSubscription struct {
	id           string
	config       SubscriptionConfig
	handlers     Handlers
	channel      Channel
	generation   int64
	attempt      int
	retryTimer   clock.Timer
	reconnecting bool
}

// DebugSnapshot is the development-only view of the manager.
type DebugSnapshot struct {
	Subscriptions []SubscriptionMetadata `json:"subscriptions"`
	Connection    ConnectionStatus       `json:"connection"`
	LastError     string                 `json:"last_error,omitempty"`
	GeneratedAt   time.Time              `json:"generated_at"`
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.PushService == nil {
		return nil, fmt.Errorf("realtime: push service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 && retry.MaxDelay == 0 && retry.Multiplier == 0 && retry.Jitter == 0 {
		random := retry.Random
		retry = DefaultRetryPolicy()
		retry.Random = random
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = clock.System{}
	}
	suffix := cfg.Suffix
	if suffix == nil {
		suffix = randomSuffix
	}
	return &Manager{
		push:      cfg.PushService,
		logger:    logger,
		retry:     retry,
		scheduler: scheduler,
		suffix:    suffix,
		registry:  NewRegistry(),
		tracker:   NewTracker(),
		bus:       NewBus(logger),
		live:      make(map[string]*liveSubscription),
		issued:    make(map[string]struct{}),
	}, nil
}

// Subscribe opens a channel for config and returns the subscription id before the push
// service acknowledges it. Status updates arrive through handlers.
func (m *Manager) Subscribe(config SubscriptionConfig, handlers Handlers) (string, error) {
	normalized, err := config.Normalize()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", newError(CodeManagerClosed, "", normalized.Table, nil)
	}
	subscriptionID := m.nextIDLocked(normalized)
	subscription := &liveSubscription{
		id:       subscriptionID,
		config:   normalized,
		handlers: handlers,
	}
	m.live[subscriptionID] = subscription
	m.registry.Add(SubscriptionMetadata{
		ID:        subscriptionID,
		Table:     normalized.Table,
		Status:    StatePending,
		Config:    normalized,
		CreatedAt: m.scheduler.Now(),
	})
	channel, generation := m.openLocked(subscription)
	m.mu.Unlock()

	m.logger.Info("realtime subscription initiated",
		zap.String("subscription_id", subscriptionID),
		zap.String("table", normalized.Table),
		zap.String("event", string(normalized.Event)),
		zap.String("filter", normalized.Filter))

	m.recompute(nil)
	channel.Subscribe(m.statusCallback(subscriptionID, generation))
	return subscriptionID, nil
}

// Unsubscribe closes the channel and forgets the subscription. Unknown ids are logged and
// ignored. Local state is removed even when closing the channel fails.
func (m *Manager) Unsubscribe(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	subscription, ok := m.live[subscriptionID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("realtime unsubscribe of unknown subscription",
			zap.String("subscription_id", subscriptionID))
		return nil
	}
	delete(m.live, subscriptionID)
	subscription.generation++
	if subscription.retryTimer != nil {
		subscription.retryTimer.Stop()
		subscription.retryTimer = nil
	}
	channel := subscription.channel
	table := subscription.config.Table
	onUnsubscribe := subscription.handlers.OnUnsubscribe
	m.mu.Unlock()

	m.registry.Remove(subscriptionID)
	m.bus.Drop(subscriptionID)

	var closeErr error
	if channel != nil {
		if err := channel.Close(ctx); err != nil {
			closeErr = newError(CodeUnsubscribeFailed, subscriptionID, table, err)
			m.logger.Error("realtime unsubscribe failed",
				zap.String("subscription_id", subscriptionID),
				zap.String("table", table),
				zap.Error(err))
		}
	}
	m.recompute(closeErr)
	if onUnsubscribe != nil {
		m.guard(subscriptionID, table, nil, func() { onUnsubscribe(subscriptionID) })
	}
	m.logger.Info("realtime subscription removed",
		zap.String("subscription_id", subscriptionID),
		zap.String("table", table))
	return closeErr
}

// UnsubscribeAll removes every subscription and joins the close errors.
func (m *Manager) UnsubscribeAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for subscriptionID := range m.live {
		ids = append(ids, subscriptionID)
	}
	m.mu.Unlock()

	var errs []error
	for _, subscriptionID := range ids {
		if err := m.Unsubscribe(ctx, subscriptionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close tears every subscription down and rejects further Subscribe calls.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.UnsubscribeAll(ctx)
}

// Subscriptions lists metadata of live subscriptions.
func (m *Manager) Subscriptions() []SubscriptionMetadata {
	return m.registry.List()
}

// Subscription returns metadata for one subscription.
func (m *Manager) Subscription(subscriptionID string) (SubscriptionMetadata, bool) {
	return m.registry.Get(subscriptionID)
}

// ConnectionStatus returns the last derived aggregate status.
func (m *Manager) ConnectionStatus() ConnectionStatus {
	return m.tracker.Status()
}

// SyncConnectionStatus recomputes the aggregate status from the registry.
func (m *Manager) SyncConnectionStatus() ConnectionStatus {
	return m.recompute(nil)
}

// OnConnectionChange registers an observer of aggregate status changes.
func (m *Manager) OnConnectionChange(observer func(ConnectionStatus)) func() {
	return m.tracker.OnChange(observer)
}

// Bus exposes the per-subscription event bus.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Debug returns a diagnostic snapshot.
func (m *Manager) Debug() DebugSnapshot {
	status := m.tracker.Status()
	snapshot := DebugSnapshot{
		Subscriptions: m.registry.List(),
		Connection:    status,
		GeneratedAt:   m.scheduler.Now(),
	}
	if status.LastError != nil {
		snapshot.LastError = status.LastError.Error()
	}
	return snapshot
}

func (m *Manager) nextIDLocked(config SubscriptionConfig) string {
	event := "all"
	if config.Event != EventAll {
		event = strings.ToLower(string(config.Event))
	}
	base := fmt.Sprintf("%s_%s_%s_%s",
		config.Table,
		event,
		strconv.FormatInt(m.scheduler.Now().UnixMilli(), 10),
		m.suffix())
	candidate := base
	for collision := 1; ; collision++ {
		if _, exists := m.issued[candidate]; !exists {
			m.issued[candidate] = struct{}{}
			return candidate
		}
		candidate = base + "_" + strconv.Itoa(collision)
	}
}

// openLocked starts a new channel generation; callbacks of older generations are ignored.
func (m *Manager) openLocked(subscription *liveSubscription) (Channel, int64) {
	m.generation++
	generation := m.generation
	subscription.generation = generation
	channel := m.push.Channel(ChannelName(subscription.config.Table, subscription.id))
	channel.On(subscription.config, m.eventHandler(subscription.id, generation))
	subscription.channel = channel
	return channel, generation
}

// ChannelName namespaces a transport channel by table and subscription id.
func ChannelName(table, subscriptionID string) string {
	return table + "_" + subscriptionID
}

func (m *Manager) statusCallback(subscriptionID string, generation int64) func(ChannelStatus, error) {
	return func(status ChannelStatus, err error) {
		m.handleStatus(subscriptionID, generation, status, err)
	}
}

func (m *Manager) handleStatus(subscriptionID string, generation int64, status ChannelStatus, cause error) {
	m.mu.Lock()
	subscription, ok := m.live[subscriptionID]
	if !ok || m.closed || subscription.generation != generation {
		m.mu.Unlock()
		m.logger.Debug("realtime status from stale channel ignored",
			zap.String("subscription_id", subscriptionID),
			zap.String("status", string(status)))
		return
	}
	table := subscription.config.Table
	handlers := subscription.handlers

	switch status {
	case StatusSubscribed:
		subscription.attempt = 0
		subscription.reconnecting = false
		m.registry.SetStatus(subscriptionID, StateSubscribed)
		m.registry.SetAttempt(subscriptionID, 0)
		m.mu.Unlock()

		m.logger.Info("realtime subscription active",
			zap.String("subscription_id", subscriptionID),
			zap.String("table", table))
		m.recompute(nil)
		if handlers.OnSubscribe != nil {
			metadata, _ := m.registry.Get(subscriptionID)
			m.guard(subscriptionID, table, handlers.OnError, func() { handlers.OnSubscribe(metadata) })
		}

	case StatusChannelError, StatusTimedOut:
		state, code, base, fallback := StateChannelError, CodeChannelError, ChannelErrorRetryDelay, errChannelFailed
		if status == StatusTimedOut {
			state, code, base, fallback = StateTimedOut, CodeTimedOut, TimeoutRetryDelay, errChannelTimeout
		}
		if cause == nil {
			cause = fallback
		}
		subscriptionErr := newError(code, subscriptionID, table, cause)
		m.registry.SetStatus(subscriptionID, state)

		var exhaustedErr error
		var delay time.Duration
		if subscription.retryTimer == nil {
			next := subscription.attempt + 1
			if m.retry.Exhausted(next) {
				subscription.reconnecting = false
				// Nothing will reopen the channel, so an exhausted timeout counts as failed.
				m.registry.SetStatus(subscriptionID, StateChannelError)
				exhaustedErr = newError(CodeRetriesExhausted, subscriptionID, table,
					fmt.Errorf("gave up after %d attempts: %w", subscription.attempt, subscriptionErr))
			} else {
				subscription.attempt = next
				subscription.reconnecting = true
				m.registry.SetAttempt(subscriptionID, next)
				delay = m.retry.Delay(base, next)
				subscription.retryTimer = m.scheduler.AfterFunc(delay, func() {
					m.resubscribe(subscriptionID, generation)
				})
			}
		}
		attempt := subscription.attempt
		m.mu.Unlock()

		m.logger.Warn("realtime subscription failed",
			zap.String("subscription_id", subscriptionID),
			zap.String("table", table),
			zap.String("status", string(status)),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(cause))
		m.recompute(subscriptionErr)
		m.reportError(subscriptionID, table, handlers.OnError, subscriptionErr)
		if exhaustedErr != nil {
			m.logger.Error("realtime subscription retries exhausted",
				zap.String("subscription_id", subscriptionID),
				zap.String("table", table),
				zap.Int("max_attempts", m.retry.MaxAttempts))
			m.recompute(exhaustedErr)
			m.reportError(subscriptionID, table, handlers.OnError, exhaustedErr)
		}

	case StatusClosed:
		if subscription.retryTimer != nil {
			subscription.retryTimer.Stop()
			subscription.retryTimer = nil
		}
		subscription.reconnecting = false
		m.registry.SetStatus(subscriptionID, StateClosed)
		m.mu.Unlock()

		m.logger.Info("realtime subscription closed by push service",
			zap.String("subscription_id", subscriptionID),
			zap.String("table", table))
		m.recompute(nil)
		if handlers.OnUnsubscribe != nil {
			m.guard(subscriptionID, table, handlers.OnError, func() { handlers.OnUnsubscribe(subscriptionID) })
		}

	default:
		m.mu.Unlock()
		m.logger.Warn("realtime unknown channel status",
			zap.String("subscription_id", subscriptionID),
			zap.String("status", string(status)))
	}
}

// resubscribe replaces the failed channel with a fresh one under the same subscription id.
func (m *Manager) resubscribe(subscriptionID string, generation int64) {
	m.mu.Lock()
	subscription, ok := m.live[subscriptionID]
	if !ok || m.closed || subscription.generation != generation {
		m.mu.Unlock()
		return
	}
	subscription.retryTimer = nil
	previous := subscription.channel
	channel, next := m.openLocked(subscription)
	attempt := subscription.attempt
	table := subscription.config.Table
	m.registry.SetStatus(subscriptionID, StatePending)
	m.mu.Unlock()

	if previous != nil {
		ctx, cancel := context.WithTimeout(context.Background(), channelCloseTimeout)
		if err := previous.Close(ctx); err != nil {
			m.logger.Warn("realtime failed to close channel before retry",
				zap.String("subscription_id", subscriptionID),
				zap.Error(err))
		}
		cancel()
	}
	m.logger.Info("realtime retrying subscription",
		zap.String("subscription_id", subscriptionID),
		zap.String("table", table),
		zap.Int("attempt", attempt))
	m.recompute(nil)
	channel.Subscribe(m.statusCallback(subscriptionID, next))
}

func (m *Manager) eventHandler(subscriptionID string, generation int64) func(ChangeEvent) {
	return func(event ChangeEvent) {
		m.handleEvent(subscriptionID, generation, event)
	}
}

func (m *Manager) handleEvent(subscriptionID string, generation int64, event ChangeEvent) {
	m.mu.Lock()
	subscription, ok := m.live[subscriptionID]
	if !ok || subscription.generation != generation {
		m.mu.Unlock()
		return
	}
	config := subscription.config
	handlers := subscription.handlers
	m.mu.Unlock()

	if !Matches(config, event) {
		m.logger.Debug("realtime event outside subscription scope",
			zap.String("subscription_id", subscriptionID),
			zap.String("table", event.Table),
			zap.String("kind", string(event.Kind)))
		return
	}
	m.registry.TouchEvent(subscriptionID, m.scheduler.Now())

	var handler func(ChangeEvent)
	switch event.Kind {
	case EventInsert:
		handler = handlers.OnInsert
	case EventUpdate:
		handler = handlers.OnUpdate
	case EventDelete:
		handler = handlers.OnDelete
	default:
		m.logger.Warn("realtime event with unknown kind",
			zap.String("subscription_id", subscriptionID),
			zap.String("kind", string(event.Kind)))
		return
	}
	m.logger.Debug("realtime event received",
		zap.String("subscription_id", subscriptionID),
		zap.String("table", event.Table),
		zap.String("kind", string(event.Kind)))
	if handler != nil {
		m.guard(subscriptionID, config.Table, handlers.OnError, func() { handler(event) })
	}
	m.bus.Publish(Topic{SubscriptionID: subscriptionID, Kind: event.Kind}, event)
}

// guard runs a user callback, converting a panic into a handler_panic error for onError.
func (m *Manager) guard(subscriptionID, table string, onError func(error), callback func()) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		panicErr := newError(CodeHandlerPanic, subscriptionID, table, fmt.Errorf("%v", recovered))
		m.logger.Error("realtime handler panicked",
			zap.String("subscription_id", subscriptionID),
			zap.String("table", table),
			zap.Any("panic", recovered))
		m.reportError(subscriptionID, table, onError, panicErr)
	}()
	callback()
}

func (m *Manager) reportError(subscriptionID, table string, onError func(error), err error) {
	if onError == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("realtime error handler panicked",
				zap.String("subscription_id", subscriptionID),
				zap.String("table", table),
				zap.Any("panic", recovered))
		}
	}()
	onError(err)
}

// recompute snapshots the registry and retry activity under one lock and tags the snapshot
// with a sequence number, so a slower caller cannot overwrite a newer status.
func (m *Manager) recompute(lastErr error) ConnectionStatus {
	m.mu.Lock()
	m.statusSeq++
	seq := m.statusSeq
	subscriptions := m.registry.List()
	info := ReconnectInfo{}
	for _, subscription := range m.live {
		if subscription.attempt > info.Attempt {
			info.Attempt = subscription.attempt
		}
		if subscription.reconnecting {
			info.IsReconnecting = true
		}
	}
	m.mu.Unlock()
	return m.tracker.RecomputeAt(seq, subscriptions, info, lastErr, m.scheduler.Now())
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
