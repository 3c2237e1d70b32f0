package realtime

import (
	"sync"
	"time"
)

// ConnectionState is the aggregate state over all subscriptions.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// ConnectionStatus is derived from the registry; it is never mutated independently.
type ConnectionStatus struct {
	State            ConnectionState `json:"state"`
	LastConnected    *time.Time      `json:"last_connected,omitempty"`
	LastError        error           `json:"-"`
	ReconnectAttempt int             `json:"reconnect_attempt"`
	IsReconnecting   bool            `json:"is_reconnecting"`
}

// IsConnected reports whether at least one subscription is live.
func (s ConnectionStatus) IsConnected() bool { return s.State == ConnectionConnected }

// IsConnecting reports whether subscriptions exist but none is live or failed.
func (s ConnectionStatus) IsConnecting() bool { return s.State == ConnectionConnecting }

// IsDisconnected reports whether there are no subscriptions.
func (s ConnectionStatus) IsDisconnected() bool { return s.State == ConnectionDisconnected }

// HasError reports whether subscriptions failed and none is live.
func (s ConnectionStatus) HasError() bool { return s.State == ConnectionError }

// DeriveConnectionState aggregates subscription states.
func DeriveConnectionState(subscriptions []SubscriptionMetadata) ConnectionState {
	if len(subscriptions) == 0 {
		return ConnectionDisconnected
	}
	errored := false
	for _, subscription := range subscriptions {
		switch subscription.Status {
		case StateSubscribed:
			return ConnectionConnected
		case StateChannelError:
			errored = true
		}
	}
	if errored {
		return ConnectionError
	}
	return ConnectionConnecting
}

// ReconnectInfo summarizes retry activity across subscriptions.
type ReconnectInfo struct {
	Attempt        int
	IsReconnecting bool
}

// Tracker keeps the last derived ConnectionStatus and notifies observers on change.
type Tracker struct {
	mu           sync.Mutex
	status       ConnectionStatus
	appliedSeq   uint64
	errorSeq     uint64
	observers    map[int64]func(ConnectionStatus)
	nextObserver int64
}

// NewTracker starts in the disconnected state.
func NewTracker() *Tracker {
	return &Tracker{
		status:    ConnectionStatus{State: ConnectionDisconnected},
		observers: make(map[int64]func(ConnectionStatus)),
	}
}

// Status returns the last derived status.
func (t *Tracker) Status() ConnectionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Recompute derives a new status. lastErr, when non-nil, replaces the recorded last error.
func (t *Tracker) Recompute(subscriptions []SubscriptionMetadata, reconnect ReconnectInfo, lastErr error, now time.Time) ConnectionStatus {
	t.mu.Lock()
	next, observers := t.applyLocked(t.appliedSeq+1, subscriptions, reconnect, lastErr, now)
	t.mu.Unlock()
	return t.notify(next, observers)
}

// RecomputeAt is Recompute for a snapshot taken at seq. A snapshot older than one already
// applied leaves the state alone; its error is still recorded if no newer error was.
func (t *Tracker) RecomputeAt(seq uint64, subscriptions []SubscriptionMetadata, reconnect ReconnectInfo, lastErr error, now time.Time) ConnectionStatus {
	t.mu.Lock()
	if seq <= t.appliedSeq {
		if lastErr != nil && seq > t.errorSeq {
			t.status.LastError = lastErr
			t.errorSeq = seq
		}
		current := t.status
		t.mu.Unlock()
		return current
	}
	next, observers := t.applyLocked(seq, subscriptions, reconnect, lastErr, now)
	t.mu.Unlock()
	return t.notify(next, observers)
}

func (t *Tracker) applyLocked(seq uint64, subscriptions []SubscriptionMetadata, reconnect ReconnectInfo, lastErr error, now time.Time) (ConnectionStatus, []func(ConnectionStatus)) {
	t.appliedSeq = seq
	previous := t.status
	next := ConnectionStatus{
		State:            DeriveConnectionState(subscriptions),
		LastConnected:    previous.LastConnected,
		LastError:        previous.LastError,
		ReconnectAttempt: reconnect.Attempt,
		IsReconnecting:   reconnect.IsReconnecting,
	}
	if next.State == ConnectionConnected && previous.State != ConnectionConnected {
		stamp := now
		next.LastConnected = &stamp
	}
	if lastErr != nil {
		next.LastError = lastErr
		t.errorSeq = seq
	}
	t.status = next
	changed := previous.State != next.State ||
		previous.ReconnectAttempt != next.ReconnectAttempt ||
		previous.IsReconnecting != next.IsReconnecting
	if !changed {
		return next, nil
	}
	observers := make([]func(ConnectionStatus), 0, len(t.observers))
	for _, observer := range t.observers {
		observers = append(observers, observer)
	}
	return next, observers
}

func (t *Tracker) notify(next ConnectionStatus, observers []func(ConnectionStatus)) ConnectionStatus {
	for _, observer := range observers {
		observer(next)
	}
	return next
}

// OnChange registers an observer called whenever state or reconnect activity changes.
func (t *Tracker) OnChange(observer func(ConnectionStatus)) func() {
	t.mu.Lock()
	t.nextObserver++
	observerID := t.nextObserver
	t.observers[observerID] = observer
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, observerID)
		t.mu.Unlock()
	}
}
