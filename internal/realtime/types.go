// Package realtime manages change-feed subscriptions on an external push service,
// tracks their lifecycle, derives an aggregate connection status and fans received
// change events out to interested observers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultSchema is used when a subscription config leaves the schema empty.
const DefaultSchema = "public"

// EventKind classifies a row change.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
	// EventAll subscribes to every kind. It never appears on a ChangeEvent.
	EventAll EventKind = "*"
)

// ParseEventKind normalizes a raw event kind.
func ParseEventKind(value string) (EventKind, error) {
	switch EventKind(strings.ToUpper(strings.TrimSpace(value))) {
	case EventInsert:
		return EventInsert, nil
	case EventUpdate:
		return EventUpdate, nil
	case EventDelete:
		return EventDelete, nil
	case EventAll, "":
		return EventAll, nil
	default:
		return "", fmt.Errorf("realtime: unknown event kind %q", value)
	}
}

// SubscriptionState is the lifecycle state of one subscription.
type SubscriptionState string

const (
	// StatePending is recorded before the push service acknowledges the channel.
	StatePending      SubscriptionState = "pending"
	StateSubscribed   SubscriptionState = "subscribed"
	StateTimedOut     SubscriptionState = "timed_out"
	StateClosed       SubscriptionState = "closed"
	StateChannelError SubscriptionState = "channel_error"
)

// ChannelStatus is the status reported by a transport channel.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

// SubscriptionConfig scopes a subscription to one table, optionally filtered.
type SubscriptionConfig struct {
	Table  string    `json:"table"`
	Event  EventKind `json:"event"`
	Schema string    `json:"schema"`
	Filter string    `json:"filter,omitempty"`
}

// Normalize fills defaults and validates the config.
func (c SubscriptionConfig) Normalize() (SubscriptionConfig, error) {
	normalized := c
	normalized.Table = strings.TrimSpace(c.Table)
	if normalized.Table == "" {
		return SubscriptionConfig{}, newError(CodeInvalidConfig, "", "", fmt.Errorf("table is required"))
	}
	kind, err := ParseEventKind(string(c.Event))
	if err != nil {
		return SubscriptionConfig{}, newError(CodeInvalidConfig, "", normalized.Table, err)
	}
	normalized.Event = kind
	normalized.Schema = strings.TrimSpace(c.Schema)
	if normalized.Schema == "" {
		normalized.Schema = DefaultSchema
	}
	normalized.Filter = strings.TrimSpace(c.Filter)
	if normalized.Filter != "" {
		if _, err := ParseFilter(normalized.Filter); err != nil {
			return SubscriptionConfig{}, newError(CodeInvalidConfig, "", normalized.Table, err)
		}
	}
	return normalized, nil
}

// SubscriptionMetadata describes one live subscription. Values are copies.
type SubscriptionMetadata struct {
	ID        string             `json:"id"`
	Table     string             `json:"table"`
	Status    SubscriptionState  `json:"status"`
	Config    SubscriptionConfig `json:"config"`
	CreatedAt time.Time          `json:"created_at"`
	LastEvent *time.Time         `json:"last_event,omitempty"`
	Attempt   int                `json:"attempt"`
}

// ChangeEvent is one row change delivered by the push service.
type ChangeEvent struct {
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Kind            EventKind       `json:"eventType"`
	New             json.RawMessage `json:"new,omitempty"`
	Old             json.RawMessage `json:"old,omitempty"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
	Owner           string          `json:"owner,omitempty"`
}

// Row returns the snapshot that identifies the changed row: Old for deletes, New otherwise.
func (e ChangeEvent) Row() json.RawMessage {
	if e.Kind == EventDelete && len(e.Old) > 0 {
		return e.Old
	}
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}

// Matches reports whether event is in scope for config.
func Matches(config SubscriptionConfig, event ChangeEvent) bool {
	if config.Table != event.Table {
		return false
	}
	schema := config.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	eventSchema := event.Schema
	if eventSchema == "" {
		eventSchema = DefaultSchema
	}
	if schema != eventSchema {
		return false
	}
	if config.Event != "" && config.Event != EventAll && config.Event != event.Kind {
		return false
	}
	if config.Filter == "" {
		return true
	}
	filter, err := ParseFilter(config.Filter)
	if err != nil {
		return false
	}
	return filter.MatchesJSON(event.Row())
}

// PushService is the external change-feed service.
type PushService interface {
	Channel(name string) Channel
}

// Channel is one transport-level subscription on the push service.
// Subscribe starts the channel; status updates arrive asynchronously on callback.
type Channel interface {
	On(config SubscriptionConfig, handler func(ChangeEvent))
	Subscribe(callback func(status ChannelStatus, err error))
	Close(ctx context.Context) error
}

// Publisher pushes committed changes into a push service.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// Handlers receive lifecycle and change notifications for one subscription.
// Any field may be nil.
type Handlers struct {
	OnInsert      func(ChangeEvent)
	OnUpdate      func(ChangeEvent)
	OnDelete      func(ChangeEvent)
	OnError       func(error)
	OnSubscribe   func(SubscriptionMetadata)
	OnUnsubscribe func(subscriptionID string)
}
