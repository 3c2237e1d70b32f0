package store

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"go.uber.org/zap"
)

// Binding connects a Store to one realtime subscription.
type Binding struct {
	subscriptionID string
	manager        *realtime.Manager
	cancels        []func()
	once           sync.Once
}

// SubscriptionID returns the subscription feeding the store.
func (b *Binding) SubscriptionID() string {
	return b.subscriptionID
}

// Close detaches the store and unsubscribes. It is safe to call more than once.
func (b *Binding) Close(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		for _, cancel := range b.cancels {
			cancel()
		}
		err = b.manager.Unsubscribe(ctx, b.subscriptionID)
	})
	return err
}

// Bind subscribes to config through manager and applies every insert, update and delete
// delivered on that subscription to the store.
func (s *Store[T, C, U]) Bind(manager *realtime.Manager, config realtime.SubscriptionConfig) (*Binding, error) {
	operation := s.name + ".bind"
	subscriptionID, err := manager.Subscribe(config, realtime.Handlers{
		OnError: func(err error) {
			s.logger.Warn("realtime subscription error",
				zap.String("operation", operation),
				zap.Error(err))
		},
		OnSubscribe: func(metadata realtime.SubscriptionMetadata) {
			s.logger.Info("realtime subscription active",
				zap.String("operation", operation),
				zap.String("subscription_id", metadata.ID))
		},
	})
	if err != nil {
		s.logError(operation, "subscribe_failed", err, zap.String("table", config.Table))
		return nil, newError(operation, "subscribe_failed", err)
	}

	apply := func(event realtime.ChangeEvent) {
		_ = s.HandleChange(event)
	}
	binding := &Binding{subscriptionID: subscriptionID, manager: manager}
	for _, kind := range []realtime.EventKind{realtime.EventInsert, realtime.EventUpdate, realtime.EventDelete} {
		binding.cancels = append(binding.cancels,
			manager.Bus().Listen(realtime.Topic{SubscriptionID: subscriptionID, Kind: kind}, apply))
	}
	return binding, nil
}
