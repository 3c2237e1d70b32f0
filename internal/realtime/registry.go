package realtime

import (
	"sort"
	"sync"
	"time"
)

// Registry holds one metadata record per live subscription id.
type Registry struct {
	mu      sync.RWMutex
	records map[string]SubscriptionMetadata
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]SubscriptionMetadata)}
}

// Add records metadata. It reports false when the id is already present.
func (r *Registry) Add(metadata SubscriptionMetadata) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[metadata.ID]; exists {
		return false
	}
	r.records[metadata.ID] = metadata
	return true
}

// SetStatus updates the status of a subscription.
func (r *Registry) SetStatus(subscriptionID string, status SubscriptionState) bool {
	return r.mutate(subscriptionID, func(metadata *SubscriptionMetadata) {
		metadata.Status = status
	})
}

// SetAttempt records the current retry attempt of a subscription.
func (r *Registry) SetAttempt(subscriptionID string, attempt int) bool {
	return r.mutate(subscriptionID, func(metadata *SubscriptionMetadata) {
		metadata.Attempt = attempt
	})
}

// TouchEvent stamps the time of the last received event.
func (r *Registry) TouchEvent(subscriptionID string, at time.Time) bool {
	return r.mutate(subscriptionID, func(metadata *SubscriptionMetadata) {
		stamp := at
		metadata.LastEvent = &stamp
	})
}

// Remove deletes the record and reports whether it existed.
func (r *Registry) Remove(subscriptionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[subscriptionID]; !exists {
		return false
	}
	delete(r.records, subscriptionID)
	return true
}

// Get returns a copy of the record.
func (r *Registry) Get(subscriptionID string) (SubscriptionMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metadata, ok := r.records[subscriptionID]
	return copyMetadata(metadata), ok
}

// List returns copies of all records ordered by creation time, then id.
func (r *Registry) List() []SubscriptionMetadata {
	r.mu.RLock()
	list := make([]SubscriptionMetadata, 0, len(r.records))
	for _, metadata := range r.records {
		list = append(list, copyMetadata(metadata))
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Clear removes every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.records = make(map[string]SubscriptionMetadata)
	r.mu.Unlock()
}

func (r *Registry) mutate(subscriptionID string, apply func(*SubscriptionMetadata)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	metadata, exists := r.records[subscriptionID]
	if !exists {
		return false
	}
	apply(&metadata)
	r.records[subscriptionID] = metadata
	return true
}

func copyMetadata(metadata SubscriptionMetadata) SubscriptionMetadata {
	if metadata.LastEvent != nil {
		stamp := *metadata.LastEvent
		metadata.LastEvent = &stamp
	}
	return metadata
}
