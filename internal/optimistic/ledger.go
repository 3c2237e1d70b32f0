// Package optimistic records speculative mutations that have been shown to the user
// but not yet confirmed by the authoritative service.
package optimistic

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/clock"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPurgeDelay keeps confirmed records around long enough for pending badges to fade out.
const DefaultPurgeDelay = 2 * time.Second

// Kind enumerates the speculative mutation types.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Update is one speculative mutation. Data is held by value.
type Update[T entities.Identifiable] struct {
	ID        string
	Kind      Kind
	Data      T
	Timestamp time.Time
	Confirmed bool
}

// NewUpdate builds an unconfirmed update with a fresh identifier.
func NewUpdate[T entities.Identifiable](kind Kind, data T, now time.Time) Update[T] {
	return Update[T]{
		ID:        newUpdateID(),
		Kind:      kind,
		Data:      data,
		Timestamp: now,
	}
}

func newUpdateID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return "optimistic_" + uuid.NewString()
	}
	return "optimistic_" + value.String()
}

// Config configures a Ledger.
type Config struct {
	PurgeDelay time.Duration
	Scheduler  clock.Scheduler
	Logger     *zap.Logger
}

// Ledger tracks pending optimistic updates. It performs no I/O and cannot fail.
type Ledger[T entities.Identifiable] struct {
	mu           sync.Mutex
	updates      []Update[T]
	purgeTimers  map[string]clock.Timer
	purgeDelay   time.Duration
	scheduler    clock.Scheduler
	logger       *zap.Logger
	observers    map[int64]func([]Update[T])
	nextObserver int64
}

// NewLedger constructs an empty ledger.
func NewLedger[T entities.Identifiable](cfg Config) *Ledger[T] {
	purgeDelay := cfg.PurgeDelay
	if purgeDelay <= 0 {
		purgeDelay = DefaultPurgeDelay
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger[T]{
		purgeTimers: make(map[string]clock.Timer),
		purgeDelay:  purgeDelay,
		scheduler:   scheduler,
		logger:      logger,
		observers:   make(map[int64]func([]Update[T])),
	}
}

// Add appends update. Every mutation attempt carries its own id, so no dedup happens here.
func (l *Ledger[T]) Add(update Update[T]) {
	l.mu.Lock()
	l.updates = append(l.updates, update)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.logger.Debug("optimistic update added",
		zap.String("update_id", update.ID),
		zap.String("kind", string(update.Kind)),
		zap.String("entity_id", update.Data.EntityID()))
	l.notify(snapshot)
}

// Confirm marks the update confirmed and schedules its purge. Confirming an unknown or
// already confirmed update is a no-op; the return value reports whether anything changed.
func (l *Ledger[T]) Confirm(updateID string) bool {
	l.mu.Lock()
	index := l.indexLocked(updateID)
	if index < 0 || l.updates[index].Confirmed {
		l.mu.Unlock()
		return false
	}
	l.updates[index].Confirmed = true
	l.purgeTimers[updateID] = l.scheduler.AfterFunc(l.purgeDelay, func() {
		l.purge(updateID)
	})
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.logger.Debug("optimistic update confirmed", zap.String("update_id", updateID))
	l.notify(snapshot)
	return true
}

// Rollback removes the update immediately regardless of its confirmation state.
func (l *Ledger[T]) Rollback(updateID string) bool {
	l.mu.Lock()
	index := l.indexLocked(updateID)
	if index < 0 {
		l.mu.Unlock()
		return false
	}
	l.removeLocked(index)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.logger.Debug("optimistic update rolled back", zap.String("update_id", updateID))
	l.notify(snapshot)
	return true
}

// Clear drops every record and cancels outstanding purges.
func (l *Ledger[T]) Clear() {
	l.mu.Lock()
	for updateID, timer := range l.purgeTimers {
		timer.Stop()
		delete(l.purgeTimers, updateID)
	}
	l.updates = nil
	l.mu.Unlock()

	l.notify(nil)
}

// HasPendingUpdate reports whether an unconfirmed update targets entityID.
func (l *Ledger[T]) HasPendingUpdate(entityID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, update := range l.updates {
		if !update.Confirmed && update.Data.EntityID() == entityID {
			return true
		}
	}
	return false
}

// Get returns the update with the given id.
func (l *Ledger[T]) Get(updateID string) (Update[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	index := l.indexLocked(updateID)
	if index < 0 {
		return Update[T]{}, false
	}
	return l.updates[index], true
}

// Pending returns the unconfirmed updates in insertion order.
func (l *Ledger[T]) Pending() []Update[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := make([]Update[T], 0, len(l.updates))
	for _, update := range l.updates {
		if !update.Confirmed {
			pending = append(pending, update)
		}
	}
	return pending
}

// Updates returns every record, confirmed or not.
func (l *Ledger[T]) Updates() []Update[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// OnChange registers an observer invoked with the full record list after every change.
func (l *Ledger[T]) OnChange(observer func([]Update[T])) func() {
	l.mu.Lock()
	l.nextObserver++
	observerID := l.nextObserver
	l.observers[observerID] = observer
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.observers, observerID)
		l.mu.Unlock()
	}
}

func (l *Ledger[T]) purge(updateID string) {
	l.mu.Lock()
	delete(l.purgeTimers, updateID)
	index := l.indexLocked(updateID)
	if index < 0 || !l.updates[index].Confirmed {
		l.mu.Unlock()
		return
	}
	l.updates = append(l.updates[:index:index], l.updates[index+1:]...)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.logger.Debug("optimistic update purged", zap.String("update_id", updateID))
	l.notify(snapshot)
}

func (l *Ledger[T]) removeLocked(index int) {
	updateID := l.updates[index].ID
	if timer, ok := l.purgeTimers[updateID]; ok {
		timer.Stop()
		delete(l.purgeTimers, updateID)
	}
	l.updates = append(l.updates[:index:index], l.updates[index+1:]...)
}

func (l *Ledger[T]) indexLocked(updateID string) int {
	for index, update := range l.updates {
		if update.ID == updateID {
			return index
		}
	}
	return -1
}

func (l *Ledger[T]) snapshotLocked() []Update[T] {
	if len(l.updates) == 0 {
		return nil
	}
	return append([]Update[T](nil), l.updates...)
}

func (l *Ledger[T]) notify(snapshot []Update[T]) {
	l.mu.Lock()
	observers := make([]func([]Update[T]), 0, len(l.observers))
	for _, observer := range l.observers {
		observers = append(observers, observer)
	}
	l.mu.Unlock()
	for _, observer := range observers {
		observer(snapshot)
	}
}

// Merge overlays the unconfirmed updates onto canonical. Creates are placed at the head
// newest first, updates replace in place and deletes remove; confirmed records are skipped
// because canonical data already supersedes them. The result does not depend on the order
// of updates when their target ids are disjoint.
func Merge[T entities.Identifiable](canonical []T, updates []Update[T]) []T {
	merged := append([]T(nil), canonical...)

	creates := make([]Update[T], 0)
	for _, update := range updates {
		if update.Confirmed {
			continue
		}
		switch update.Kind {
		case KindCreate:
			creates = append(creates, update)
		case KindUpdate:
			for index := range merged {
				if merged[index].EntityID() == update.Data.EntityID() {
					merged[index] = update.Data
				}
			}
		case KindDelete:
			merged = removeByID(merged, update.Data.EntityID())
		}
	}

	sort.SliceStable(creates, func(i, j int) bool {
		if creates[i].Timestamp.Equal(creates[j].Timestamp) {
			return creates[i].ID > creates[j].ID
		}
		return creates[i].Timestamp.After(creates[j].Timestamp)
	})
	head := make([]T, 0, len(creates))
	for _, create := range creates {
		if containsID(merged, create.Data.EntityID()) || containsID(head, create.Data.EntityID()) {
			continue
		}
		head = append(head, create.Data)
	}
	return append(head, merged...)
}

func containsID[T entities.Identifiable](items []T, id string) bool {
	for _, item := range items {
		if item.EntityID() == id {
			return true
		}
	}
	return false
}

func removeByID[T entities.Identifiable](items []T, id string) []T {
	kept := items[:0]
	for _, item := range items {
		if item.EntityID() != id {
			kept = append(kept, item)
		}
	}
	return kept
}
