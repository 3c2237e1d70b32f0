// Package store holds the reconciled, de-duplicated collections shown to users. It merges
// authoritative loads, realtime change events and optimistic mutations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/clock"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a successful load is trusted.
const DefaultCacheTTL = 5 * time.Minute

const localIDPrefix = "local_"

// Source is the authoritative list/create service for one entity type.
type Source[T entities.Identifiable, C any] interface {
	List(ctx context.Context, principal entities.PrincipalID) ([]T, error)
	Create(ctx context.Context, principal entities.PrincipalID, input C) (T, error)
}

// Mutator is the optional update/delete service for one entity type.
type Mutator[T entities.Identifiable, U any] interface {
	Update(ctx context.Context, principal entities.PrincipalID, id string, patch U) (T, error)
	Delete(ctx context.Context, principal entities.PrincipalID, id string) error
}

// PrincipalProvider exposes the signed-in principal once the session has initialized.
type PrincipalProvider interface {
	WaitInitialized(ctx context.Context) error
	Principal() (entities.PrincipalID, bool)
}

// Config wires a Store.
type Config[T entities.Identifiable, C any, U any] struct {
	// Name prefixes error codes and log fields, e.g. "projects".
	Name      string
	Source    Source[T, C]
	Mutator   Mutator[T, U]
	Principal PrincipalProvider
	Ledger    *optimistic.Ledger[T]
	// Fabricate builds the optimistic entity; it must carry tempID as its id.
	Fabricate func(input C, tempID string, principal entities.PrincipalID, now time.Time) T
	// Patch applies an update locally before the server answers.
	Patch     func(current T, patch U, now time.Time) T
	CacheTTL  time.Duration
	Scheduler clock.Scheduler
	Logger    *zap.Logger
	// TempIDs overrides temporary id generation.
	TempIDs func() string
}

// Outcome reports the result of an optimistic mutation. Mutations never panic or return
// bare errors to callers.
type Outcome[T entities.Identifiable] struct {
	Success bool
	Entity  T
	// Error is the message suitable for a notification; empty on success.
	Error string
	Err   error
}

// State is the observable snapshot of a Store.
type State[T entities.Identifiable] struct {
	Items    []T
	Pending  []optimistic.Update[T]
	Loading  bool
	Creating bool
	Loaded   bool
	LastLoad *time.Time
}

// Store owns the canonical collection of one entity type. Only its own methods mutate it.
type Store[T entities.Identifiable, C any, U any] struct {
	name      string
	source    Source[T, C]
	mutator   Mutator[T, U]
	principal PrincipalProvider
	ledger    *optimistic.Ledger[T]
	fabricate func(C, string, entities.PrincipalID, time.Time) T
	patch     func(T, U, time.Time) T
	cacheTTL  time.Duration
	scheduler clock.Scheduler
	logger    *zap.Logger
	tempIDs   func() string
	flight    singleflight.Group

	mu           sync.Mutex
	items        []entry[T]
	loading      bool
	creating     int
	loadedOnce   bool
	lastLoad     *time.Time
	observers    map[int64]func(State[T])
	nextObserver int64
}

// New constructs a Store.
func New[T entities.Identifiable, C any, U any](cfg Config[T, C, U]) (*Store[T, C, U], error) {
	name := cfg.Name
	if name == "" {
		name = "store"
	}
	if cfg.Source == nil {
		return nil, newError(name+".new", "missing_source", nil)
	}
	if cfg.Principal == nil {
		return nil, newError(name+".new", "missing_principal_provider", nil)
	}
	if cfg.Fabricate == nil {
		return nil, newError(name+".new", "missing_fabricate", nil)
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = clock.System{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = optimistic.NewLedger[T](optimistic.Config{Scheduler: scheduler, Logger: logger})
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	tempIDs := cfg.TempIDs
	if tempIDs == nil {
		tempIDs = func() string { return localIDPrefix + uuid.NewString() }
	}
	s := &Store[T, C, U]{
		name:      name,
		source:    cfg.Source,
		mutator:   cfg.Mutator,
		principal: cfg.Principal,
		ledger:    ledger,
		fabricate: cfg.Fabricate,
		patch:     cfg.Patch,
		cacheTTL:  cacheTTL,
		scheduler: scheduler,
		logger:    logger.With(zap.String("store", name)),
		tempIDs:   tempIDs,
		observers: make(map[int64]func(State[T])),
	}
	ledger.OnChange(func([]optimistic.Update[T]) { s.notify() })
	return s, nil
}

// Ledger exposes the optimistic ledger backing the store.
func (s *Store[T, C, U]) Ledger() *optimistic.Ledger[T] {
	return s.ledger
}

// Items returns a copy of the canonical collection.
func (s *Store[T, C, U]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return values(s.items)
}

// Find returns the entity with id and its ref.
func (s *Store[T, C, U]) Find(id string) (T, Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := indexOfID(s.items, id)
	if index < 0 {
		var zero T
		return zero, Ref{}, false
	}
	return s.items[index].value, s.items[index].ref, true
}

// State returns the current snapshot.
func (s *Store[T, C, U]) State() State[T] {
	s.mu.Lock()
	state := s.stateLocked()
	s.mu.Unlock()
	state.Pending = s.ledger.Pending()
	return state
}

// OnChange registers an observer called with a fresh State after every change.
func (s *Store[T, C, U]) OnChange(observer func(State[T])) func() {
	s.mu.Lock()
	s.nextObserver++
	observerID := s.nextObserver
	s.observers[observerID] = observer
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, observerID)
		s.mu.Unlock()
	}
}

// Invalidate makes the next Load refetch regardless of the TTL.
func (s *Store[T, C, U]) Invalidate() {
	s.mu.Lock()
	s.lastLoad = nil
	s.mu.Unlock()
}

// Load refreshes the collection from the Source unless a load younger than the TTL exists
// and force is false. Concurrent callers share one in-flight fetch and its result. The
// first successful load is trusted as-is; later loads overlay still pending optimistic
// updates. A failed load leaves the collection untouched.
func (s *Store[T, C, U]) Load(ctx context.Context, force bool) error {
	operation := s.name + ".load"
	if err := s.principal.WaitInitialized(ctx); err != nil {
		return newError(operation, "session_not_initialized", err)
	}
	if !force && s.fresh() {
		return nil
	}

	resultCh := s.flight.DoChan(operation, func() (any, error) {
		return nil, s.fetch(context.WithoutCancel(ctx), operation)
	})
	select {
	case result := <-resultCh:
		return result.Err
	case <-ctx.Done():
		return newError(operation, "canceled", ctx.Err())
	}
}

func (s *Store[T, C, U]) fresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLoad != nil && s.scheduler.Now().Sub(*s.lastLoad) < s.cacheTTL
}

func (s *Store[T, C, U]) fetch(ctx context.Context, operation string) error {
	principal, ok := s.principal.Principal()
	if !ok {
		return newError(operation, "unauthenticated", ErrUnauthenticated)
	}

	s.setLoading(true)
	defer s.setLoading(false)

	items, err := s.listSafely(ctx, principal)
	if err != nil {
		s.logError(operation, "source_failed", err, zap.String("principal", principal.String()))
		return newError(operation, "source_failed", err)
	}

	pending := s.ledger.Pending()
	s.mu.Lock()
	canonical := items
	if s.loadedOnce {
		canonical = optimistic.Merge(items, pending)
	}
	localIDs := make(map[string]struct{})
	for _, update := range pending {
		if update.Kind == optimistic.KindCreate {
			localIDs[update.Data.EntityID()] = struct{}{}
		}
	}
	next := make([]entry[T], 0, len(canonical))
	for _, item := range canonical {
		id := item.EntityID()
		if indexOfID(next, id) >= 0 {
			continue
		}
		ref := RemoteRef(id)
		if _, local := localIDs[id]; local {
			ref = LocalRef(id)
		}
		next = append(next, entry[T]{ref: ref, value: item})
	}
	s.items = next
	loadedAt := s.scheduler.Now()
	s.lastLoad = &loadedAt
	merged := s.loadedOnce
	s.loadedOnce = true
	s.mu.Unlock()

	s.logger.Debug("collection loaded",
		zap.String("operation", operation),
		zap.Int("count", len(next)),
		zap.Bool("merged_pending", merged))
	s.notify()
	return nil
}

// Create inserts a fabricated entity at the head of the collection, then asks the Source
// to create the real one. On success the fabricated entity is replaced in place; on
// failure it is removed and the ledger entry rolled back.
func (s *Store[T, C, U]) Create(ctx context.Context, input C) Outcome[T] {
	operation := s.name + ".create"
	principal, err := s.requirePrincipal(ctx, operation)
	if err != nil {
		return failed[T](err, err)
	}

	now := s.scheduler.Now()
	tempID := s.tempIDs()
	local := s.fabricate(input, tempID, principal, now)
	if local.EntityID() != tempID {
		failure := newError(operation, "fabricate_mismatch", errFabricateMismatch)
		s.logError(operation, "fabricate_mismatch", errFabricateMismatch, zap.String("temp_id", tempID))
		return failed[T](failure, failure)
	}
	ref := LocalRef(tempID)
	update := optimistic.NewUpdate(optimistic.KindCreate, local, now)

	s.mu.Lock()
	s.items = insertAt(s.items, 0, entry[T]{ref: ref, value: local})
	s.creating++
	s.mu.Unlock()
	s.ledger.Add(update)

	defer func() {
		s.mu.Lock()
		s.creating--
		s.mu.Unlock()
		s.notify()
	}()

	created, err := s.createSafely(ctx, principal, input)
	if err == nil && created.EntityID() == "" {
		err = errEmptyResult
	}
	if err != nil {
		s.ledger.Rollback(update.ID)
		s.removeRef(ref)
		s.logError(operation, "source_failed", err,
			zap.String("principal", principal.String()),
			zap.String("temp_id", tempID))
		return failed[T](newError(operation, "source_failed", err), err)
	}

	s.ledger.Confirm(update.ID)
	s.replaceLocal(ref, created)
	s.Invalidate()
	s.logger.Info("entity created",
		zap.String("operation", operation),
		zap.String("temp_id", tempID),
		zap.String("entity_id", created.EntityID()))
	return Outcome[T]{Success: true, Entity: created}
}

// Update applies patch locally, then asks the Mutator to persist it. On failure the prior
// value is restored unless the entity disappeared meanwhile.
func (s *Store[T, C, U]) Update(ctx context.Context, id string, patch U) Outcome[T] {
	operation := s.name + ".update"
	if s.mutator == nil || s.patch == nil {
		failure := newError(operation, "unsupported", ErrUnsupported)
		return failed[T](failure, failure)
	}
	principal, err := s.requirePrincipal(ctx, operation)
	if err != nil {
		return failed[T](err, err)
	}

	now := s.scheduler.Now()
	s.mu.Lock()
	index := indexOfID(s.items, id)
	if index < 0 || s.items[index].ref.IsLocal() {
		s.mu.Unlock()
		failure := newError(operation, "not_found", fmt.Errorf("%w: %s", ErrNotFound, id))
		return failed[T](failure, failure)
	}
	previous := s.items[index].value
	patched := s.patch(previous, patch, now)
	s.items[index].value = patched
	s.mu.Unlock()

	update := optimistic.NewUpdate(optimistic.KindUpdate, patched, now)
	s.ledger.Add(update)
	defer s.notify()

	saved, err := s.updateSafely(ctx, principal, id, patch)
	if err == nil && saved.EntityID() == "" {
		err = errEmptyResult
	}
	if err != nil {
		s.ledger.Rollback(update.ID)
		s.mu.Lock()
		if current := indexOfID(s.items, id); current >= 0 {
			s.items[current].value = previous
		}
		s.mu.Unlock()
		s.logError(operation, "mutator_failed", err, zap.String("entity_id", id))
		return failed[T](newError(operation, "mutator_failed", err), err)
	}

	s.ledger.Confirm(update.ID)
	s.mu.Lock()
	if current := indexOfID(s.items, id); current >= 0 {
		s.items[current].value = saved
	}
	s.mu.Unlock()
	s.Invalidate()
	return Outcome[T]{Success: true, Entity: saved}
}

// Delete removes the entity locally, then asks the Mutator to delete it. On failure the
// entity is put back at its former position unless it reappeared meanwhile.
func (s *Store[T, C, U]) Delete(ctx context.Context, id string) Outcome[T] {
	operation := s.name + ".delete"
	if s.mutator == nil {
		failure := newError(operation, "unsupported", ErrUnsupported)
		return failed[T](failure, failure)
	}
	principal, err := s.requirePrincipal(ctx, operation)
	if err != nil {
		return failed[T](err, err)
	}

	s.mu.Lock()
	index := indexOfID(s.items, id)
	if index < 0 || s.items[index].ref.IsLocal() {
		s.mu.Unlock()
		failure := newError(operation, "not_found", fmt.Errorf("%w: %s", ErrNotFound, id))
		return failed[T](failure, failure)
	}
	removed := s.items[index]
	s.items = removeAt(s.items, index)
	s.mu.Unlock()

	update := optimistic.NewUpdate(optimistic.KindDelete, removed.value, s.scheduler.Now())
	s.ledger.Add(update)
	defer s.notify()

	if err := s.deleteSafely(ctx, principal, id); err != nil {
		s.ledger.Rollback(update.ID)
		s.mu.Lock()
		if indexOfID(s.items, id) < 0 {
			s.items = insertAt(s.items, index, removed)
		}
		s.mu.Unlock()
		s.logError(operation, "mutator_failed", err, zap.String("entity_id", id))
		return failed[T](newError(operation, "mutator_failed", err), err)
	}

	s.ledger.Confirm(update.ID)
	s.Invalidate()
	return Outcome[T]{Success: true, Entity: removed.value}
}

// HandleChange applies a realtime change event to the collection.
func (s *Store[T, C, U]) HandleChange(event realtime.ChangeEvent) error {
	operation := s.name + ".handle_change"
	var newRow, oldRow T
	if len(event.New) > 0 {
		if err := json.Unmarshal(event.New, &newRow); err != nil {
			s.logError(operation, "decode_failed", err, zap.String("kind", string(event.Kind)))
			return newError(operation, "decode_failed", err)
		}
	}
	if len(event.Old) > 0 {
		if err := json.Unmarshal(event.Old, &oldRow); err != nil {
			s.logError(operation, "decode_failed", err, zap.String("kind", string(event.Kind)))
			return newError(operation, "decode_failed", err)
		}
	}

	s.mu.Lock()
	next, changed := applyToEntries(s.items, event.Kind, newRow, oldRow)
	if changed {
		s.items = next
	}
	s.mu.Unlock()

	s.logger.Debug("realtime change applied",
		zap.String("operation", operation),
		zap.String("kind", string(event.Kind)),
		zap.Bool("changed", changed))
	if changed {
		s.notify()
	}
	return nil
}

func (s *Store[T, C, U]) requirePrincipal(ctx context.Context, operation string) (entities.PrincipalID, error) {
	if err := s.principal.WaitInitialized(ctx); err != nil {
		return "", newError(operation, "session_not_initialized", err)
	}
	principal, ok := s.principal.Principal()
	if !ok {
		return "", newError(operation, "unauthenticated", ErrUnauthenticated)
	}
	return principal, nil
}

// replaceLocal swaps the fabricated entity for the server's. When realtime already
// delivered the server entity, the fabricated one is dropped instead.
func (s *Store[T, C, U]) replaceLocal(ref Ref, created T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	localIndex := indexOfRef(s.items, ref)
	remoteIndex := indexOfID(s.items, created.EntityID())
	switch {
	case localIndex >= 0 && remoteIndex >= 0:
		s.items = removeAt(s.items, localIndex)
	case localIndex >= 0:
		s.items[localIndex] = entry[T]{ref: RemoteRef(created.EntityID()), value: created}
	case remoteIndex < 0:
		s.items = insertAt(s.items, 0, entry[T]{ref: RemoteRef(created.EntityID()), value: created})
	}
}

func (s *Store[T, C, U]) removeRef(ref Ref) {
	s.mu.Lock()
	if index := indexOfRef(s.items, ref); index >= 0 {
		s.items = removeAt(s.items, index)
	}
	s.mu.Unlock()
}

func (s *Store[T, C, U]) setLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	s.mu.Unlock()
	s.notify()
}

func (s *Store[T, C, U]) stateLocked() State[T] {
	state := State[T]{
		Items:    values(s.items),
		Loading:  s.loading,
		Creating: s.creating > 0,
		Loaded:   s.loadedOnce,
	}
	if s.lastLoad != nil {
		stamp := *s.lastLoad
		state.LastLoad = &stamp
	}
	return state
}

func (s *Store[T, C, U]) notify() {
	s.mu.Lock()
	if len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	state := s.stateLocked()
	observers := make([]func(State[T]), 0, len(s.observers))
	for _, observer := range s.observers {
		observers = append(observers, observer)
	}
	s.mu.Unlock()
	state.Pending = s.ledger.Pending()
	for _, observer := range observers {
		observer(state)
	}
}

func (s *Store[T, C, U]) listSafely(ctx context.Context, principal entities.PrincipalID) (items []T, err error) {
	defer recoverInto(&err)
	return s.source.List(ctx, principal)
}

func (s *Store[T, C, U]) createSafely(ctx context.Context, principal entities.PrincipalID, input C) (created T, err error) {
	defer recoverInto(&err)
	return s.source.Create(ctx, principal, input)
}

func (s *Store[T, C, U]) updateSafely(ctx context.Context, principal entities.PrincipalID, id string, patch U) (saved T, err error) {
	defer recoverInto(&err)
	return s.mutator.Update(ctx, principal, id, patch)
}

func (s *Store[T, C, U]) deleteSafely(ctx context.Context, principal entities.PrincipalID, id string) (err error) {
	defer recoverInto(&err)
	return s.mutator.Delete(ctx, principal, id)
}

func recoverInto(err *error) {
	if recovered := recover(); recovered != nil {
		*err = fmt.Errorf("recovered panic: %v", recovered)
	}
}

func (s *Store[T, C, U]) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}

func failed[T entities.Identifiable](err error, cause error) Outcome[T] {
	return Outcome[T]{Err: err, Error: userMessage(cause)}
}
