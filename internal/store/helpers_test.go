package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/clock"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
)

var storeEpoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type staticPrincipal struct {
	id            entities.PrincipalID
	authenticated bool
}

func (p staticPrincipal) WaitInitialized(context.Context) error {
	return nil
}

func (p staticPrincipal) Principal() (entities.PrincipalID, bool) {
	return p.id, p.authenticated
}

// gatedPrincipal stays uninitialized until open is called.
type gatedPrincipal struct {
	id      entities.PrincipalID
	ready   chan struct{}
	waiting chan struct{}
	once    sync.Once
}

func newGatedPrincipal(id entities.PrincipalID) *gatedPrincipal {
	return &gatedPrincipal{id: id, ready: make(chan struct{}), waiting: make(chan struct{}, 16)}
}

func (p *gatedPrincipal) WaitInitialized(ctx context.Context) error {
	select {
	case p.waiting <- struct{}{}:
	default:
	}
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *gatedPrincipal) Principal() (entities.PrincipalID, bool) {
	select {
	case <-p.ready:
		return p.id, p.id != ""
	default:
		return "", false
	}
}

func (p *gatedPrincipal) open() {
	p.once.Do(func() { close(p.ready) })
}

func newGatedHarness(t *testing.T, source *fakeProjectSource, principal *gatedPrincipal) projectHarness {
	t.Helper()
	scheduler := clock.NewManual(storeEpoch)
	projects, err := NewProjects(Dependencies{
		Principal: principal,
		Scheduler: scheduler,
	}, source, source)
	if err != nil {
		t.Fatalf("new projects store: %v", err)
	}
	return projectHarness{store: projects, source: source, scheduler: scheduler}
}

func (s *fakeProjectSource) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

type fakeProjectSource struct {
	mu          sync.Mutex
	listCalls   int
	list        []entities.Project
	listErr     error
	listGate    chan struct{}
	createCalls int
	created     entities.Project
	createErr   error
	createGate  chan struct{}
	started     chan struct{}
	createPanic bool
	updateErr   error
	deleteErr   error
	deleted     []string
}

func (s *fakeProjectSource) List(ctx context.Context, principal entities.PrincipalID) ([]entities.Project, error) {
	s.mu.Lock()
	s.listCalls++
	gate := s.listGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]entities.Project(nil), s.list...), nil
}

func (s *fakeProjectSource) Create(ctx context.Context, principal entities.PrincipalID, input entities.CreateProjectInput) (entities.Project, error) {
	s.mu.Lock()
	s.createCalls++
	gate := s.createGate
	started := s.started
	shouldPanic := s.createPanic
	s.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if shouldPanic {
		panic("create exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return entities.Project{}, s.createErr
	}
	return s.created, nil
}

func (s *fakeProjectSource) Update(ctx context.Context, principal entities.PrincipalID, id string, patch entities.UpdateProjectInput) (entities.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return entities.Project{}, s.updateErr
	}
	for _, project := range s.list {
		if project.ID == id {
			return patch.Apply(project, storeEpoch.Add(time.Hour)), nil
		}
	}
	return entities.Project{}, errors.New("missing")
}

func (s *fakeProjectSource) Delete(ctx context.Context, principal entities.PrincipalID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeProjectSource) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

type projectHarness struct {
	store     *Projects
	source    *fakeProjectSource
	scheduler *clock.Manual
}

func newProjectHarness(t *testing.T, source *fakeProjectSource) projectHarness {
	t.Helper()
	scheduler := clock.NewManual(storeEpoch)
	projects, err := NewProjects(Dependencies{
		Principal: staticPrincipal{id: "user-1", authenticated: true},
		Scheduler: scheduler,
	}, source, source)
	if err != nil {
		t.Fatalf("new projects store: %v", err)
	}
	return projectHarness{store: projects, source: source, scheduler: scheduler}
}

func project(id, name string) entities.Project {
	return entities.Project{
		ID:             id,
		OrganizationID: "org-1",
		Name:           name,
		Slug:           entities.Slugify(name),
		Status:         entities.ProjectStatusActive,
		CreatedBy:      "user-1",
		CreatedAt:      storeEpoch,
		UpdatedAt:      storeEpoch,
	}
}

func ids(items []entities.Project) []string {
	result := make([]string, 0, len(items))
	for _, item := range items {
		result = append(result, item.ID)
	}
	return result
}

func assertIDs(t *testing.T, items []entities.Project, expected ...string) {
	t.Helper()
	actual := ids(items)
	if len(actual) != len(expected) {
		t.Fatalf("expected ids %v, got %v", expected, actual)
	}
	for index := range expected {
		if actual[index] != expected[index] {
			t.Fatalf("expected ids %v, got %v", expected, actual)
		}
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
