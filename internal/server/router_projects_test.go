package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/auth"
	"github.com/MarcoPoloResearchLab/projectsync/internal/crud"
	"github.com/MarcoPoloResearchLab/projectsync/internal/database"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/feed/memfeed"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/projectsync/internal/server"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "router-secret"
	jsonContentType   = "application/json"
)

type apiHarness struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
	broker *memfeed.Broker
}

func newAPIHarness(t *testing.T) apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:projectsync_router_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	broker := memfeed.NewBroker(memfeed.Config{})
	service, err := crud.NewService(crud.ServiceConfig{
		Database:   db,
		IDProvider: entities.NewUUIDProvider(),
		Publisher:  broker,
	})
	if err != nil {
		t.Fatalf("failed to build crud service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: issuer,
		Service:  service,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return apiHarness{server: testServer, issuer: issuer, broker: broker}
}

func (h apiHarness) token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := h.issuer.Issue(context.Background(), subject, subject+"@example.com")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h apiHarness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func decode[T any](t *testing.T, response *http.Response) T {
	t.Helper()
	var value T
	if err := json.NewDecoder(response.Body).Decode(&value); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return value
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	harness := newAPIHarness(t)
	token := harness.token(t, "user-1")

	received := make(chan realtime.ChangeEvent, 8)
	channel := harness.broker.Scoped("user-1").Channel("projects_watch")
	channel.On(realtime.SubscriptionConfig{Table: "projects", Event: realtime.EventAll}, func(event realtime.ChangeEvent) {
		received <- event
	})
	channel.Subscribe(func(realtime.ChannelStatus, error) {})
	defer channel.Close(context.Background())

	response := harness.do(t, http.MethodPost, "/organizations", token, entities.CreateOrganizationInput{Name: "Acme"})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for organization, got %d", response.StatusCode)
	}
	organization := decode[entities.Organization](t, response)

	response = harness.do(t, http.MethodPost, "/projects", token, entities.CreateProjectInput{Name: "Roadmap", OrganizationID: organization.ID})
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for project, got %d", response.StatusCode)
	}
	project := decode[entities.Project](t, response)
	if project.Slug != "roadmap" || project.Status != entities.ProjectStatusActive {
		t.Fatalf("unexpected project %+v", project)
	}

	select {
	case event := <-received:
		if event.Kind != realtime.EventInsert {
			t.Fatalf("expected insert event, got %s", event.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for insert event")
	}

	name := "Roadmap 2027"
	response = harness.do(t, http.MethodPatch, "/projects/"+project.ID, token, entities.UpdateProjectInput{Name: &name})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for update, got %d", response.StatusCode)
	}
	if updated := decode[entities.Project](t, response); updated.Name != name {
		t.Fatalf("unexpected update result %+v", updated)
	}

	response = harness.do(t, http.MethodGet, "/projects", token, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for list, got %d", response.StatusCode)
	}
	listed := decode[struct {
		Projects []entities.Project `json:"projects"`
	}](t, response)
	if len(listed.Projects) != 1 || listed.Projects[0].ID != project.ID {
		t.Fatalf("unexpected list %+v", listed.Projects)
	}

	response = harness.do(t, http.MethodDelete, "/projects/"+project.ID, token, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 for delete, got %d", response.StatusCode)
	}

	response = harness.do(t, http.MethodGet, "/projects", token, nil)
	listed = decode[struct {
		Projects []entities.Project `json:"projects"`
	}](t, response)
	if len(listed.Projects) != 0 {
		t.Fatalf("expected archived project to leave the list, got %d", len(listed.Projects))
	}
}

func TestProjectErrorsAreCodedJSON(t *testing.T) {
	harness := newAPIHarness(t)
	token := harness.token(t, "user-1")

	response := harness.do(t, http.MethodPost, "/projects", token, entities.CreateProjectInput{Name: " ", OrganizationID: "org-1"})
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
	body := decode[errorBody](t, response)
	if body.Code != "projects.create.missing_name" || body.Error == "" {
		t.Fatalf("unexpected error body %+v", body)
	}

	response = harness.do(t, http.MethodDelete, "/projects/missing", token, nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.StatusCode)
	}
	body = decode[errorBody](t, response)
	if body.Code != "projects.delete.not_found" {
		t.Fatalf("unexpected error body %+v", body)
	}

	response = harness.do(t, http.MethodGet, "/projects", "", nil)
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}
}

func TestProjectsAreIsolatedBetweenPrincipals(t *testing.T) {
	harness := newAPIHarness(t)
	owner := harness.token(t, "user-1")
	intruder := harness.token(t, "user-2")

	organization := decode[entities.Organization](t, harness.do(t, http.MethodPost, "/organizations", owner, entities.CreateOrganizationInput{Name: "Acme"}))
	project := decode[entities.Project](t, harness.do(t, http.MethodPost, "/projects", owner, entities.CreateProjectInput{Name: "Roadmap", OrganizationID: organization.ID}))

	response := harness.do(t, http.MethodGet, "/projects", intruder, nil)
	listed := decode[struct {
		Projects []entities.Project `json:"projects"`
	}](t, response)
	if len(listed.Projects) != 0 {
		t.Fatalf("expected intruder to see no projects, got %d", len(listed.Projects))
	}

	response = harness.do(t, http.MethodDelete, "/projects/"+project.ID, intruder, nil)
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign delete, got %d", response.StatusCode)
	}

	response = harness.do(t, http.MethodGet, "/organizations", intruder, nil)
	orgs := decode[struct {
		Organizations []entities.Organization `json:"organizations"`
	}](t, response)
	if len(orgs.Organizations) != 0 {
		t.Fatalf("expected intruder to see no organizations")
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := server.NewHTTPHandler(server.Dependencies{}); err == nil {
		t.Fatalf("expected missing dependencies to be rejected")
	}
}
