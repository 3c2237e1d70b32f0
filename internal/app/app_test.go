package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/config"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	srv, err := NewServer(config.ServerConfig{
		DatabasePath:  fmt.Sprintf("file:projectsync_app_%d?mode=memory&cache=shared", time.Now().UnixNano()),
		SigningSecret: "test-secret",
		CookieName:    "projectsync_session",
		TokenTTL:      time.Hour,
		Transport:     config.TransportMemory,
	}, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		if err := srv.Close(); err != nil {
			t.Errorf("close server: %v", err)
		}
	})
	return srv, httpServer
}

func newTestClient(t *testing.T, srv *Server, httpServer *httptest.Server, subject string) *Client {
	t.Helper()

	token, _, err := srv.Issuer().Issue(context.Background(), subject, subject+"@example.com")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	cli, err := NewClient(config.ClientConfig{
		BaseURL:     httpServer.URL,
		RealtimeURL: "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/realtime",
		AccessToken: token,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MaxDelay:    time.Second,
			Multiplier:  2,
		},
		PurgeDelay: 10 * time.Millisecond,
		CacheTTL:   time.Minute,
		Debug:      config.DebugConfig{Enabled: true, Address: "127.0.0.1:0"},
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cli.Close(ctx)
	})
	return cli
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func projectIDs(projects []entities.Project) []string {
	ids := make([]string, 0, len(projects))
	for _, project := range projects {
		ids = append(ids, project.ID)
	}
	return ids
}

func TestClientStaysInSyncWithServer(t *testing.T) {
	srv, httpServer := newTestServer(t)
	cli := newTestClient(t, srv, httpServer, "user-1")
	ctx := context.Background()

	if err := cli.Start(ctx); err != nil {
		t.Fatalf("start client: %v", err)
	}
	waitFor(t, "realtime connection", func() bool {
		return cli.Manager.ConnectionStatus().IsConnected() && len(cli.Manager.Subscriptions()) == 2
	})

	organization := cli.Organizations.Create(ctx, entities.CreateOrganizationInput{Name: "Acme"})
	if !organization.Success {
		t.Fatalf("create organization failed: %s", organization.Error)
	}

	created := cli.Projects.Create(ctx, entities.CreateProjectInput{Name: "Roadmap", OrganizationID: organization.Entity.ID})
	if !created.Success {
		t.Fatalf("create project failed: %s", created.Error)
	}
	if created.Entity.Slug != "roadmap" {
		t.Fatalf("expected server assigned slug, got %q", created.Entity.Slug)
	}

	// Give the realtime INSERT for our own create time to arrive; it must not duplicate.
	time.Sleep(100 * time.Millisecond)
	if ids := projectIDs(cli.Projects.Items()); len(ids) != 1 || ids[0] != created.Entity.ID {
		t.Fatalf("expected exactly the created project, got %v", ids)
	}

	external, err := cli.API.CreateProject(ctx, entities.CreateProjectInput{Name: "Roadmap", OrganizationID: organization.Entity.ID})
	if err != nil {
		t.Fatalf("create project out of band: %v", err)
	}
	waitFor(t, "realtime insert", func() bool {
		_, _, ok := cli.Projects.Find(external.ID)
		return ok
	})
	if external.Slug != "roadmap-1" {
		t.Fatalf("expected unique slug, got %q", external.Slug)
	}

	if err := cli.API.DeleteProject(ctx, external.ID); err != nil {
		t.Fatalf("delete project out of band: %v", err)
	}
	waitFor(t, "realtime delete", func() bool {
		_, _, ok := cli.Projects.Find(external.ID)
		return !ok
	})
	if ids := projectIDs(cli.Projects.Items()); len(ids) != 1 || ids[0] != created.Entity.ID {
		t.Fatalf("unexpected projects after delete: %v", ids)
	}
}

func TestClientIgnoresOtherPrincipals(t *testing.T) {
	srv, httpServer := newTestServer(t)
	watcher := newTestClient(t, srv, httpServer, "user-1")
	other := newTestClient(t, srv, httpServer, "user-2")
	ctx := context.Background()

	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	waitFor(t, "watcher connection", func() bool {
		return watcher.Manager.ConnectionStatus().IsConnected()
	})

	organization, err := other.API.CreateOrganization(ctx, entities.CreateOrganizationInput{Name: "Other"})
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if _, err := other.API.CreateProject(ctx, entities.CreateProjectInput{Name: "Hidden", OrganizationID: organization.ID}); err != nil {
		t.Fatalf("create project: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if items := watcher.Projects.Items(); len(items) != 0 {
		t.Fatalf("expected no foreign projects, got %v", projectIDs(items))
	}
	if items := watcher.Organizations.Items(); len(items) != 0 {
		t.Fatalf("expected no foreign organizations, got %d", len(items))
	}
}

func TestClientDebugHandlerReportsSubscriptions(t *testing.T) {
	srv, httpServer := newTestServer(t)
	cli := newTestClient(t, srv, httpServer, "user-1")

	if err := cli.Start(context.Background()); err != nil {
		t.Fatalf("start client: %v", err)
	}
	handler := cli.DebugHandler()
	if handler == nil {
		t.Fatalf("expected debug handler when enabled")
	}

	waitFor(t, "subscriptions", func() bool {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/debug/realtime", nil))
		var snapshot realtime.DebugSnapshot
		if err := json.Unmarshal(recorder.Body.Bytes(), &snapshot); err != nil {
			return false
		}
		return len(snapshot.Subscriptions) == 2 && snapshot.Connection.State == realtime.ConnectionConnected
	})
}

func TestClientStartRequiresPrincipal(t *testing.T) {
	srv, httpServer := newTestServer(t)
	cli := newTestClient(t, srv, httpServer, "user-1")
	cli.Session.SignOut()

	if err := cli.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail without a principal")
	}
}

func TestNewServerRejectsRedisWithoutServer(t *testing.T) {
	_, err := NewServer(config.ServerConfig{
		DatabasePath:  fmt.Sprintf("file:projectsync_app_redis_%d?mode=memory&cache=shared", time.Now().UnixNano()),
		SigningSecret: "test-secret",
		CookieName:    "projectsync_session",
		TokenTTL:      time.Hour,
		Transport:     config.TransportRedis,
		RedisURL:      "not a url",
	}, nil)
	if err == nil {
		t.Fatalf("expected redis feed error")
	}
}

func TestProjectChangesStreamsRealtimeEvents(t *testing.T) {
	srv, httpServer := newTestServer(t)
	cli := newTestClient(t, srv, httpServer, "user-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, _, err := cli.ProjectChanges(ctx, 4); err == nil {
		t.Fatalf("expected error before start")
	}
	if err := cli.Start(ctx); err != nil {
		t.Fatalf("start client: %v", err)
	}
	changes, stop, err := cli.ProjectChanges(ctx, 4)
	if err != nil {
		t.Fatalf("project changes: %v", err)
	}
	defer stop()
	waitFor(t, "realtime connection", func() bool {
		return cli.Manager.ConnectionStatus().IsConnected() && len(cli.Manager.Subscriptions()) == 2
	})

	organization, err := cli.API.CreateOrganization(ctx, entities.CreateOrganizationInput{Name: "Acme"})
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	created, err := cli.API.CreateProject(ctx, entities.CreateProjectInput{Name: "Streamed", OrganizationID: organization.ID})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	select {
	case event := <-changes:
		if event.Kind != realtime.EventInsert || event.Table != "projects" {
			t.Fatalf("unexpected event %+v", event)
		}
		var row entities.Project
		if err := json.Unmarshal(event.Row(), &row); err != nil {
			t.Fatalf("decode row: %v", err)
		}
		if row.ID != created.ID {
			t.Fatalf("expected streamed project %q, got %q", created.ID, row.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for streamed insert")
	}

	stop()
	if _, open := <-changes; open {
		t.Fatalf("expected stream closed after stop")
	}
}
