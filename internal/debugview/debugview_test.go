package debugview_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/clock"
	"github.com/MarcoPoloResearchLab/projectsync/internal/debugview"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime/realtimetest"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newDebugHandler(t *testing.T) (http.Handler, *realtimetest.PushService, *optimistic.Ledger[entities.Project]) {
	t.Helper()

	push := realtimetest.NewPushService()
	manager, err := realtime.NewManager(realtime.ManagerConfig{
		PushService: push,
		Scheduler:   clock.NewManual(time.Unix(0, 0)),
		Suffix:      func() string { return "abc" },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ledger := optimistic.NewLedger[entities.Project](optimistic.Config{Scheduler: clock.NewManual(time.Unix(0, 0))})

	handler, err := debugview.NewHandler(debugview.Config{
		Inspector: manager,
		Pending:   map[string]debugview.PendingFunc{"projects": debugview.Ledger(ledger)},
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	if _, err := manager.Subscribe(realtime.SubscriptionConfig{Table: "projects"}, realtime.Handlers{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return handler, push, ledger
}

func TestRealtimeSnapshot(t *testing.T) {
	handler, push, _ := newDebugHandler(t)
	push.Last().Emit(realtime.StatusSubscribed, nil)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/debug/realtime", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var snapshot realtime.DebugSnapshot
	if err := json.Unmarshal(recorder.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Subscriptions) != 1 {
		t.Fatalf("expected one subscription, got %d", len(snapshot.Subscriptions))
	}
	if snapshot.Subscriptions[0].Status != realtime.StateSubscribed {
		t.Fatalf("expected subscribed status, got %s", snapshot.Subscriptions[0].Status)
	}
	if snapshot.Connection.State != realtime.ConnectionConnected {
		t.Fatalf("expected connected state, got %s", snapshot.Connection.State)
	}
}

func TestPendingUpdates(t *testing.T) {
	handler, _, ledger := newDebugHandler(t)
	update := optimistic.NewUpdate(optimistic.KindCreate, entities.Project{ID: "local_1", Name: "Draft"}, time.Unix(10, 0).UTC())
	ledger.Add(update)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/debug/pending", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var pending map[string][]debugview.PendingUpdate
	if err := json.Unmarshal(recorder.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	entries := pending["projects"]
	if len(entries) != 1 {
		t.Fatalf("expected one pending update, got %+v", pending)
	}
	if entries[0].ID != update.ID || entries[0].EntityID != "local_1" || entries[0].Kind != optimistic.KindCreate {
		t.Fatalf("unexpected pending entry %+v", entries[0])
	}
	if entries[0].Confirmed {
		t.Fatalf("expected unconfirmed entry")
	}
}

func TestPendingUnknownStore(t *testing.T) {
	handler, _, _ := newDebugHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/debug/pending?store=tasks", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestCombinedView(t *testing.T) {
	handler, _, _ := newDebugHandler(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/debug", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if _, ok := body["realtime"]; !ok {
		t.Fatalf("expected realtime section in %s", recorder.Body.String())
	}
	if _, ok := body["pending"]; !ok {
		t.Fatalf("expected pending section in %s", recorder.Body.String())
	}
}

func TestNewHandlerRequiresInspector(t *testing.T) {
	if _, err := debugview.NewHandler(debugview.Config{}); err == nil {
		t.Fatalf("expected missing inspector error")
	}
}
