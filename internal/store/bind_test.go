package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/MarcoPoloResearchLab/projectsync/internal/clock"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime/realtimetest"
)

func TestBindAppliesRealtimeChanges(t *testing.T) {
	push := realtimetest.NewPushService()
	manager, err := realtime.NewManager(realtime.ManagerConfig{PushService: push, Scheduler: clock.NewManual(storeEpoch)})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	harness := newProjectHarness(t, &fakeProjectSource{})

	binding, err := harness.store.Bind(manager, realtime.SubscriptionConfig{Table: "projects"})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	channel := push.Last()
	channel.Emit(realtime.StatusSubscribed, nil)

	row, _ := json.Marshal(project("p-1", "Live"))
	channel.Deliver(realtime.ChangeEvent{Table: "projects", Kind: realtime.EventInsert, New: row})
	assertIDs(t, harness.store.Items(), "p-1")

	renamed, _ := json.Marshal(project("p-1", "Renamed"))
	channel.Deliver(realtime.ChangeEvent{Table: "projects", Kind: realtime.EventUpdate, New: renamed})
	if items := harness.store.Items(); items[0].Name != "Renamed" {
		t.Fatalf("expected update applied, got %+v", items[0])
	}

	if err := binding.Close(context.Background()); err != nil {
		t.Fatalf("close binding: %v", err)
	}
	if !channel.Closed() {
		t.Fatal("expected channel closed on unbind")
	}
	if _, ok := manager.Subscription(binding.SubscriptionID()); ok {
		t.Fatal("expected subscription removed")
	}
	if err := binding.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
