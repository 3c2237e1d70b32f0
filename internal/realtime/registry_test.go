package realtime_test

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
)

func TestRegistryKeepsOneRecordPerID(t *testing.T) {
	registry := realtime.NewRegistry()
	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if !registry.Add(realtime.SubscriptionMetadata{ID: "b", CreatedAt: created, Status: realtime.StatePending}) {
		t.Fatal("expected first add to succeed")
	}
	if registry.Add(realtime.SubscriptionMetadata{ID: "b", CreatedAt: created}) {
		t.Fatal("expected duplicate add to be rejected")
	}
	registry.Add(realtime.SubscriptionMetadata{ID: "a", CreatedAt: created})
	registry.Add(realtime.SubscriptionMetadata{ID: "c", CreatedAt: created.Add(-time.Minute)})

	list := registry.List()
	if len(list) != 3 || list[0].ID != "c" || list[1].ID != "a" || list[2].ID != "b" {
		t.Fatalf("unexpected order %+v", list)
	}

	registry.SetStatus("b", realtime.StateSubscribed)
	registry.TouchEvent("b", created.Add(time.Hour))
	record, ok := registry.Get("b")
	if !ok || record.Status != realtime.StateSubscribed || record.LastEvent == nil {
		t.Fatalf("unexpected record %+v", record)
	}
	*record.LastEvent = time.Time{}
	again, _ := registry.Get("b")
	if again.LastEvent.IsZero() {
		t.Fatal("Get must return a copy")
	}

	if registry.SetStatus("missing", realtime.StateClosed) {
		t.Fatal("expected SetStatus on missing id to report false")
	}
	if !registry.Remove("b") || registry.Remove("b") {
		t.Fatal("expected remove to succeed once")
	}
	if registry.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", registry.Len())
	}
}
