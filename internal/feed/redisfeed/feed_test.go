package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestFeed(t *testing.T) (*Feed, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	feed, err := New("redis://"+server.Addr(), nil)
	if err != nil {
		t.Fatalf("failed to create redis feed: %v", err)
	}
	t.Cleanup(func() { _ = feed.Close() })
	return feed, server
}

type statusWaiter chan realtime.ChannelStatus

func (w statusWaiter) record(status realtime.ChannelStatus, _ error) {
	w <- status
}

func (w statusWaiter) await(t *testing.T, want realtime.ChannelStatus) {
	t.Helper()
	select {
	case status := <-w:
		if status != want {
			t.Fatalf("expected %s, got %s", want, status)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestTopicDefaultsSchema(t *testing.T) {
	if got := Topic("", "projects"); got != "realtime:public:projects" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := Topic("audit", "projects"); got != "realtime:audit:projects" {
		t.Fatalf("unexpected topic %q", got)
	}
}

func TestPublishWritesToTableTopic(t *testing.T) {
	feed, server := setupTestFeed(t)
	raw := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer raw.Close()

	ctx := context.Background()
	subscription := raw.Subscribe(ctx, "realtime:public:projects")
	defer subscription.Close()
	if _, err := subscription.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	row, _ := json.Marshal(map[string]string{"id": "p-1"})
	if err := feed.Publish(ctx, realtime.ChangeEvent{Table: "projects", Kind: realtime.EventInsert, New: row}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	message, err := subscription.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var event realtime.ChangeEvent
	if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Schema != realtime.DefaultSchema || event.Kind != realtime.EventInsert {
		t.Fatalf("unexpected event %+v", event)
	}

	if err := feed.Publish(ctx, realtime.ChangeEvent{Kind: realtime.EventInsert}); !errors.Is(err, errMissingTable) {
		t.Fatalf("expected missing table error, got %v", err)
	}
}

func TestChannelDeliversScopedMatchingEvents(t *testing.T) {
	feed, _ := setupTestFeed(t)
	received := make(chan realtime.ChangeEvent, 4)
	statuses := make(statusWaiter, 4)

	channel := feed.Scoped("user-1").Channel("projects_sub")
	channel.On(realtime.SubscriptionConfig{Table: "projects", Event: realtime.EventDelete, Schema: "public"}, func(event realtime.ChangeEvent) {
		received <- event
	})
	channel.Subscribe(statuses.record)
	statuses.await(t, realtime.StatusSubscribed)

	ctx := context.Background()
	row, _ := json.Marshal(map[string]string{"id": "p-1"})
	_ = feed.Publish(ctx, realtime.ChangeEvent{Table: "projects", Kind: realtime.EventDelete, Owner: "user-2", Old: row})
	_ = feed.Publish(ctx, realtime.ChangeEvent{Table: "projects", Kind: realtime.EventInsert, Owner: "user-1", New: row})
	_ = feed.Publish(ctx, realtime.ChangeEvent{Table: "projects", Kind: realtime.EventDelete, Owner: "user-1", Old: row})

	select {
	case event := <-received:
		if event.Owner != "user-1" || event.Kind != realtime.EventDelete {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	select {
	case event := <-received:
		t.Fatalf("unexpected extra event %+v", event)
	case <-time.After(100 * time.Millisecond):
	}

	if err := channel.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	statuses.await(t, realtime.StatusClosed)
}

func TestChannelWithoutBindingsFails(t *testing.T) {
	feed, _ := setupTestFeed(t)
	statuses := make(statusWaiter, 1)
	feed.Channel("empty").Subscribe(statuses.record)
	statuses.await(t, realtime.StatusChannelError)
}

func TestServerLossReportsChannelError(t *testing.T) {
	feed, server := setupTestFeed(t)
	statuses := make(statusWaiter, 4)
	channel := feed.Channel("projects_sub")
	channel.On(realtime.SubscriptionConfig{Table: "projects"}, func(realtime.ChangeEvent) {})
	channel.Subscribe(statuses.record)
	statuses.await(t, realtime.StatusSubscribed)

	server.Close()
	statuses.await(t, realtime.StatusChannelError)
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("not a url", nil); err == nil {
		t.Fatalf("expected parse error")
	}
}
