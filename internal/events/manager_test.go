package events

import (
	"testing"
	"time"
)

func receiveEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscriber channel closed unexpectedly")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestProjectSubscriberReceivesGlobalUpdate(t *testing.T) {
	m := NewManager()
	sub := m.SubscribeToProject("proj_a")
	defer m.Unsubscribe(sub)

	m.NotifyGlobalContextUpdated("proj_a", map[string]any{"shared_knowledge": "x"}, "claude")

	event := receiveEvent(t, sub)
	if event.Type != TypeGlobalContextUpdated {
		t.Fatalf("event type = %q, want %q", event.Type, TypeGlobalContextUpdated)
	}
	if event.ProjectID != "proj_a" || event.SourcePlatform != "claude" {
		t.Fatalf("unexpected event envelope: %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Fatal("event timestamp should be set")
	}
}

func TestEventsNotDeliveredAcrossProjects(t *testing.T) {
	m := NewManager()
	subA := m.SubscribeToProject("proj_a")
	subB := m.SubscribeToProject("proj_b")
	defer m.Unsubscribe(subA)
	defer m.Unsubscribe(subB)

	m.NotifyDomainContextUpdated("proj_a", "backend", map[string]any{"key_concepts": []string{"grpc"}})

	receiveEvent(t, subA)
	select {
	case event := <-subB.Events():
		t.Fatalf("proj_b should not receive proj_a events, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPlatformUpdateReachesBothScopes(t *testing.T) {
	m := NewManager()
	projectSub := m.SubscribeToProject("proj_a")
	platformSub := m.SubscribeToPlatform("claude")
	defer m.Unsubscribe(projectSub)
	defer m.Unsubscribe(platformSub)

	m.NotifyPlatformContextUpdated("proj_a", "claude", "pctx_1", map[string]any{"learned_preferences": "tabs"})

	fromProject := receiveEvent(t, projectSub)
	fromPlatform := receiveEvent(t, platformSub)
	if fromProject.Type != TypePlatformContextUpdated || fromPlatform.Type != TypePlatformContextUpdated {
		t.Fatalf("wrong event types: %q, %q", fromProject.Type, fromPlatform.Type)
	}
	if !fromProject.Timestamp.Equal(fromPlatform.Timestamp) {
		t.Fatal("both scopes should see the same event instance")
	}
	if fromPlatform.ContextID != "pctx_1" {
		t.Fatalf("ContextID = %q, want pctx_1", fromPlatform.ContextID)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	m := NewManager()
	sub := m.SubscribeToProject("proj_a")

	m.Unsubscribe(sub)
	m.Unsubscribe(sub)

	if _, open := <-sub.Events(); open {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if got := m.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}

	// Broadcasting after unsubscribe must not panic.
	m.NotifyGlobalContextUpdated("proj_a", nil, "system")
}

func TestStalledSubscriberIsDropped(t *testing.T) {
	m := NewManager()
	m.SubscribeToProject("proj_a")

	// Nobody reads the queue; overflowing it marks the consumer dead.
	for i := 0; i < queueSize+1; i++ {
		m.NotifyGlobalContextUpdated("proj_a", map[string]any{"i": i}, "system")
	}

	if got := m.SubscriberCount(); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0 after dropping the stalled queue", got)
	}

	// Delivery to later subscribers is unaffected.
	fresh := m.SubscribeToProject("proj_a")
	defer m.Unsubscribe(fresh)
	m.NotifyGlobalContextUpdated("proj_a", nil, "system")
	receiveEvent(t, fresh)
}
