// Package events is the in-process pub/sub fan-out between the sync
// service and live server-push consumers. Delivery is at-most-once and
// FIFO per queue; there is no global ordering across event types or
// scopes beyond each event's own timestamp.
package events

import (
	"log"
	"sync"
	"time"
)

// Event is the typed envelope broadcast to subscribers.
type Event struct {
	Type           string         `json:"type"`
	ProjectID      string         `json:"project_id,omitempty"`
	PlatformType   string         `json:"platform_type,omitempty"`
	DomainType     string         `json:"domain_type,omitempty"`
	ContextID      string         `json:"context_id,omitempty"`
	SourcePlatform string         `json:"source_platform,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`
	Insights       map[string]any `json:"insights,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

const (
	TypeGlobalContextUpdated   = "global_context_updated"
	TypePlatformContextUpdated = "platform_context_updated"
	TypeNewInsightsAvailable   = "new_insights_available"
	TypeDomainContextUpdated   = "domain_context_updated"
)

// queueSize bounds a subscriber's in-flight events. A consumer that
// falls this far behind is treated as dead and dropped.
const queueSize = 64

// Subscriber owns one delivery queue. The consumer reads from Events()
// and must call Unsubscribe on disconnect.
type Subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// Events returns the subscriber's delivery channel. It is closed when
// the subscriber is unsubscribed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// send attempts a non-blocking delivery. It reports false only when the
// queue is full; a closed subscriber swallows the event.
func (s *Subscriber) send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Manager fans events out to project- and platform-scoped subscriber
// sets. All registry mutation happens under one mutex; broadcasts never
// block on a slow consumer.
type Manager struct {
	mu        sync.Mutex
	projects  map[string]map[*Subscriber]struct{}
	platforms map[string]map[*Subscriber]struct{}
}

func NewManager() *Manager {
	return &Manager{
		projects:  make(map[string]map[*Subscriber]struct{}),
		platforms: make(map[string]map[*Subscriber]struct{}),
	}
}

// SubscribeToProject registers a new queue for a project's events.
func (m *Manager) SubscribeToProject(projectID string) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, queueSize)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.projects[projectID] == nil {
		m.projects[projectID] = make(map[*Subscriber]struct{})
	}
	m.projects[projectID][sub] = struct{}{}
	return sub
}

// SubscribeToPlatform registers a new queue for a platform's events.
func (m *Manager) SubscribeToPlatform(platformType string) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, queueSize)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.platforms[platformType] == nil {
		m.platforms[platformType] = make(map[*Subscriber]struct{})
	}
	m.platforms[platformType][sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber from every scope it was registered
// under and closes its queue. Idempotent.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	m.mu.Lock()
	for _, subscribers := range m.projects {
		delete(subscribers, sub)
	}
	for _, subscribers := range m.platforms {
		delete(subscribers, sub)
	}
	m.mu.Unlock()
	sub.close()
}

// SubscriberCount reports the number of live queues across all scopes.
func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[*Subscriber]struct{})
	for _, subscribers := range m.projects {
		for sub := range subscribers {
			seen[sub] = struct{}{}
		}
	}
	for _, subscribers := range m.platforms {
		for sub := range subscribers {
			seen[sub] = struct{}{}
		}
	}
	return len(seen)
}

// NotifyGlobalContextUpdated broadcasts a global context change to all
// project subscribers.
func (m *Manager) NotifyGlobalContextUpdated(projectID string, changes map[string]any, sourcePlatform string) {
	m.broadcastToProject(projectID, Event{
		Type:           TypeGlobalContextUpdated,
		ProjectID:      projectID,
		Changes:        changes,
		SourcePlatform: sourcePlatform,
		Timestamp:      time.Now().UTC(),
	})
}

// NotifyPlatformContextUpdated broadcasts to both the project's and the
// platform's subscribers.
func (m *Manager) NotifyPlatformContextUpdated(projectID, platformType, contextID string, changes map[string]any) {
	event := Event{
		Type:         TypePlatformContextUpdated,
		ProjectID:    projectID,
		PlatformType: platformType,
		ContextID:    contextID,
		Changes:      changes,
		Timestamp:    time.Now().UTC(),
	}
	m.broadcastToProject(projectID, event)
	m.broadcastToPlatform(platformType, event)
}

// NotifyNewInsightsAvailable announces insights shared into the global
// context.
func (m *Manager) NotifyNewInsightsAvailable(projectID string, insights map[string]any, sourcePlatform string) {
	m.broadcastToProject(projectID, Event{
		Type:           TypeNewInsightsAvailable,
		ProjectID:      projectID,
		Insights:       insights,
		SourcePlatform: sourcePlatform,
		Timestamp:      time.Now().UTC(),
	})
}

// NotifyDomainContextUpdated broadcasts a domain context change.
func (m *Manager) NotifyDomainContextUpdated(projectID, domainType string, changes map[string]any) {
	m.broadcastToProject(projectID, Event{
		Type:       TypeDomainContextUpdated,
		ProjectID:  projectID,
		DomainType: domainType,
		Changes:    changes,
		Timestamp:  time.Now().UTC(),
	})
}

// BroadcastToPlatform delivers a prebuilt event to one platform's
// subscribers only. The sync service uses it as its per-platform
// notification channel during propagation.
func (m *Manager) BroadcastToPlatform(platformType string, event Event) {
	m.broadcastToPlatform(platformType, event)
}

func (m *Manager) broadcastToProject(projectID string, event Event) {
	m.broadcast(m.projects, projectID, event)
}

func (m *Manager) broadcastToPlatform(platformType string, event Event) {
	m.broadcast(m.platforms, platformType, event)
}

// broadcast delivers to every queue under scope key. A queue that would
// block is a gone consumer: it is dropped from the registry so one dead
// subscriber never stalls delivery to the others.
func (m *Manager) broadcast(registry map[string]map[*Subscriber]struct{}, key string, event Event) {
	m.mu.Lock()
	subscribers := registry[key]
	targets := make([]*Subscriber, 0, len(subscribers))
	for sub := range subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	var dead []*Subscriber
	for _, sub := range targets {
		if !sub.send(event) {
			dead = append(dead, sub)
		}
	}

	for _, sub := range dead {
		log.Printf("events: dropping stalled subscriber on %s", key)
		m.Unsubscribe(sub)
	}
}
