package events

import (
	"sync"
	"time"
)

// EventType represents different types of governance events in the system
type EventType string

const (
	EventRegimeChanged         EventType = "REGIME_CHANGED"
	EventInstanceClosed        EventType = "INSTANCE_CLOSED"
	EventHighPerformerDetected EventType = "HIGH_PERFORMER_DETECTED"
	EventOutlierDetected       EventType = "OUTLIER_DETECTED"
	EventPlaybookGenerated     EventType = "PLAYBOOK_GENERATED"
	EventPlaybookMatched       EventType = "PLAYBOOK_MATCHED"
	EventPlaybookApplied       EventType = "PLAYBOOK_APPLIED"
	EventParameterChanged      EventType = "PARAMETER_CHANGED"
	EventParameterRejected     EventType = "PARAMETER_REJECTED"
	EventTuningSessionReady    EventType = "TUNING_SESSION_READY"
	EventTuningSessionResolved EventType = "TUNING_SESSION_RESOLVED"
	EventTuningSessionExpired  EventType = "TUNING_SESSION_EXPIRED"
	EventOverrideToggled       EventType = "OVERRIDE_TOGGLED"
	EventError                 EventType = "ERROR"
)

// Event represents a domain event emitted by the governance core.
// Transport and notification layers subscribe; the core never delivers
// notifications itself.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking the tick
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishRegimeChanged publishes a regime transition event
func (b *Bus) PublishRegimeChanged(instanceID, from, to string, confidence float64) {
	b.Publish(Event{
		Type: EventRegimeChanged,
		Data: map[string]interface{}{
			"instance_id": instanceID,
			"from":        from,
			"to":          to,
			"confidence":  confidence,
		},
	})
}

// PublishHighPerformer publishes a high-performer interval detection
func (b *Bus) PublishHighPerformer(instanceID, label string, roiPercent, patternScore, zScore float64) {
	b.Publish(Event{
		Type: EventHighPerformerDetected,
		Data: map[string]interface{}{
			"instance_id":   instanceID,
			"label":         label,
			"roi_percent":   roiPercent,
			"pattern_score": patternScore,
			"z_score":       zScore,
		},
	})
}

// PublishOutlier publishes a statistical outlier detection
func (b *Bus) PublishOutlier(instanceID, label string, zScore float64) {
	b.Publish(Event{
		Type: EventOutlierDetected,
		Data: map[string]interface{}{
			"instance_id": instanceID,
			"label":       label,
			"z_score":     zScore,
		},
	})
}

// PublishPlaybookApplied publishes a successful playbook application
func (b *Bus) PublishPlaybookApplied(playbookID, playbookName, profileID, source string) {
	b.Publish(Event{
		Type: EventPlaybookApplied,
		Data: map[string]interface{}{
			"playbook_id":   playbookID,
			"playbook_name": playbookName,
			"profile_id":    profileID,
			"source":        source,
		},
	})
}

// PublishParameterChanged publishes a parameter mutation through the
// governed write path
func (b *Bus) PublishParameterChanged(profileID, source, reason string, oldValues, newValues map[string]float64) {
	b.Publish(Event{
		Type: EventParameterChanged,
		Data: map[string]interface{}{
			"profile_id": profileID,
			"source":     source,
			"reason":     reason,
			"old_values": oldValues,
			"new_values": newValues,
		},
	})
}

// PublishParameterRejected publishes a rejected parameter mutation
func (b *Bus) PublishParameterRejected(profileID, source, reason string) {
	b.Publish(Event{
		Type: EventParameterRejected,
		Data: map[string]interface{}{
			"profile_id": profileID,
			"source":     source,
			"reason":     reason,
		},
	})
}

// PublishTuningSessionReady publishes a pending tuning session
func (b *Bus) PublishTuningSessionReady(sessionID, scope string, recommendations int) {
	b.Publish(Event{
		Type: EventTuningSessionReady,
		Data: map[string]interface{}{
			"session_id":      sessionID,
			"scope":           scope,
			"recommendations": recommendations,
		},
	})
}

// PublishOverrideToggled publishes a manual-override flag change
func (b *Bus) PublishOverrideToggled(active bool, owner string) {
	b.Publish(Event{
		Type: EventOverrideToggled,
		Data: map[string]interface{}{
			"active": active,
			"owner":  owner,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
