package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
)

// Lifecycle event types emitted by the Application.
const (
	EventTypeApplicationStarting    = "cfxflow.application.starting"
	EventTypeApplicationStarted     = "cfxflow.application.started"
	EventTypeApplicationStartFailed = "cfxflow.application.start_failed"
	EventTypeApplicationStopping    = "cfxflow.application.stopping"
	EventTypeApplicationStopped     = "cfxflow.application.stopped"
)

// CloudEvent extension attributes set on lifecycle events.
const (
	ExtensionSide = "cfxside"
	ExtensionNode = "cfxnode"
)

// LifecycleObserver receives application lifecycle events.
type LifecycleObserver interface {
	OnEvent(ctx context.Context, event cloudevents.Event) error
	ObserverID() string
}

// LifecycleObserverFunc adapts a function to LifecycleObserver.
type LifecycleObserverFunc struct {
	ID string
	Fn func(ctx context.Context, event cloudevents.Event) error
}

func (f LifecycleObserverFunc) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.Fn(ctx, event)
}

func (f LifecycleObserverFunc) ObserverID() string { return f.ID }

// LifecycleEventData is the JSON payload of lifecycle events.
type LifecycleEventData struct {
	State    State     `json:"state"`
	Side     string    `json:"side"`
	NodeID   string    `json:"node_id"`
	Resource string    `json:"resource"`
	Modules  []string  `json:"modules,omitempty"`
	Graceful *bool     `json:"graceful,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

type lifecycleSubject struct {
	source string
	logger loggingpkg.ServiceLogger

	mu        sync.RWMutex
	observers []LifecycleObserver
}

func newLifecycleSubject(source string, logger loggingpkg.ServiceLogger) *lifecycleSubject {
	return &lifecycleSubject{source: source, logger: logger}
}

func (s *lifecycleSubject) register(o LifecycleObserver) error {
	if o == nil {
		return errors.New("cfxflow: observer is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.observers {
		if existing.ObserverID() == o.ObserverID() {
			return fmt.Errorf("cfxflow: observer %q already registered", o.ObserverID())
		}
	}
	s.observers = append(s.observers, o)
	return nil
}

func (s *lifecycleSubject) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o.ObserverID() == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

func newLifecycleEvent(source, eventType string, data LifecycleEventData) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetType(eventType)
	event.SetSource(source)
	event.SetSubject(data.NodeID)
	event.SetTime(data.Time)
	event.SetExtension(ExtensionSide, data.Side)
	event.SetExtension(ExtensionNode, data.NodeID)
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return event, fmt.Errorf("set lifecycle event data: %w", err)
	}
	return event, event.Validate()
}

// notify delivers the event to every observer in registration order.
// Observer errors are logged and never interrupt the lifecycle.
func (s *lifecycleSubject) notify(ctx context.Context, eventType string, data LifecycleEventData) {
	s.mu.RLock()
	observers := append([]LifecycleObserver(nil), s.observers...)
	s.mu.RUnlock()
	if len(observers) == 0 {
		return
	}

	event, err := newLifecycleEvent(s.source, eventType, data)
	if err != nil {
		s.logger.Error("Failed to build lifecycle event", err, loggingpkg.LogFields{"type": eventType})
		return
	}
	for _, o := range observers {
		if err := o.OnEvent(ctx, event); err != nil {
			s.logger.Warn("Lifecycle observer failed", loggingpkg.LogFields{"observer": o.ObserverID(), "type": eventType, "error": err.Error()})
		}
	}
}
