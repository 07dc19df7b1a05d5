package runtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/host"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

type eventBinding struct {
	provider metadata.Provider
	method   string
	md       metadata.EventMetadata
	listener host.ListenerID
}

// EventLoaderStats summarises the registered event bindings.
type EventLoaderStats struct {
	Providers int            `json:"providers"`
	Events    int            `json:"events"`
	Handlers  int            `json:"handlers"`
	ByEvent   map[string]int `json:"by_event"`
}

// EventLoader registers provider methods as named bus event listeners. It
// is the only component that adds named event listeners to the bus on
// behalf of providers.
type EventLoader struct {
	env    *Env
	logger loggingpkg.ServiceLogger

	mu       sync.Mutex
	loaded   map[metadata.Provider]struct{}
	bindings map[string][]eventBinding
}

func NewEventLoader(env *Env) *EventLoader {
	return &EventLoader{
		env:      env,
		logger:   env.Logger.With(loggingpkg.LogFields{"component": "events"}),
		loaded:   make(map[metadata.Provider]struct{}),
		bindings: make(map[string][]eventBinding),
	}
}

// Load registers every event declaration of p. Loading a provider twice is a
// no-op. Failures of single bindings are logged and returned joined; the
// remaining bindings are still registered.
func (l *EventLoader) Load(p metadata.Provider) error {
	if p == nil {
		return errspkg.ErrProviderRequired
	}
	name := metadata.ProviderName(p)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loaded[p]; ok {
		l.logger.Debug("[events] Provider already loaded", loggingpkg.LogFields{"provider": name})
		return nil
	}

	reg := l.env.Catalog.Describe(p)
	chain := Chain{ConditionMiddleware()}.With(l.env.Chain(metadata.KindEvent)...)

	var errs []error
	for _, entry := range reg.MethodMetadata(metadata.KindEvent) {
		handler, ok := reg.Handler(entry.Method)
		if !ok {
			l.logger.Error("[events] Missing handler", errspkg.ErrHandlerRequired, loggingpkg.LogFields{"provider": name, "method": entry.Method})
			continue
		}
		for _, raw := range entry.Metadata {
			md, ok := raw.(metadata.EventMetadata)
			if !ok {
				continue
			}
			if l.isBound(md.Name, p, entry.Method) {
				l.logger.Warn("[events] Handler already registered", loggingpkg.LogFields{"provider": name, "method": entry.Method, "event": md.Name})
				continue
			}
			id, err := l.env.Bus.AddEventListener(md.Name, chain.Wrap(md, handler), md.Networked)
			if err != nil {
				err = fmt.Errorf("event %s on %s.%s: %w", md.Name, name, entry.Method, err)
				l.logger.Error("[events] Failed to register event", err, loggingpkg.LogFields{"provider": name, "event": md.Name})
				errs = append(errs, err)
				continue
			}
			l.bindings[md.Name] = append(l.bindings[md.Name], eventBinding{
				provider: p,
				method:   entry.Method,
				md:       md,
				listener: id,
			})
			l.logger.Debug("[events] Registered event", loggingpkg.LogFields{"provider": name, "method": entry.Method, "event": md.Name, "networked": md.Networked})
		}
	}

	l.loaded[p] = struct{}{}
	return errors.Join(errs...)
}

func (l *EventLoader) isBound(event string, p metadata.Provider, method string) bool {
	for _, b := range l.bindings[event] {
		if b.provider == p && b.method == method {
			return true
		}
	}
	return false
}

// Unload removes the listeners of p, or of every provider when p is nil.
// Unknown providers are ignored.
func (l *EventLoader) Unload(p metadata.Provider) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for event, bindings := range l.bindings {
		kept := bindings[:0:0]
		for _, b := range bindings {
			if p != nil && b.provider != p {
				kept = append(kept, b)
				continue
			}
			if err := l.env.Bus.RemoveEventListener(event, b.listener); err != nil {
				l.logger.Debug("[events] Listener already removed", loggingpkg.LogFields{"event": event, "error": err.Error()})
			}
		}
		if len(kept) == 0 {
			delete(l.bindings, event)
		} else {
			l.bindings[event] = kept
		}
	}

	if p == nil {
		l.loaded = make(map[metadata.Provider]struct{})
		l.logger.Debug("[events] Unloaded all providers", nil)
		return
	}
	delete(l.loaded, p)
}

func (l *EventLoader) Stats() EventLoaderStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := EventLoaderStats{
		Providers: len(l.loaded),
		Events:    len(l.bindings),
		ByEvent:   make(map[string]int, len(l.bindings)),
	}
	for event, bindings := range l.bindings {
		stats.ByEvent[event] = len(bindings)
		stats.Handlers += len(bindings)
	}
	return stats
}

// HasEventHandlers reports whether any provider listens to event.
func (l *EventLoader) HasEventHandlers(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bindings[event]) > 0
}

func (l *EventLoader) HandlerCount() int {
	return l.Stats().Handlers
}

func (l *EventLoader) IsProviderLoaded(p metadata.Provider) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[p]
	return ok
}

// EventNames lists the events that have at least one handler, sorted.
func (l *EventLoader) EventNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.bindings))
	for event := range l.bindings {
		names = append(names, event)
	}
	sort.Strings(names)
	return names
}
