package metadata

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/handlers"
)

// MethodEntry is one method's metadata of a single kind.
type MethodEntry struct {
	Method   string
	Metadata []Metadata
}

// Registry stores the handlers and metadata one provider declared. It is
// filled by Provider.Declare and read by the loaders.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]handlers.HandlerFunc
	methods  []string
	entries  map[Kind]map[string][]Metadata
	order    map[Kind][]string
	errs     []error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]handlers.HandlerFunc),
		entries:  make(map[Kind]map[string][]Metadata),
		order:    make(map[Kind][]string),
	}
}

// SetMethodMetadata replaces the metadata of kind for method.
func (r *Registry) SetMethodMetadata(kind Kind, method string, md Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(kind, method)
	r.entries[kind][method] = []Metadata{md}
}

// AddMethodMetadata appends metadata of kind for method.
func (r *Registry) AddMethodMetadata(kind Kind, method string, md Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(kind, method)
	r.entries[kind][method] = append(r.entries[kind][method], md)
}

func (r *Registry) track(kind Kind, method string) {
	byMethod, ok := r.entries[kind]
	if !ok {
		byMethod = make(map[string][]Metadata)
		r.entries[kind] = byMethod
	}
	if _, seen := byMethod[method]; !seen {
		r.order[kind] = append(r.order[kind], method)
	}
}

// MethodMetadata returns every method carrying metadata of kind, in
// declaration order. Unknown kinds yield an empty result.
func (r *Registry) MethodMetadata(kind Kind) []MethodEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := r.order[kind]
	out := make([]MethodEntry, 0, len(methods))
	for _, method := range methods {
		mds := r.entries[kind][method]
		out = append(out, MethodEntry{Method: method, Metadata: append([]Metadata(nil), mds...)})
	}
	return out
}

// BindHandler associates fn with method.
func (r *Registry) BindHandler(method string, fn handlers.HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[method]; !ok {
		r.methods = append(r.methods, method)
	}
	r.handlers[method] = fn
}

// Handler returns the handler bound to method. A nil handler is reported as
// missing.
func (r *Registry) Handler(method string) (handlers.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn := r.handlers[method]
	return fn, fn != nil
}

// Methods lists bound method names in declaration order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.methods...)
}

// Err joins every invalid declaration recorded on the registry.
func (r *Registry) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return errors.Join(r.errs...)
}

func (r *Registry) fail(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

// Method starts a declaration for the named method.
//
//	reg.Method("OnJoin", h).OnEvent("playerJoining").Once(metadata.StepServerStart)
func (r *Registry) Method(name string, fn handlers.HandlerFunc) *MethodBuilder {
	b := &MethodBuilder{reg: r, name: name}
	if name == "" {
		r.fail(errspkg.ErrMethodNameRequired)
		b.invalid = true
		return b
	}
	if fn == nil {
		r.fail(fmt.Errorf("method %s: %w", name, errspkg.ErrHandlerRequired))
	}
	r.BindHandler(name, fn)
	return b
}

// MethodBuilder attaches metadata to one method.
type MethodBuilder struct {
	reg     *Registry
	name    string
	invalid bool
}

// EventOption customises an event declaration.
type EventOption func(*EventMetadata)

// Networked accepts the event from the remote side too. This is the default.
func Networked() EventOption { return func(m *EventMetadata) { m.Networked = true } }

// Local restricts the event to triggers from the same process.
func Local() EventOption { return func(m *EventMetadata) { m.Networked = false } }

// WithContext requests a traced handlers.Context for the handler.
func WithContext() EventOption { return func(m *EventMetadata) { m.Context = true } }

// Condition filters deliveries before the handler runs.
func Condition(fn func(args []any) bool) EventOption {
	return func(m *EventMetadata) { m.Condition = fn }
}

// OnEvent binds the method to the named event. A method may listen to
// several events.
func (b *MethodBuilder) OnEvent(name string, opts ...EventOption) *MethodBuilder {
	if b.invalid {
		return b
	}
	if name == "" {
		b.reg.fail(fmt.Errorf("method %s: %w", b.name, errspkg.ErrEventNameRequired))
		return b
	}
	md := EventMetadata{Name: name, Networked: true, MethodName: b.name}
	for _, opt := range opts {
		opt(&md)
	}
	b.reg.AddMethodMetadata(KindEvent, b.name, md)
	return b
}

// TickOption customises a tick declaration.
type TickOption func(*TickMetadata)

// TickContext requests a traced handlers.Context for the tick.
func TickContext() TickOption { return func(m *TickMetadata) { m.Context = true } }

// Retries overrides the loader's retry policy for this tick.
func Retries(maxRetries int, delay time.Duration) TickOption {
	return func(m *TickMetadata) { m.Retry = &RetryPolicy{MaxRetries: maxRetries, Delay: delay} }
}

// Schedule runs the tick on a standard cron expression instead of an interval.
func Schedule(expr string) TickOption { return func(m *TickMetadata) { m.Schedule = expr } }

// Tick declares the method as a recurring handler.
func (b *MethodBuilder) Tick(name string, interval time.Duration, opts ...TickOption) *MethodBuilder {
	if b.invalid {
		return b
	}
	if name == "" {
		b.reg.fail(fmt.Errorf("method %s: %w", b.name, errspkg.ErrTickNameRequired))
		return b
	}
	if interval < 0 {
		b.reg.fail(fmt.Errorf("tick %s: %w", name, errspkg.ErrInvalidInterval))
		return b
	}
	md := TickMetadata{Interval: interval, Name: name, MethodName: b.name}
	for _, opt := range opts {
		opt(&md)
	}
	if md.Retry != nil && (md.Retry.MaxRetries < 0 || md.Retry.Delay < 0) {
		b.reg.fail(fmt.Errorf("tick %s: retry policy cannot be negative", name))
		return b
	}
	if md.Schedule != "" {
		if _, err := cron.ParseStandard(md.Schedule); err != nil {
			b.reg.fail(fmt.Errorf("tick %s: %w: %v", name, errspkg.ErrInvalidSchedule, err))
			return b
		}
	}
	b.reg.SetMethodMetadata(KindTick, b.name, md)
	return b
}

// OnceOption customises a once declaration.
type OnceOption func(*OnceMetadata)

// Reload makes the handler run again when its step is re-triggered.
func Reload() OnceOption { return func(m *OnceMetadata) { m.Reload = true } }

// Priority orders handlers within a step, highest first.
func Priority(p int) OnceOption { return func(m *OnceMetadata) { m.Priority = p } }

// Timeout bounds the handler's run time.
func Timeout(d time.Duration) OnceOption { return func(m *OnceMetadata) { m.Timeout = d } }

// Once attaches the method to a lifecycle step.
func (b *MethodBuilder) Once(step Step, opts ...OnceOption) *MethodBuilder {
	if b.invalid {
		return b
	}
	if step == "" {
		b.reg.fail(fmt.Errorf("method %s: %w", b.name, errspkg.ErrStepRequired))
		return b
	}
	md := OnceMetadata{Step: step, MethodName: b.name}
	for _, opt := range opts {
		opt(&md)
	}
	b.reg.SetMethodMetadata(KindOnce, b.name, md)
	return b
}

// RpcOption customises an rpc declaration.
type RpcOption func(*RpcOptions)

func RpcTimeout(d time.Duration) RpcOption { return func(o *RpcOptions) { o.Timeout = d } }

func RpcRetries(n int) RpcOption { return func(o *RpcOptions) { o.Retries = n } }

// RpcMiddleware wraps the method with named registered middlewares.
func RpcMiddleware(names ...string) RpcOption {
	return func(o *RpcOptions) { o.Middleware = append(o.Middleware, names...) }
}

func Validator(fn func(params []any) bool) RpcOption {
	return func(o *RpcOptions) { o.Validator = fn }
}

func Serializer(fn func(result any) (any, error)) RpcOption {
	return func(o *RpcOptions) { o.Serializer = fn }
}

func Deserializer(fn func(result any) (any, error)) RpcOption {
	return func(o *RpcOptions) { o.Deserializer = fn }
}

// Rpc exposes the method as a remote procedure.
func (b *MethodBuilder) Rpc(name string, opts ...RpcOption) *MethodBuilder {
	if b.invalid {
		return b
	}
	if name == "" {
		b.reg.fail(fmt.Errorf("method %s: %w", b.name, errspkg.ErrRpcNameRequired))
		return b
	}
	md := RpcMetadata{Name: name, MethodName: b.name}
	for _, opt := range opts {
		opt(&md.Options)
	}
	b.reg.SetMethodMetadata(KindRpc, b.name, md)
	return b
}
