// Package metadata holds the declarations providers make about their
// handlers: which events they listen to, which ticks they run, which
// lifecycle steps they take part in and which RPC methods they serve.
package metadata

import (
	"time"
)

// Kind discriminates the metadata variants.
type Kind string

const (
	KindEvent Kind = "event"
	KindTick  Kind = "tick"
	KindOnce  Kind = "once"
	KindRpc   Kind = "rpc"
)

// Metadata is implemented by every declaration variant.
type Metadata interface {
	Kind() Kind
	// Label is the event name, tick name, step or rpc name.
	Label() string
	// Method is the declaring provider method.
	Method() string
}

// EventMetadata binds a method to a named bus event.
type EventMetadata struct {
	Name       string
	Networked  bool
	Context    bool
	MethodName string
	// Condition, when set, filters deliveries before the handler runs.
	Condition func(args []any) bool
}

func (m EventMetadata) Kind() Kind     { return KindEvent }
func (m EventMetadata) Label() string  { return m.Name }
func (m EventMetadata) Method() string { return m.MethodName }

// RetryPolicy overrides the tick loader's retry defaults for one tick.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// TickMetadata declares a recurring handler.
type TickMetadata struct {
	Interval   time.Duration
	Name       string
	Context    bool
	MethodName string
	Retry      *RetryPolicy
	// Schedule is a standard cron expression. When set it replaces Interval.
	Schedule string
}

func (m TickMetadata) Kind() Kind     { return KindTick }
func (m TickMetadata) Label() string  { return m.Name }
func (m TickMetadata) Method() string { return m.MethodName }

// Step names a lifecycle milestone handled by the once loader.
type Step string

const (
	StepClientStart          Step = "cfx_client_start"
	StepClientStop           Step = "cfx_client_stop"
	StepServerStart          Step = "cfx_server_start"
	StepServerStop           Step = "cfx_server_stop"
	StepSharedStart          Step = "cfx_shared_start"
	StepSharedStop           Step = "cfx_shared_stop"
	StepSharedPlayerLoaded   Step = "cfx_shared_playerLoaded"
	StepSharedPlayerUnloaded Step = "cfx_shared_playerUnloaded"
)

// OnceMetadata attaches a method to a lifecycle step.
type OnceMetadata struct {
	Step       Step
	Reload     bool
	Priority   int
	Timeout    time.Duration
	MethodName string
}

func (m OnceMetadata) Kind() Kind     { return KindOnce }
func (m OnceMetadata) Label() string  { return string(m.Step) }
func (m OnceMetadata) Method() string { return m.MethodName }

// RpcOptions tune how an RPC method is served and called.
type RpcOptions struct {
	Timeout time.Duration
	// Retries is the number of extra attempts made after a call times out.
	Retries int
	// Middleware names extra registered middlewares to wrap the method with.
	Middleware []string
	// Validator rejects calls whose params it returns false for.
	Validator func(params []any) bool
	// Serializer transforms the handler result before it is sent.
	Serializer func(result any) (any, error)
	// Deserializer transforms a received result before it is returned to the
	// caller.
	Deserializer func(result any) (any, error)
}

// RpcMetadata exposes a method as a remotely callable procedure.
type RpcMetadata struct {
	Name       string
	MethodName string
	Options    RpcOptions
}

func (m RpcMetadata) Kind() Kind     { return KindRpc }
func (m RpcMetadata) Label() string  { return m.Name }
func (m RpcMetadata) Method() string { return m.MethodName }

// Tick interval presets.
const (
	EveryFrame          time.Duration = 0
	EverySecond                       = time.Second
	EveryMinute                       = time.Minute
	EveryFiveMinutes                  = 5 * time.Minute
	EveryTenMinutes                   = 10 * time.Minute
	EveryFifteenMinutes               = 15 * time.Minute
	EveryThirtyMinutes                = 30 * time.Minute
	EveryHour                         = time.Hour
)
