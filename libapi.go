package cfxflow

import (
	"context"

	runtimepkg "github.com/drblury/cfxflow/internal/runtime"
	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/cfxflow/internal/runtime/handlers"
	"github.com/drblury/cfxflow/internal/runtime/host"
	idspkg "github.com/drblury/cfxflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/cfxflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/cfxflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/cfxflow/transport"
)

type (
	Config                = configpkg.Config
	Side                  = configpkg.Side
	ConfigValidationError = errspkg.ConfigValidationError

	Application = runtimepkg.Application
	Options     = runtimepkg.Options
	State       = runtimepkg.State
	Env         = runtimepkg.Env
	Module      = runtimepkg.Module
	Service     = runtimepkg.Service
	ModuleInfo  = runtimepkg.ModuleInfo

	ServiceRegistry = runtimepkg.ServiceRegistry

	Provider      = metadatapkg.Provider
	NamedProvider = metadatapkg.NamedProvider
	Registry      = metadatapkg.Registry
	MethodBuilder = metadatapkg.MethodBuilder
	Step          = metadatapkg.Step
	Kind          = metadatapkg.Kind
	EventOption   = metadatapkg.EventOption
	TickOption    = metadatapkg.TickOption
	OnceOption    = metadatapkg.OnceOption
	RpcOption     = metadatapkg.RpcOption

	HandlerFunc    = handlerpkg.HandlerFunc
	HandlerContext = handlerpkg.Context

	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	Chain                  = runtimepkg.Chain
	PanicError             = runtimepkg.PanicError

	EventLoader    = runtimepkg.EventLoader
	TickLoader     = runtimepkg.TickLoader
	OnceLoader     = runtimepkg.OnceLoader
	RpcLoader      = runtimepkg.RpcLoader
	ProviderLoader = runtimepkg.ProviderLoader
	ModuleLoader   = runtimepkg.ModuleLoader

	TickInfo      = runtimepkg.TickInfo
	StepStat      = runtimepkg.StepStat
	StepExecution = runtimepkg.StepExecution
	StepFailure   = runtimepkg.StepFailure
	RpcMethodInfo = runtimepkg.RpcMethodInfo
	CallOption    = runtimepkg.CallOption

	Bus       = host.Bus
	Scheduler = host.Scheduler

	HandlerInfo     = runtimepkg.HandlerInfo
	HandlerStats    = runtimepkg.HandlerStats
	ErrorCategory   = runtimepkg.ErrorCategory
	ErrorClassifier = runtimepkg.ErrorClassifier

	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	LifecycleObserver     = runtimepkg.LifecycleObserver
	LifecycleObserverFunc = runtimepkg.LifecycleObserverFunc
	LifecycleEventData    = runtimepkg.LifecycleEventData

	RpcError          = errspkg.RpcError
	TimeoutError      = errspkg.TimeoutError
	StepError         = errspkg.StepError
	CyclicImportError = errspkg.CyclicImportError

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

const (
	SideServer = configpkg.SideServer
	SideClient = configpkg.SideClient

	StateStopped  = runtimepkg.StateStopped
	StateStarting = runtimepkg.StateStarting
	StateRunning  = runtimepkg.StateRunning
	StateStopping = runtimepkg.StateStopping

	StepSharedStart          = metadatapkg.StepSharedStart
	StepSharedStop           = metadatapkg.StepSharedStop
	StepServerStart          = metadatapkg.StepServerStart
	StepServerStop           = metadatapkg.StepServerStop
	StepClientStart          = metadatapkg.StepClientStart
	StepClientStop           = metadatapkg.StepClientStop
	StepSharedPlayerLoaded   = metadatapkg.StepSharedPlayerLoaded
	StepSharedPlayerUnloaded = metadatapkg.StepSharedPlayerUnloaded

	EveryFrame          = metadatapkg.EveryFrame
	EverySecond         = metadatapkg.EverySecond
	EveryMinute         = metadatapkg.EveryMinute
	EveryFiveMinutes    = metadatapkg.EveryFiveMinutes
	EveryTenMinutes     = metadatapkg.EveryTenMinutes
	EveryFifteenMinutes = metadatapkg.EveryFifteenMinutes
	EveryThirtyMinutes  = metadatapkg.EveryThirtyMinutes
	EveryHour           = metadatapkg.EveryHour

	BroadcastTarget      = host.BroadcastTarget
	StopApplicationEvent = runtimepkg.StopApplicationEvent
	ResourceStopEvent    = runtimepkg.ResourceStopEvent
	ResponseSuffix       = runtimepkg.ResponseSuffix

	EventTypeApplicationStarting    = runtimepkg.EventTypeApplicationStarting
	EventTypeApplicationStarted     = runtimepkg.EventTypeApplicationStarted
	EventTypeApplicationStartFailed = runtimepkg.EventTypeApplicationStartFailed
	EventTypeApplicationStopping    = runtimepkg.EventTypeApplicationStopping
	EventTypeApplicationStopped     = runtimepkg.EventTypeApplicationStopped

	CodeMethodNotFound = errspkg.CodeMethodNotFound
	CodeTimeout        = errspkg.CodeTimeout
	CodeValidation     = errspkg.CodeValidation
	CodeInternal       = errspkg.CodeInternal
	CodeShutdown       = errspkg.CodeShutdown
	CodeUnknown        = errspkg.CodeUnknown
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTimeout    = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryShutdown   = runtimepkg.ErrorCategoryShutdown
	ErrorCategoryPanic      = runtimepkg.ErrorCategoryPanic
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

var (
	New            = runtimepkg.New
	MustNew        = runtimepkg.MustNew
	Create         = runtimepkg.Create
	LoadConfigFile = configpkg.LoadFile
	ValidateConfig = configpkg.ValidateConfig

	// Event options
	Networked        = metadatapkg.Networked
	Local            = metadatapkg.Local
	WithEventContext = metadatapkg.WithContext
	When             = metadatapkg.Condition

	// Tick options
	WithTickContext = metadatapkg.TickContext
	Retries         = metadatapkg.Retries
	Schedule        = metadatapkg.Schedule

	// Once options
	Reload   = metadatapkg.Reload
	Priority = metadatapkg.Priority
	Timeout  = metadatapkg.Timeout

	// Rpc options
	RpcTimeout    = metadatapkg.RpcTimeout
	RpcRetries    = metadatapkg.RpcRetries
	RpcMiddleware = metadatapkg.RpcMiddleware
	Validator     = metadatapkg.Validator
	Serializer    = metadatapkg.Serializer
	Deserializer  = metadatapkg.Deserializer

	// Call options
	WithCallTimeout = runtimepkg.WithCallTimeout
	WithCallRetries = runtimepkg.WithCallRetries
	WithTarget      = runtimepkg.WithTarget

	HandlerFromFunc    = handlerpkg.Func
	SourceFrom         = handlerpkg.SourceFrom
	HandlerFromContext = handlerpkg.FromContext
	Sleep              = handlerpkg.Sleep

	DefaultChain        = runtimepkg.DefaultChain
	LogMiddleware       = runtimepkg.LogMiddleware
	MetricsMiddleware   = runtimepkg.MetricsMiddleware
	ContextMiddleware   = runtimepkg.ContextMiddleware
	SourceMiddleware    = runtimepkg.SourceMiddleware
	RecovererMiddleware = runtimepkg.RecovererMiddleware
	StatsMiddleware     = runtimepkg.StatsMiddleware
	ConditionMiddleware = runtimepkg.ConditionMiddleware

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewRpcError = errspkg.NewRpcError

	ErrTimeout        = errspkg.ErrTimeout
	ErrValidation     = errspkg.ErrValidation
	ErrShutdown       = errspkg.ErrShutdown
	ErrStepFailed     = errspkg.ErrStepFailed
	ErrCyclicImport   = errspkg.ErrCyclicImport
	ErrTargetRequired = errspkg.ErrTargetRequired
	ErrServerOnly     = errspkg.ErrServerOnly
	ErrConfigRequired = errspkg.ErrConfigRequired
	ErrAppStopped     = errspkg.ErrAppStopped

	GetCapabilities   = transportpkg.GetCapabilities
	RegisterTransport = transportpkg.Register
	BuildTransport    = transportpkg.Build

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	CreateULID = idspkg.CreateULID
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// Typed adapts fn to a HandlerFunc that decodes the first argument into T.
func Typed[T any, R any](fn func(ctx context.Context, in T) (R, error)) HandlerFunc {
	return handlerpkg.Typed(fn)
}

// Arg decodes args[index] into T.
func Arg[T any](args []any, index int) (T, error) {
	return handlerpkg.DecodeArg[T](args, index)
}

// Resolve returns the service registered under name as T.
func Resolve[T any](services *ServiceRegistry, name string) (T, error) {
	return runtimepkg.Resolve[T](services, name)
}

// CallAs calls method through the application's RPC loader and decodes the
// result into T.
func CallAs[T any](ctx context.Context, app *Application, method string, params []any, opts ...CallOption) (T, error) {
	return runtimepkg.CallAs[T](ctx, app.Providers().Rpc, method, params, opts...)
}
