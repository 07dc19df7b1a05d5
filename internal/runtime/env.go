package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/host"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

// EnvOptions holds the collaborators used to build an Env. Leave optional
// fields nil to get the defaults.
type EnvOptions struct {
	Config    *configpkg.Config
	Logger    loggingpkg.ServiceLogger
	Bus       *host.Bus
	Scheduler *host.Scheduler
	// Registerer receives the Prometheus collectors.
	// Nil means prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Middlewares are appended after the default chain of every kind.
	Middlewares []MiddlewareRegistration
	// NamedMiddlewares can be requested by RPC methods through
	// metadata.RpcMiddleware.
	NamedMiddlewares []MiddlewareRegistration
	ErrorClassifier  ErrorClassifier
}

// Env is the explicit dependency context shared by the loaders, the module
// pipeline and the application.
type Env struct {
	Config    *configpkg.Config
	Logger    loggingpkg.ServiceLogger
	Bus       *host.Bus
	Scheduler *host.Scheduler
	Metrics   *Metrics
	Stats     *StatsRegistry
	Catalog   *metadata.Catalog
	Services  *ServiceRegistry

	mu     sync.RWMutex
	extras []Middleware
	named  map[string]Middleware
}

// NewEnv validates opts and resolves the configured middlewares.
func NewEnv(opts EnvOptions) (*Env, error) {
	if opts.Config == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if opts.Bus == nil {
		return nil, errspkg.ErrBusRequired
	}
	if opts.Scheduler == nil {
		return nil, errspkg.ErrSchedulerRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	env := &Env{
		Config:    opts.Config,
		Logger:    logger,
		Bus:       opts.Bus,
		Scheduler: opts.Scheduler,
		Stats:     NewStatsRegistry(opts.ErrorClassifier),
		Catalog:   metadata.NewCatalog(),
		Services:  NewServiceRegistry(),
		named:     make(map[string]Middleware),
	}

	// MetricsEnabled only controls the /metrics route.
	env.Metrics = NewMetrics(opts.Registerer)
	if err := env.Metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	for _, reg := range opts.Middlewares {
		if err := env.RegisterMiddleware(reg); err != nil {
			return nil, err
		}
	}
	for _, reg := range opts.NamedMiddlewares {
		if err := env.RegisterNamedMiddleware(reg); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// Side returns the configured side.
func (e *Env) Side() configpkg.Side {
	if e.Config == nil || e.Config.Side == "" {
		return configpkg.SideServer
	}
	return e.Config.Side
}

// IsServer reports whether the runtime runs on the server side.
func (e *Env) IsServer() bool { return e.Side() != configpkg.SideClient }

// Chain returns the default chain for kind followed by the registered extras.
func (e *Env) Chain(kind metadata.Kind) Chain {
	e.mu.RLock()
	extras := append([]Middleware(nil), e.extras...)
	e.mu.RUnlock()
	return DefaultChain(e, e.Side(), kind).With(extras...)
}

// RegisterMiddleware appends a middleware to every chain built afterwards.
func (e *Env) RegisterMiddleware(reg MiddlewareRegistration) error {
	mw, err := reg.resolve(e)
	if err != nil {
		return fmt.Errorf("middleware %s: %w", registrationName(reg), err)
	}
	if mw == nil {
		return nil
	}
	e.mu.Lock()
	e.extras = append(e.extras, mw)
	e.mu.Unlock()
	return nil
}

// RegisterNamedMiddleware makes a middleware available by name. Named
// middlewares only wrap the RPC methods that ask for them.
func (e *Env) RegisterNamedMiddleware(reg MiddlewareRegistration) error {
	if reg.Name == "" {
		return fmt.Errorf("named middleware: %w", errspkg.ErrMethodNameRequired)
	}
	mw, err := reg.resolve(e)
	if err != nil {
		return fmt.Errorf("middleware %s: %w", reg.Name, err)
	}
	if mw == nil {
		return nil
	}
	e.mu.Lock()
	e.named[reg.Name] = mw
	e.mu.Unlock()
	return nil
}

// NamedMiddleware looks up a middleware registered with
// RegisterNamedMiddleware.
func (e *Env) NamedMiddleware(name string) (Middleware, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mw, ok := e.named[name]
	return mw, ok
}

func registrationName(reg MiddlewareRegistration) string {
	if reg.Name == "" {
		return "anonymous_middleware"
	}
	return reg.Name
}

// ServiceRegistry holds the services contributed by modules, keyed by name.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]any
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]any)}
}

// Register stores svc under name. The first registration of a name wins.
func (r *ServiceRegistry) Register(name string, svc any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return false
	}
	r.services[name] = svc
	return true
}

func (r *ServiceRegistry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Remove drops a service. Removing an unknown name is a no-op.
func (r *ServiceRegistry) Remove(name string) {
	r.mu.Lock()
	delete(r.services, name)
	r.mu.Unlock()
}

// Names lists registered service names, sorted.
func (r *ServiceRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the service registered under name as T.
func Resolve[T any](r *ServiceRegistry, name string) (T, error) {
	var zero T
	svc, ok := r.Get(name)
	if !ok {
		return zero, fmt.Errorf("cfxflow: service %q is not registered", name)
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("cfxflow: service %q has type %T, not %T", name, svc, zero)
	}
	return typed, nil
}
