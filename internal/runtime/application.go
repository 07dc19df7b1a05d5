package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/host"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/cfxflow/transport"
	_ "github.com/drblury/cfxflow/transport/transports"
)

// State is the lifecycle state of an Application.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Events that stop a running application.
const (
	StopApplicationEvent = "cfxflow.__internal__.stop_application"
	ResourceStopEvent    = "onResourceStop"
)

// Options configure a new Application. Only Config is commonly set; the
// rest defaults sensibly.
type Options struct {
	Config *configpkg.Config
	Logger loggingpkg.ServiceLogger
	// Transport replaces the transport built from Config.PubSubSystem. The
	// application does not close a transport it did not build.
	Transport *transportpkg.Transport
	// Registerer and Gatherer back the Prometheus metrics. Nil means the
	// default registry.
	Registerer       prometheus.Registerer
	Gatherer         prometheus.Gatherer
	Middlewares      []MiddlewareRegistration
	NamedMiddlewares []MiddlewareRegistration
	ErrorClassifier  ErrorClassifier
	Observers        []LifecycleObserver
}

type shutdownSignal struct {
	done   chan struct{}
	once   sync.Once
	result bool
}

func newShutdownSignal() *shutdownSignal {
	return &shutdownSignal{done: make(chan struct{})}
}

func (s *shutdownSignal) resolve(result bool) {
	s.once.Do(func() {
		s.result = result
		close(s.done)
	})
}

func (s *shutdownSignal) wait(ctx context.Context) bool {
	select {
	case <-s.done:
		return s.result
	case <-ctx.Done():
		return false
	}
}

type stopListener struct {
	event string
	id    host.ListenerID
}

// Application owns the dependency context and sequences module loading,
// the lifecycle steps and shutdown.
type Application struct {
	env       *Env
	providers *ProviderLoader
	modules   *ModuleLoader
	logger    loggingpkg.ServiceLogger
	lifecycle *lifecycleSubject
	gatherer  prometheus.Gatherer

	transport     transportpkg.Transport
	ownsTransport bool

	mu            sync.Mutex
	state         State
	registered    []*Module
	shutdown      *shutdownSignal
	stopListeners []stopListener
	servers       []*http.Server
	closed        bool
}

// New builds an application from opts without starting it.
func New(ctx context.Context, opts Options) (*Application, error) {
	cfg := configpkg.Config{}
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.NewSlogServiceLogger(slog.Default())
	}
	logger.Info("Creating application", loggingpkg.LogFields{
		"side":          string(cfg.Side),
		"node_id":       cfg.NodeID,
		"pubsub_system": cfg.PubSubSystem,
		"config":        cfg.String(),
	})

	var tr transportpkg.Transport
	owns := opts.Transport == nil
	if owns {
		built, err := transportpkg.Build(ctx, &cfg, loggingpkg.NewWatermillAdapter(logger))
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		tr = built
	} else {
		tr = *opts.Transport
	}

	bus, err := host.NewBus(context.WithoutCancel(ctx), host.BusOptions{
		Side:       cfg.Side,
		NodeID:     cfg.NodeID,
		Publisher:  tr.Publisher,
		Subscriber: tr.Subscriber,
		Logger:     logger,
	})
	if err != nil {
		if owns {
			_ = tr.Close()
		}
		return nil, fmt.Errorf("create event bus: %w", err)
	}
	scheduler := host.NewScheduler(cfg.FrameInterval)

	env, err := NewEnv(EnvOptions{
		Config:           &cfg,
		Logger:           logger,
		Bus:              bus,
		Scheduler:        scheduler,
		Registerer:       opts.Registerer,
		Middlewares:      opts.Middlewares,
		NamedMiddlewares: opts.NamedMiddlewares,
		ErrorClassifier:  opts.ErrorClassifier,
	})
	if err != nil {
		scheduler.Close()
		_ = bus.Close()
		if owns {
			_ = tr.Close()
		}
		return nil, err
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		if g, ok := opts.Registerer.(prometheus.Gatherer); ok {
			gatherer = g
		} else {
			gatherer = prometheus.DefaultGatherer
		}
	}

	providers := NewProviderLoader(env, TickLoaderOptionsFromConfig(&cfg))
	app := &Application{
		env:           env,
		providers:     providers,
		modules:       NewModuleLoader(env, providers),
		logger:        logger,
		lifecycle:     newLifecycleSubject("cfxflow/"+cfg.ResourceName, logger),
		gatherer:      gatherer,
		transport:     tr,
		ownsTransport: owns,
		state:         StateStopped,
	}
	for _, o := range opts.Observers {
		if err := app.RegisterObserver(o); err != nil {
			_ = app.Close()
			return nil, err
		}
	}
	return app, nil
}

// Create builds the application, adds modules and starts it.
func Create(ctx context.Context, opts Options, modules ...*Module) (*Application, error) {
	app, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		if err := app.AddModule(m); err != nil {
			_ = app.Close()
			return nil, err
		}
	}
	if err := app.Start(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

// MustNew is New for wiring code that cannot continue without an
// application. It panics on error.
func MustNew(ctx context.Context, opts Options) *Application {
	app, err := New(ctx, opts)
	if err != nil {
		panic(err)
	}
	return app
}

// AddModule registers a module to be loaded on Start.
func (a *Application) AddModule(m *Module) error {
	if m == nil {
		return errspkg.ErrModuleRequired
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateStopped {
		return errspkg.ErrAppRunning
	}
	a.registered = append(a.registered, m)
	return nil
}

// Start loads the registered modules in order, runs their Initialize hooks,
// wires the stop listeners and triggers the start steps. Starting an
// application that is not stopped only logs a warning. On failure everything
// loaded so far is unloaded, the state reverts to stopped and the error is
// returned. A Stop that lands while starting wins and Start returns
// ErrAppStopped.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateStopped {
		state := a.state
		a.mu.Unlock()
		a.logger.Warn("Application is already started", loggingpkg.LogFields{"state": string(state)})
		return nil
	}
	a.state = StateStarting
	signal := newShutdownSignal()
	a.shutdown = signal
	modules := append([]*Module(nil), a.registered...)
	a.mu.Unlock()

	a.lifecycle.notify(ctx, EventTypeApplicationStarting, a.eventData(StateStarting, nil, nil))

	err := a.start(ctx, modules)

	a.mu.Lock()
	stopped := a.state != StateStarting
	if err == nil && !stopped {
		a.state = StateRunning
	}
	a.mu.Unlock()

	if stopped {
		// a concurrent Stop owns the shutdown
		a.logger.Warn("Application stopped while starting", nil)
		if err != nil {
			return errors.Join(errspkg.ErrAppStopped, err)
		}
		return errspkg.ErrAppStopped
	}
	if err != nil {
		a.release(context.WithoutCancel(ctx))
		a.mu.Lock()
		a.state = StateStopped
		a.mu.Unlock()
		signal.resolve(false)
		a.logger.Error("Application failed to start", err, nil)
		a.lifecycle.notify(ctx, EventTypeApplicationStartFailed, a.eventData(StateStopped, nil, err))
		return err
	}

	a.logger.Info("Application started", loggingpkg.LogFields{"modules": len(modules)})
	a.lifecycle.notify(ctx, EventTypeApplicationStarted, a.eventData(StateRunning, nil, nil))
	return nil
}

func (a *Application) start(ctx context.Context, modules []*Module) error {
	for _, m := range modules {
		if err := a.modules.Load(ctx, m); err != nil {
			return fmt.Errorf("load module: %w", err)
		}
	}
	for _, m := range a.modules.LoadedModules() {
		if m.Initialize == nil {
			continue
		}
		if err := m.Initialize(ctx, a.env); err != nil {
			return fmt.Errorf("initialize module %s: %w", m.Name, err)
		}
	}

	if !a.env.Config.DisableStopListener {
		if err := a.wireStopListeners(); err != nil {
			return err
		}
	}
	a.startHTTPServers()

	if err := a.providers.Once.Trigger(ctx, metadata.StepSharedStart); err != nil {
		return err
	}
	sideStep := metadata.StepServerStart
	if !a.env.IsServer() {
		sideStep = metadata.StepClientStart
	}
	return a.providers.Once.Trigger(ctx, sideStep)
}

func (a *Application) wireStopListeners() error {
	stop := func(context.Context, ...any) (any, error) {
		go a.Stop(context.Background())
		return nil, nil
	}
	resourceStop := func(_ context.Context, args ...any) (any, error) {
		if len(args) > 0 {
			if name, ok := args[0].(string); ok && name == a.env.Config.ResourceName {
				go a.Stop(context.Background())
			}
		}
		return nil, nil
	}

	internalID, err := a.env.Bus.AddEventListener(StopApplicationEvent, stop, false)
	if err != nil {
		return fmt.Errorf("wire stop listener: %w", err)
	}
	resourceID, err := a.env.Bus.AddEventListener(ResourceStopEvent, resourceStop, false)
	if err != nil {
		_ = a.env.Bus.RemoveEventListener(StopApplicationEvent, internalID)
		return fmt.Errorf("wire stop listener: %w", err)
	}

	a.mu.Lock()
	a.stopListeners = append(a.stopListeners,
		stopListener{event: StopApplicationEvent, id: internalID},
		stopListener{event: ResourceStopEvent, id: resourceID},
	)
	a.mu.Unlock()
	return nil
}

func (a *Application) removeStopListeners() {
	a.mu.Lock()
	listeners := a.stopListeners
	a.stopListeners = nil
	a.mu.Unlock()

	for _, l := range listeners {
		_ = a.env.Bus.RemoveEventListener(l.event, l.id)
	}
}

// Stop shuts the application down and reports whether the shutdown finished
// within GracefulShutdownTimeout. A stopped application returns true; a
// concurrent Stop waits for and returns the result of the stop in progress.
// When the timeout wins the state still becomes stopped while the cleanup
// keeps running in the background.
func (a *Application) Stop(ctx context.Context) bool {
	a.mu.Lock()
	switch a.state {
	case StateStopped:
		a.mu.Unlock()
		return true
	case StateStopping:
		signal := a.shutdown
		a.mu.Unlock()
		return signal.wait(ctx)
	}
	a.state = StateStopping
	signal := a.shutdown
	a.mu.Unlock()

	a.logger.Info("Stopping application", nil)
	a.lifecycle.notify(ctx, EventTypeApplicationStopping, a.eventData(StateStopping, nil, nil))

	timeout := a.env.Config.GracefulShutdownTimeout
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.performShutdown(context.WithoutCancel(ctx))
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	graceful := false
	select {
	case <-done:
		graceful = true
	case <-timer.C:
		a.logger.Warn("Graceful shutdown timed out", loggingpkg.LogFields{"timeout": timeout.String()})
	case <-ctx.Done():
		a.logger.Warn("Shutdown abandoned by caller", loggingpkg.LogFields{"error": ctx.Err().Error()})
	}

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()
	signal.resolve(graceful)

	a.logger.Info("Application stopped", loggingpkg.LogFields{"graceful": graceful})
	a.lifecycle.notify(ctx, EventTypeApplicationStopped, a.eventData(StateStopped, &graceful, nil))
	return graceful
}

func (a *Application) performShutdown(ctx context.Context) {
	stopSteps := []metadata.Step{metadata.StepSharedStop, metadata.StepServerStop}
	if !a.env.IsServer() {
		stopSteps[1] = metadata.StepClientStop
	}
	for _, step := range stopSteps {
		if err := a.providers.Once.Trigger(ctx, step); err != nil {
			a.logger.Error("Stop step failed", err, loggingpkg.LogFields{"step": string(step)})
		}
	}

	modules := a.modules.LoadedModules()
	for i := len(modules) - 1; i >= 0; i-- {
		if err := cleanupModule(ctx, modules[i], a.env); err != nil {
			a.logger.Error("[module] Module cleanup failed", err, loggingpkg.LogFields{"module": modules[i].Name})
		}
	}

	a.release(ctx)
}

// release unloads every module and provider and tears down the stop
// listeners and HTTP servers. It runs at the end of a shutdown and after a
// failed start.
func (a *Application) release(ctx context.Context) {
	if err := a.modules.Unload(ctx, ""); err != nil {
		a.logger.Error("[module] Failed to unload modules", err, nil)
	}
	if err := a.providers.Unload(ctx, nil); err != nil {
		a.logger.Error("Failed to unload providers", err, nil)
	}
	a.removeStopListeners()
	a.stopHTTPServers(ctx)
}

func cleanupModule(ctx context.Context, m *Module, env *Env) (err error) {
	if m.Cleanup == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup of %s panicked: %v", m.Name, r)
		}
	}()
	return m.Cleanup(ctx, env)
}

// WaitForShutdown blocks until the current run has stopped. It returns true
// right away when the application is stopped, otherwise the result of the
// stop that ends the run.
func (a *Application) WaitForShutdown(ctx context.Context) bool {
	a.mu.Lock()
	if a.state == StateStopped {
		a.mu.Unlock()
		return true
	}
	signal := a.shutdown
	a.mu.Unlock()
	return signal.wait(ctx)
}

// Run starts the application and blocks until ctx is done or a stop event
// ends the run, then stops it.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	signal := a.shutdown
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		if !a.Stop(context.WithoutCancel(ctx)) {
			return errors.New("cfxflow: graceful shutdown timed out")
		}
	case <-signal.done:
		if !signal.result {
			return errors.New("cfxflow: graceful shutdown timed out")
		}
	}
	return nil
}

// Close stops the application when needed and releases the bus, the
// scheduler and a transport built by New.
func (a *Application) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.Stop(context.Background())
	a.env.Scheduler.Close()

	var errs []error
	if err := a.env.Bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.ownsTransport {
		if err := a.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *Application) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Env returns the dependency context.
func (a *Application) Env() *Env { return a.env }

func (a *Application) Providers() *ProviderLoader { return a.providers }

func (a *Application) Modules() *ModuleLoader { return a.modules }

// RegisterObserver subscribes o to lifecycle events.
func (a *Application) RegisterObserver(o LifecycleObserver) error {
	return a.lifecycle.register(o)
}

func (a *Application) UnregisterObserver(id string) {
	a.lifecycle.unregister(id)
}

// Call invokes an RPC method on the other side.
func (a *Application) Call(ctx context.Context, method string, params []any, opts ...CallOption) (any, error) {
	return a.providers.Rpc.Call(ctx, method, params, opts...)
}

// TriggerStep triggers a lifecycle step by hand, for example
// StepSharedPlayerLoaded.
func (a *Application) TriggerStep(ctx context.Context, step metadata.Step, args ...any) error {
	return a.providers.Once.Trigger(ctx, step, args...)
}

func (a *Application) eventData(state State, graceful *bool, err error) LifecycleEventData {
	data := LifecycleEventData{
		State:    state,
		Side:     string(a.env.Side()),
		NodeID:   a.env.Config.NodeID,
		Resource: a.env.Config.ResourceName,
		Graceful: graceful,
		Time:     time.Now().UTC(),
	}
	for _, m := range a.modules.LoadedModules() {
		data.Modules = append(data.Modules, m.Name)
	}
	if err != nil {
		data.Error = err.Error()
	}
	return data
}
