package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

// Service is a named value a module contributes to the service registry.
type Service struct {
	Name  string
	Value any
}

// Module groups providers and services. Imports are loaded before the
// module's own providers.
type Module struct {
	Name      string
	Providers []metadata.Provider
	Services  []Service
	Imports   []*Module

	// Initialize runs once the application has loaded every module.
	Initialize func(ctx context.Context, env *Env) error
	// Cleanup runs during shutdown. Failures are logged and do not stop the
	// cleanup of other modules.
	Cleanup func(ctx context.Context, env *Env) error
}

// ModuleInfo describes a loaded module.
type ModuleInfo struct {
	Name      string   `json:"name"`
	Providers []string `json:"providers"`
	Services  []string `json:"services"`
	Imports   []string `json:"imports"`
}

// ModuleLoader walks the module import graph and loads each module once.
type ModuleLoader struct {
	env       *Env
	providers *ProviderLoader
	logger    loggingpkg.ServiceLogger

	mu      sync.Mutex
	loaded  map[string]*Module
	order   []string
	loading []string
}

func NewModuleLoader(env *Env, providers *ProviderLoader) *ModuleLoader {
	return &ModuleLoader{
		env:       env,
		providers: providers,
		logger:    env.Logger.With(loggingpkg.LogFields{"component": "modules"}),
		loaded:    make(map[string]*Module),
	}
}

// Load loads m and its imports depth-first. A module that imports itself,
// directly or through other modules, fails with a CyclicImportError. Provider
// failures are logged and do not stop the remaining providers.
func (l *ModuleLoader) Load(ctx context.Context, m *Module) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loading = l.loading[:0]
	return l.load(ctx, m)
}

func (l *ModuleLoader) load(ctx context.Context, m *Module) error {
	if m == nil {
		return errspkg.ErrModuleRequired
	}
	if m.Name == "" {
		return errspkg.ErrModuleNameRequired
	}
	if _, ok := l.loaded[m.Name]; ok {
		l.logger.Debug("[module] Module already loaded", loggingpkg.LogFields{"module": m.Name})
		return nil
	}
	if slices.Contains(l.loading, m.Name) {
		path := append(slices.Clone(l.loading), m.Name)
		return &errspkg.CyclicImportError{Path: path}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.loading = append(l.loading, m.Name)
	defer func() { l.loading = l.loading[:len(l.loading)-1] }()

	for _, imported := range m.Imports {
		if err := l.load(ctx, imported); err != nil {
			return fmt.Errorf("module %s: %w", m.Name, err)
		}
	}

	for _, p := range m.Providers {
		if err := l.providers.Load(p); err != nil {
			l.logger.Error("[module] Provider failed to load", err, loggingpkg.LogFields{"module": m.Name, "provider": metadata.ProviderName(p)})
		}
	}

	for _, svc := range m.Services {
		if !l.env.Services.Register(svc.Name, svc.Value) {
			l.logger.Warn("[module] Service already registered", loggingpkg.LogFields{"module": m.Name, "service": svc.Name})
		}
	}

	l.loaded[m.Name] = m
	l.order = append(l.order, m.Name)
	l.logger.Info("[module] Module loaded", loggingpkg.LogFields{"module": m.Name, "providers": len(m.Providers), "services": len(m.Services)})
	return nil
}

// Unload unloads the providers and services of the named module, or of every
// module in reverse load order when name is empty.
func (l *ModuleLoader) Unload(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if name != "" {
		m, ok := l.loaded[name]
		if !ok {
			return nil
		}
		err := l.unloadModule(ctx, m)
		delete(l.loaded, name)
		l.order = slices.DeleteFunc(l.order, func(n string) bool { return n == name })
		return err
	}

	var errs []error
	for i := len(l.order) - 1; i >= 0; i-- {
		if err := l.unloadModule(ctx, l.loaded[l.order[i]]); err != nil {
			errs = append(errs, err)
		}
	}
	l.loaded = make(map[string]*Module)
	l.order = nil
	return errors.Join(errs...)
}

func (l *ModuleLoader) unloadModule(ctx context.Context, m *Module) error {
	var errs []error
	for _, p := range m.Providers {
		if p == nil {
			continue
		}
		if err := l.providers.Unload(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	for _, svc := range m.Services {
		l.env.Services.Remove(svc.Name)
	}
	l.logger.Debug("[module] Module unloaded", loggingpkg.LogFields{"module": m.Name})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("module %s: %w", m.Name, err)
	}
	return nil
}

func (l *ModuleLoader) IsLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[name]
	return ok
}

// LoadedModules returns the loaded modules in load order.
func (l *ModuleLoader) LoadedModules() []*Module {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Module, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.loaded[name])
	}
	return out
}

// Describe returns the introspection view of the loaded modules.
func (l *ModuleLoader) Describe() []ModuleInfo {
	modules := l.LoadedModules()
	out := make([]ModuleInfo, 0, len(modules))
	for _, m := range modules {
		info := ModuleInfo{
			Name:      m.Name,
			Providers: make([]string, 0, len(m.Providers)),
			Services:  make([]string, 0, len(m.Services)),
			Imports:   make([]string, 0, len(m.Imports)),
		}
		for _, p := range m.Providers {
			info.Providers = append(info.Providers, metadata.ProviderName(p))
		}
		for _, svc := range m.Services {
			info.Services = append(info.Services, svc.Name)
		}
		for _, imported := range m.Imports {
			if imported != nil {
				info.Imports = append(info.Imports, imported.Name)
			}
		}
		out = append(out, info)
	}
	return out
}
