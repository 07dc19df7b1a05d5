package runtime

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

// ProviderLoader loads a provider into the event, once, tick and rpc
// loaders. The chains each loader builds follow the configured side.
type ProviderLoader struct {
	env    *Env
	logger loggingpkg.ServiceLogger

	Events *EventLoader
	Once   *OnceLoader
	Ticks  *TickLoader
	Rpc    *RpcLoader
}

func NewProviderLoader(env *Env, tickOpts TickLoaderOptions) *ProviderLoader {
	return &ProviderLoader{
		env:    env,
		logger: env.Logger.With(loggingpkg.LogFields{"component": "providers"}),
		Events: NewEventLoader(env),
		Once:   NewOnceLoader(env),
		Ticks:  NewTickLoader(env, tickOpts),
		Rpc:    NewRpcLoader(env),
	}
}

// Load runs all four loaders for p. Invalid declarations recorded on the
// provider's registry are logged and skipped; the errors of every loader
// are logged and returned joined.
func (l *ProviderLoader) Load(p metadata.Provider) error {
	if p == nil {
		return errspkg.ErrProviderRequired
	}
	name := metadata.ProviderName(p)

	reg := l.env.Catalog.Describe(p)
	if err := reg.Err(); err != nil {
		l.logger.Error("[module] Provider has invalid declarations", err, loggingpkg.LogFields{"provider": name})
	}

	var errs []error
	if err := l.Events.Load(p); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	if err := l.Once.Load(p); err != nil {
		errs = append(errs, fmt.Errorf("once: %w", err))
	}
	if err := l.Ticks.Load(p); err != nil {
		errs = append(errs, fmt.Errorf("ticks: %w", err))
	}
	if err := l.Rpc.Load(p); err != nil {
		errs = append(errs, fmt.Errorf("rpc: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		l.logger.Error("[module] Failed to load provider", err, loggingpkg.LogFields{"provider": name})
		return fmt.Errorf("provider %s: %w", name, err)
	}
	l.logger.Debug("[module] Provider loaded", loggingpkg.LogFields{"provider": name})
	return nil
}

// Unload removes p from every loader, or everything when p is nil.
func (l *ProviderLoader) Unload(ctx context.Context, p metadata.Provider) error {
	l.Events.Unload(p)
	l.Once.Unload(p)
	err := l.Ticks.Unload(ctx, p)
	l.Rpc.Unload(p)
	if p != nil {
		l.env.Catalog.Forget(p)
	}
	return err
}

// IsProviderLoaded reports whether p is loaded in any loader.
func (l *ProviderLoader) IsProviderLoaded(p metadata.Provider) bool {
	return l.Events.IsProviderLoaded(p) || l.Once.IsProviderLoaded(p) ||
		l.Ticks.IsProviderLoaded(p) || l.Rpc.IsProviderLoaded(p)
}
