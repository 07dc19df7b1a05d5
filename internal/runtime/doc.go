/*
Package runtime implements the provider runtime behind cfxflow.

# Architecture Overview

Providers describe their methods through metadata.Registry. The loaders in
this package turn those declarations into live bindings on an Env, which
bundles the config, logger, event bus, frame scheduler, stats and services
of one process.

# Package Structure

## Application (application.go)

Application owns the Env, the loaders and the lifecycle state machine:
  - Start loads modules, runs Initialize hooks and triggers the start steps
  - Stop races the shutdown sequence against GracefulShutdownTimeout
  - onResourceStop and the internal stop event stop the application
  - lifecycle transitions are emitted as CloudEvents (lifecycle.go)

## Loaders

  - event_loader.go: binds OnEvent declarations to bus listeners
  - tick_loader.go: runs Tick declarations on the scheduler with retries
  - once_loader.go: runs lifecycle steps by priority with timeouts
  - rpc_loader.go: request/response calls carried over events
  - provider_loader.go: loads a provider into every loader at once
  - module_loader.go: resolves module imports, services and cycles

## Middleware (middleware.go)

Handlers run through a Chain of Middleware built per kind by DefaultChain:
log, stats, metrics, context, source and recoverer. Job hooks (hooks.go)
plug custom callbacks around a handler.

## Stats & Monitoring (stats.go, metrics.go, http.go)

  - Latency percentiles (p50, p95, p99) and throughput per handler
  - Error categorization
  - Prometheus metrics
  - A read-only JSON introspection API

# Sub-packages

  - config/: runtime configuration with validation and file loading
  - errors/: sentinel errors and error types
  - handlers/: handler signatures, typed adapters and handler context
  - host/: event bus and frame scheduler
  - ids/: ULID generation for call ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: declaration registry and catalog

# Usage Example

	type Race struct{}

	func (Race) Declare(reg *cfxflow.Registry) {
		reg.Method("OnFinish", onFinish).OnEvent("raceFinished", cfxflow.Networked())
		reg.Method("Leaderboard", publish).Tick("leaderboard", cfxflow.EverySecond)
		reg.Method("Standings", standings).Rpc("standings")
	}

	app, err := cfxflow.Create(ctx, cfxflow.Options{Config: cfg, Logger: logger},
		&cfxflow.Module{Name: "race", Providers: []cfxflow.Provider{Race{}}})
*/
package runtime
