package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/cfxflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	transportpkg "github.com/drblury/cfxflow/transport"
)

// MetricsHandler serves the Prometheus metrics of the application.
func (a *Application) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})
}

// IntrospectionHandler serves the read-only JSON API describing loaded
// handlers, ticks, steps, rpc methods and modules. Routes are relative, so
// it is usually mounted under /api.
func (a *Application) IntrospectionHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.cors)

	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, map[string]any{
			"state":    a.State(),
			"side":     a.env.Side(),
			"node_id":  a.env.Config.NodeID,
			"resource": a.env.Config.ResourceName,
		})
	})
	r.Get("/handlers", func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, a.env.Stats.Snapshot())
	})
	r.Get("/events", func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, a.providers.Events.Stats())
	})
	r.Get("/ticks", func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, a.providers.Ticks.LoadedTicks())
	})
	r.Get("/once", func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, map[string]any{
			"steps":   a.providers.Once.StepStats(),
			"history": a.providers.Once.ExecutionHistory(),
		})
	})
	r.Get("/rpc", func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, map[string]any{
			"methods":       a.providers.Rpc.Methods(),
			"pending_calls": a.providers.Rpc.PendingCalls(),
		})
	})
	r.Get("/modules", func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, a.modules.Describe())
	})
	r.Get("/transport", func(w http.ResponseWriter, _ *http.Request) {
		name := a.env.Config.PubSubSystem
		if name == "" {
			name = transportpkg.DefaultTransport
		}
		a.writeJSON(w, map[string]any{
			"name":         name,
			"capabilities": transportpkg.GetCapabilities(name),
		})
	})
	return r
}

func (a *Application) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		a.logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// cors sets CORS headers for allowed origins and answers preflight requests.
func (a *Application) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := a.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Application) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range a.env.Config.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// httpRoutes groups the enabled surfaces by port; metrics and the
// introspection API share a server when they use the same port.
func (a *Application) httpRoutes() map[int]chi.Router {
	cfg := a.env.Config
	routes := make(map[int]chi.Router)
	router := func(port int) chi.Router {
		r, ok := routes[port]
		if !ok {
			r = chi.NewRouter()
			routes[port] = r
		}
		return r
	}
	if cfg.MetricsEnabled {
		router(cfg.MetricsPort).Handle("/metrics", a.MetricsHandler())
	}
	if cfg.WebUIEnabled {
		router(cfg.WebUIPort).Mount("/api", a.IntrospectionHandler())
	}
	return routes
}

func (a *Application) startHTTPServers() {
	routes := a.httpRoutes()
	if len(routes) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for port, handler := range routes {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.servers = append(a.servers, srv)
		a.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (a *Application) stopHTTPServers(ctx context.Context) {
	a.mu.Lock()
	servers := a.servers
	a.servers = nil
	a.mu.Unlock()

	for _, srv := range servers {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP server shutdown failed", loggingpkg.LogFields{"address": srv.Addr, "error": err.Error()})
		}
		cancel()
	}
}
