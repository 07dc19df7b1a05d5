package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	"github.com/drblury/cfxflow/internal/runtime/jsoncodec"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

func introspectionModule() *Module {
	return &Module{
		Name:     "race",
		Services: []Service{{Name: "race.repo", Value: 1}},
		Providers: []metadata.Provider{newProvider("Race", func(reg *metadata.Registry) {
			reg.Method("OnFinish", noopHandler).OnEvent("raceFinished")
			reg.Method("Boot", noopHandler).Once(metadata.StepServerStart)
			reg.Method("Leaderboard", noopHandler).Tick("leaderboard", time.Hour)
			reg.Method("Standings", noopHandler).Rpc("standings")
		})},
	}
}

func getJSON(t *testing.T, h http.Handler, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), v))
	return rec
}

func TestIntrospectionEndpoints(t *testing.T) {
	app := newTestApp(t, nil, configpkg.Config{ResourceName: "racing"}, introspectionModule())
	require.NoError(t, app.Start(context.Background()))
	h := app.IntrospectionHandler()

	t.Run("state", func(t *testing.T) {
		var body map[string]any
		getJSON(t, h, "/state", &body)
		assert.Equal(t, "running", body["state"])
		assert.Equal(t, "server", body["side"])
		assert.Equal(t, "server", body["node_id"])
		assert.Equal(t, "racing", body["resource"])
	})

	t.Run("events", func(t *testing.T) {
		var body EventLoaderStats
		getJSON(t, h, "/events", &body)
		assert.Equal(t, 1, body.ByEvent["raceFinished"])
	})

	t.Run("ticks", func(t *testing.T) {
		var body []TickInfo
		getJSON(t, h, "/ticks", &body)
		require.Len(t, body, 1)
		assert.Equal(t, "leaderboard", body[0].Name)
		assert.Equal(t, "Race", body[0].Provider)
	})

	t.Run("once", func(t *testing.T) {
		var body map[string]any
		getJSON(t, h, "/once", &body)
		assert.Contains(t, body, "steps")
		assert.Contains(t, body, "history")
	})

	t.Run("rpc", func(t *testing.T) {
		var body struct {
			Methods      []RpcMethodInfo `json:"methods"`
			PendingCalls int             `json:"pending_calls"`
		}
		getJSON(t, h, "/rpc", &body)
		require.Len(t, body.Methods, 1)
		assert.Equal(t, "standings", body.Methods[0].Name)
		assert.Equal(t, "Standings", body.Methods[0].Method)
		assert.Zero(t, body.PendingCalls)
	})

	t.Run("modules", func(t *testing.T) {
		var body []ModuleInfo
		getJSON(t, h, "/modules", &body)
		require.Len(t, body, 1)
		assert.Equal(t, "race", body[0].Name)
		assert.Equal(t, []string{"Race"}, body[0].Providers)
		assert.Equal(t, []string{"race.repo"}, body[0].Services)
	})

	t.Run("transport", func(t *testing.T) {
		var body map[string]any
		getJSON(t, h, "/transport", &body)
		assert.Equal(t, "channel", body["name"])
		assert.Contains(t, body, "capabilities")
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestIntrospectionCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "https://ui.example", want: "*"},
		{name: "matching origin", allowed: []string{"https://ui.example"}, origin: "https://UI.example", want: "https://UI.example"},
		{name: "other origin", allowed: []string{"https://ui.example"}, origin: "https://evil.example", want: ""},
		{name: "not configured", origin: "https://ui.example", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, nil, configpkg.Config{WebUICORSAllowedOrigins: tt.allowed})
			h := app.IntrospectionHandler()

			req := httptest.NewRequest(http.MethodGet, "/state", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestIntrospectionPreflight(t *testing.T) {
	app := newTestApp(t, nil, configpkg.Config{WebUICORSAllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodOptions, "/ticks", nil)
	req.Header.Set("Origin", "https://ui.example")
	rec := httptest.NewRecorder()
	app.IntrospectionHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, rec.Body.String())
}

func TestMetricsHandler(t *testing.T) {
	app := newTestApp(t, nil, configpkg.Config{})

	rec := httptest.NewRecorder()
	app.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cfxflow_rpc_pending_calls")
}

func TestHTTPRoutesShareAPort(t *testing.T) {
	app := newTestApp(t, nil, configpkg.Config{
		MetricsEnabled: true,
		MetricsPort:    9100,
		WebUIEnabled:   true,
		WebUIPort:      9100,
	})
	routes := app.httpRoutes()
	require.Len(t, routes, 1)

	rec := httptest.NewRecorder()
	routes[9100].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	routes[9100].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	disabled := newTestApp(t, nil, configpkg.Config{})
	assert.Empty(t, disabled.httpRoutes())
}
