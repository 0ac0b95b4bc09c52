package metrics

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PluginRuntime/pkg/hook"
	"PluginRuntime/pkg/plugin"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestHTTPMetrics(t *testing.T) {
	r := New()
	r.ObserveHTTPRequest("/api/v1/plugins", http.MethodGet, http.StatusOK, 20*time.Millisecond)
	r.ObserveHTTPRequest("/api/v1/plugins/{slug}/enable", http.MethodPost, http.StatusInternalServerError, time.Second)
	r.ObserveDelivery("plugin.activated", errors.New("closed"))

	body := scrape(t, r)
	for _, want := range []string{
		`pluginhost_http_requests_total{code="200",handler="/api/v1/plugins",method="GET"} 1`,
		`pluginhost_http_request_errors_total{handler="/api/v1/plugins/{slug}/enable",method="POST"} 1`,
		`pluginhost_http_request_duration_seconds_count{handler="/api/v1/plugins",method="GET"} 1`,
		`pluginhost_events_deliveries_total{event="plugin.activated",result="error"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in scrape:\n%s", want, body)
		}
	}
}

func TestRuntimeCollectorAndHookWatch(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := hook.New(hook.WithLogger(quiet))
	rt, err := plugin.NewRuntime(plugin.Config{PluginDir: t.TempDir()}, plugin.WithHooks(bus), plugin.WithLogger(quiet))
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	r := New()
	r.MustRegister(NewRuntimeCollector(rt))
	stop := r.WatchHooks(bus)

	bus.DoAction(plugin.ActionPermissionDenied, "hello", "content.write")
	bus.AddAction("content.saved", func(args ...any) error { return errors.New("boom") })
	bus.DoAction("content.saved", "post-1")
	stop()
	bus.DoAction(plugin.ActionPermissionDenied, "hello", "content.write")

	body := scrape(t, r)
	for _, want := range []string{
		`pluginhost_plugin_lifecycle_events_total{event="plugin.permission_denied"} 1`,
		`pluginhost_plugin_permission_denials_total{permission="content.write",plugin="hello"} 1`,
		`pluginhost_hook_errors_total{channel="content.saved"} 1`,
		`pluginhost_hook_unmatched_total 1`,
		`pluginhost_plugins{state="activated"} 0`,
		`pluginhost_permission_meter_degraded 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in scrape:\n%s", want, body)
		}
	}
}
