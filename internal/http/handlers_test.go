package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/oasa-bus-tracker/internal/cache"
	"github.com/kjstillabower/oasa-bus-tracker/internal/client"
	"github.com/kjstillabower/oasa-bus-tracker/internal/config"
	"github.com/kjstillabower/oasa-bus-tracker/internal/lifecycle"
	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
	"github.com/kjstillabower/oasa-bus-tracker/internal/service"
	"github.com/kjstillabower/oasa-bus-tracker/internal/settings"
	"github.com/kjstillabower/oasa-bus-tracker/internal/testhelpers"
	"github.com/kjstillabower/oasa-bus-tracker/internal/traffic"
	"github.com/kjstillabower/oasa-bus-tracker/internal/validation"
)

type testEnv struct {
	cache    *cache.SnapshotCache
	settings *settings.Manager
	fake     *testhelpers.FakeOASA
	handler  *Handler
	router   http.Handler
}

// newTestEnv wires the handler against a fake OASA server. A nil health
// config keeps health checks to shutdown and provider availability.
func newTestEnv(t *testing.T, health *HealthConfig, logger *zap.Logger) *testEnv {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	fake := testhelpers.NewFakeOASA(t).MainStreet()
	c, err := client.NewOASAClientWithRetry(fake.URL(), time.Second, 1, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("NewOASAClientWithRetry() error = %v", err)
	}
	return newTestEnvWithRoutes(t, service.NewRouteService(c, time.Second), fake, health, logger)
}

func newTestEnvWithRoutes(t *testing.T, routes RouteDetailer, fake *testhelpers.FakeOASA, health *HealthConfig, logger *zap.Logger) *testEnv {
	t.Helper()
	sm := settings.NewManager(filepath.Join(t.TempDir(), "settings.json"), settings.Defaults(20*time.Second), config.DefaultLocation, logger)
	if _, err := sm.Load(); err != nil {
		t.Fatalf("settings Load() error = %v", err)
	}
	sc := cache.NewSnapshotCache(config.DefaultLocation)
	h := NewHandler(sc, routes, sm, health, "", logger)
	return &testEnv{
		cache:    sc,
		settings: sm,
		fake:     fake,
		handler:  h,
		router:   NewRouter(h, logger, RouterConfig{RouteTimeout: 2 * time.Second}),
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

var sighting = models.BusSighting{
	RouteCode: "A10", LineID: "A10", StopID: "101", StopName: "Main St",
	TimeLeft: "5", Latitude: 38.01, Longitude: 23.70, VehicleID: "V1",
}

func TestHandler_EmptySnapshot(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do("GET", "/api/stops", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/stops status = %d, want 200", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("GET /api/stops body = %s, want []", got)
	}

	w = env.do("GET", "/api/buses", "")
	var buses map[string]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&buses); err != nil {
		t.Fatalf("decode buses: %v", err)
	}
	if string(buses["buses"]) != "[]" || string(buses["last_update"]) != "0" {
		t.Errorf("GET /api/buses = %v, want empty buses and last_update 0", buses)
	}
}

func TestHandler_PublishedSnapshot(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	at := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	env.cache.Publish(config.DefaultLocation, []models.Stop{{ID: "101", Description: "Main St"}}, []models.BusSighting{sighting}, at)

	w := env.do("GET", "/api/buses", "")
	var view models.BusesView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode buses: %v", err)
	}
	if len(view.Buses) != 1 || view.Buses[0].VehicleID != "V1" {
		t.Errorf("Buses = %+v, want one sighting of V1", view.Buses)
	}
	if view.LastUpdate != float64(at.Unix()) {
		t.Errorf("LastUpdate = %v, want %v", view.LastUpdate, float64(at.Unix()))
	}

	w = env.do("GET", "/api/status", "")
	var status models.StatusView
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "online" || status.StopsCount != 1 || status.BusesCount != 1 {
		t.Errorf("Status = %+v", status)
	}
	if status.Location != config.DefaultLocation.Name {
		t.Errorf("Status.Location = %q, want %q", status.Location, config.DefaultLocation.Name)
	}
}

func TestHandler_RouteDetail(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do("GET", "/api/routes/A10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var detail models.RouteDetail
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.RouteCode != "A10" || len(detail.RouteStops) != 2 || len(detail.BusLocation) != 1 {
		t.Errorf("detail = %+v", detail)
	}
	if detail.BusLocation[0].VehicleID != "V1" {
		t.Errorf("BusLocation[0] = %+v, want V1", detail.BusLocation[0])
	}
}

func TestHandler_RouteDetail_NoVehicles(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.fake.SetLocations("A10", nil)

	w := env.do("GET", "/api/routes/A10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"bus_location":[]`) {
		t.Errorf("body = %s, want empty bus_location array", w.Body.String())
	}
}

func TestHandler_RouteDetail_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		noClient bool
		fail     bool
		want     int
		wantCode string
	}{
		{"invalid chars", "/api/routes/A-10", false, false, http.StatusBadRequest, "INVALID_ROUTE_CODE"},
		{"too long", "/api/routes/" + strings.Repeat("9", 17), false, false, http.StatusBadRequest, "INVALID_ROUTE_CODE"},
		{"provider missing", "/api/routes/A10", true, false, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
		{"upstream failure", "/api/routes/A10", false, true, http.StatusBadGateway, "UPSTREAM_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env *testEnv
			if tt.noClient {
				env = newTestEnvWithRoutes(t, service.NewRouteService(nil, 0), nil, nil, zap.NewNop())
			} else {
				env = newTestEnv(t, nil, nil)
			}
			if tt.fail {
				env.fake.FailNext(client.OpRouteDetails, 1)
			}

			w := env.do("GET", tt.path, "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			e := decodeError(t, w)
			if e.Error.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", e.Error.Code, tt.wantCode)
			}
			if e.Error.RequestID == "" {
				t.Error("requestId missing from error body")
			}
			if env.fake != nil && tt.want == http.StatusBadRequest && env.fake.Calls(client.OpRouteDetails) != 0 {
				t.Error("invalid route code reached the provider")
			}
		})
	}
}

func TestHandler_Settings(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do("GET", "/api/settings", "")
	var got settings.Settings
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != settings.Defaults(20*time.Second) {
		t.Errorf("GET /api/settings = %+v, want defaults", got)
	}

	w = env.do("PUT", "/api/settings", `{"darkMode": false, "location": {"lat": 37.9755, "lng": 23.7348, "name": "Σύνταγμα"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200: %s", w.Code, w.Body.String())
	}
	cur := env.settings.Get()
	if cur.DarkMode || !cur.SoundEnabled || cur.UpdateInterval != 20 {
		t.Errorf("settings after partial PUT = %+v", cur)
	}
	if loc := env.settings.Location(); loc.Name != "Σύνταγμα" {
		t.Errorf("Location() = %+v, want override", loc)
	}
}

func TestHandler_PutSettings_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"malformed", `{"darkMode":`, "malformed settings body"},
		{"unknown field", `{"volume": 11}`, "malformed settings body"},
		{"interval out of range", `{"updateInterval": 0}`, ""},
		{"latitude out of range", `{"location": {"lat": 123, "lng": 23, "name": "x"}}`, validation.ErrCoordinatesOutOfRange.Error()},
		{"longitude out of range", `{"location": {"lat": 38, "lng": -181, "name": "x"}}`, validation.ErrCoordinatesOutOfRange.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, nil)
			before := env.settings.Get()

			w := env.do("PUT", "/api/settings", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			e := decodeError(t, w)
			if e.Error.Code != "INVALID_SETTINGS" {
				t.Errorf("code = %q, want INVALID_SETTINGS", e.Error.Code)
			}
			if tt.message != "" && e.Error.Message != tt.message {
				t.Errorf("message = %q, want %q", e.Error.Message, tt.message)
			}
			if after := env.settings.Get(); after != before {
				t.Errorf("settings changed on rejected PUT: %+v", after)
			}
		})
	}
}

func TestRouter_RequestTimeoutBoundsSettingsWrites(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	before := env.settings.Get()
	router := NewRouter(env.handler, zap.NewNop(), RouterConfig{RequestTimeout: time.Nanosecond})

	req := httptest.NewRequest("PUT", "/api/settings", strings.NewReader(`{"darkMode": false}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if e := decodeError(t, w); e.Error.Code != "TIMEOUT" {
		t.Errorf("code = %q, want TIMEOUT", e.Error.Code)
	}
	if after := env.settings.Get(); after != before {
		t.Errorf("settings changed after timeout: %+v", after)
	}
}

func TestHandler_IndexFallbackAndTemplate(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	w := env.do("GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, config.DefaultLocation.Name) || !strings.Contains(body, "20000") {
		t.Errorf("fallback page missing location or interval: %s", body)
	}

	dir := t.TempDir()
	tmpl := `<p id="loc">{{.DefaultLocation.Name}}</p><p id="ms">{{.UpdateInterval}}</p>`
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(tmpl), 0644); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(env.cache, service.NewRouteService(nil, 0), env.settings, nil, dir, zap.NewNop())
	w = httptest.NewRecorder()
	h.GetIndex(w, httptest.NewRequest("GET", "/", nil))
	if got := w.Body.String(); got != `<p id="loc">`+config.DefaultLocation.Name+`</p><p id="ms">20000</p>` {
		t.Errorf("template page = %s", got)
	}
}

func TestHandler_NotFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	w := env.do("GET", "/api/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if e := decodeError(t, w); e.Error.Code != "NOT_FOUND" || e.Error.RequestID == "" {
		t.Errorf("error = %+v", e.Error)
	}

	for _, req := range []struct{ method, path string }{
		{"DELETE", "/api/stops"},
		{"POST", "/api/buses"},
		{"DELETE", "/api/routes/2045"},
		{"DELETE", "/health"},
	} {
		w = env.do(req.method, req.path, "")
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", req.method, req.path, w.Code)
			continue
		}
		if e := decodeError(t, w); e.Error.Code != "METHOD_NOT_ALLOWED" || e.Error.RequestID == "" {
			t.Errorf("%s %s error = %+v", req.method, req.path, e.Error)
		}
	}
}

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func getHealth(t *testing.T, env *testEnv) (int, healthBody) {
	t.Helper()
	w := env.do("GET", "/health", "")
	var hb healthBody
	if err := json.NewDecoder(w.Body).Decode(&hb); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, hb
}

func TestHandler_Health(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	t.Cleanup(func() {
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
	})

	health := &HealthConfig{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
		StaleAfter:       time.Minute,
		StartTime:        time.Now(),
		StorePing:        func(context.Context) error { return nil },
	}
	env := newTestEnv(t, health, nil)
	env.cache.Publish(config.DefaultLocation, nil, nil, time.Now())

	code, hb := getHealth(t, env)
	if code != http.StatusOK || hb.Status != "healthy" {
		t.Errorf("health = %d %s, want 200 healthy", code, hb.Status)
	}
	if hb.Checks["store"] != "healthy" || hb.Checks["snapshot"] != "fresh" {
		t.Errorf("checks = %v", hb.Checks)
	}

	env.cache.Publish(config.DefaultLocation, nil, nil, time.Now().Add(-2*time.Minute))
	if code, hb = getHealth(t, env); code != http.StatusOK || hb.Status != "stale" {
		t.Errorf("health = %d %s, want 200 stale", code, hb.Status)
	}

	traffic.RecordRefreshSuccess()
	traffic.RecordRefreshFailure()
	if code, hb = getHealth(t, env); code != http.StatusServiceUnavailable || hb.Status != "degraded" {
		t.Errorf("health = %d %s, want 503 degraded", code, hb.Status)
	}
	if hb.Checks["oasaApi"] != "unhealthy" {
		t.Errorf("checks = %v, want oasaApi unhealthy", hb.Checks)
	}

	lifecycle.SetShuttingDown(true)
	if code, hb = getHealth(t, env); code != http.StatusServiceUnavailable || hb.Status != "shutting-down" {
		t.Errorf("health = %d %s, want 503 shutting-down", code, hb.Status)
	}
}

func TestHandler_Health_ProviderUnavailable(t *testing.T) {
	lifecycle.SetShuttingDown(false)
	env := newTestEnvWithRoutes(t, service.NewRouteService(nil, 0), nil, nil, zap.NewNop())

	code, hb := getHealth(t, env)
	if code != http.StatusServiceUnavailable || hb.Status != "unavailable" {
		t.Errorf("health = %d %s, want 503 unavailable", code, hb.Status)
	}
	if hb.Checks["snapshot"] != "empty" {
		t.Errorf("checks = %v, want snapshot empty", hb.Checks)
	}
}

func TestHandler_Health_NeverRefreshed(t *testing.T) {
	lifecycle.SetShuttingDown(false)
	traffic.Reset()
	health := &HealthConfig{StaleAfter: time.Minute, StartTime: time.Now().Add(-5 * time.Minute)}
	env := newTestEnv(t, health, nil)

	if _, hb := getHealth(t, env); hb.Status != "stale" {
		t.Errorf("status = %s, want stale when no refresh succeeded within StaleAfter", hb.Status)
	}
}

func TestHandler_Health_LogsTransition(t *testing.T) {
	lifecycle.SetShuttingDown(false)
	t.Cleanup(func() { lifecycle.SetShuttingDown(false) })

	core, logs := observer.New(zap.InfoLevel)
	env := newTestEnv(t, nil, zap.New(core))

	getHealth(t, env)
	lifecycle.SetShuttingDown(true)
	getHealth(t, env)

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("transition fields = %v", fields)
	}
}
