package http

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/oasa-bus-tracker/internal/lifecycle"
	"github.com/kjstillabower/oasa-bus-tracker/internal/models"
	"github.com/kjstillabower/oasa-bus-tracker/internal/observability"
	"github.com/kjstillabower/oasa-bus-tracker/internal/service"
	"github.com/kjstillabower/oasa-bus-tracker/internal/settings"
	"github.com/kjstillabower/oasa-bus-tracker/internal/traffic"
	"github.com/kjstillabower/oasa-bus-tracker/internal/validation"
)

// maxSettingsBody bounds PUT /api/settings request bodies.
const maxSettingsBody = 64 << 10

// SnapshotReader is the read side of the snapshot cache.
type SnapshotReader interface {
	Stops() []models.Stop
	Buses() models.BusesView
	Status() models.StatusView
	LastUpdate() time.Time
}

// RouteDetailer serves live route lookups.
type RouteDetailer interface {
	RouteDetail(ctx context.Context, routeCode string) (models.RouteDetail, error)
	Available() bool
}

// SettingsStore reads and persists client settings.
type SettingsStore interface {
	Get() settings.Settings
	Save(s settings.Settings) error
	Location() models.Location
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StaleAfter is the snapshot age past which the service reports stale.
	StaleAfter time.Duration
	StartTime  time.Time
	// StorePing, when set, checks the snapshot mirror store.
	StorePing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	snapshots        SnapshotReader
	routes           RouteDetailer
	settings         SettingsStore
	healthConfig     *HealthConfig
	logger           *zap.Logger
	index            *template.Template
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. templatesDir is searched for index.html;
// when it cannot be parsed a built-in page is served instead.
func NewHandler(
	snapshots SnapshotReader,
	routes RouteDetailer,
	settingsStore SettingsStore,
	healthConfig *HealthConfig,
	templatesDir string,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		snapshots:    snapshots,
		routes:       routes,
		settings:     settingsStore,
		healthConfig: healthConfig,
		logger:       logger,
		index:        loadIndexTemplate(templatesDir, logger),
	}
}

// GetStops handles GET /api/stops.
func (h *Handler) GetStops(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Stops())
}

// GetBuses handles GET /api/buses.
func (h *Handler) GetBuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Buses())
}

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshots.Status())
}

// GetRouteDetail handles GET /api/routes/{route_code}. It always goes to the
// provider; the snapshot is never consulted.
func (h *Handler) GetRouteDetail(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["route_code"]

	detail, err := h.routes.RouteDetail(r.Context(), code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, detail)
	case isInvalidRouteCode(err):
		writeError(w, r, http.StatusBadRequest, "INVALID_ROUTE_CODE", err.Error())
	case errors.Is(err, service.ErrProviderUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "OASA API not initialized")
	default:
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_FAILED", "Failed to retrieve route details")
		requestLogger(r, h.logger).Warn("route detail failed", zap.String("route_code", code), zap.Error(err))
	}
}

func isInvalidRouteCode(err error) bool {
	return errors.Is(err, validation.ErrRouteCodeEmpty) ||
		errors.Is(err, validation.ErrRouteCodeTooLong) ||
		errors.Is(err, validation.ErrRouteCodeInvalidChars)
}

// GetSettings handles GET /api/settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Get())
}

// PutSettings handles PUT /api/settings. Fields missing from the body keep
// their current values.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	s := h.settings.Get()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSettingsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_SETTINGS", "malformed settings body")
		return
	}
	if s.Location != nil {
		if err := validation.ValidateCoordinates(s.Location.Latitude, s.Location.Longitude); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_SETTINGS", err.Error())
			return
		}
	}

	if r.Context().Err() != nil {
		writeError(w, r, http.StatusServiceUnavailable, "TIMEOUT", "Request timed out")
		return
	}

	if err := h.settings.Save(s); err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			writeError(w, r, http.StatusBadRequest, "INVALID_SETTINGS", err.Error())
			return
		}
		requestLogger(r, h.logger).Error("settings save failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to save settings")
		return
	}
	requestLogger(r, h.logger).Info("settings updated")
	writeJSON(w, http.StatusOK, h.settings.Get())
}

// GetIndex handles GET /.
func (h *Handler) GetIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		DefaultLocation models.Location
		UpdateInterval  int
	}{
		DefaultLocation: h.settings.Location(),
		UpdateInterval:  h.settings.Get().UpdateInterval * 1000,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.index.Execute(w, data); err != nil {
		requestLogger(r, h.logger).Error("index render failed", zap.Error(err))
	}
}

// NotFound answers unmatched paths with a JSON error.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	requestLogger(r, h.logger).Debug("not found", zap.String("path", r.URL.Path))
	writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Resource not found")
}

// MethodNotAllowed answers matched paths requested with the wrong method.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"oasaApi": "healthy", "snapshot": "fresh"}
	switch result.reason {
	case "provider_unavailable", "refresh_error_rate":
		checks["oasaApi"] = "unhealthy"
	case "snapshot_stale":
		checks["snapshot"] = "stale"
	}
	if h.snapshots.LastUpdate().IsZero() {
		checks["snapshot"] = "empty"
	}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		if h.healthConfig.StorePing(r.Context()) == nil {
			checks["store"] = "healthy"
		} else {
			checks["store"] = "unhealthy"
		}
	}

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":     result.status,
		"service":    observability.ServiceName,
		"version":    "dev",
		"checks":     checks,
		"lastUpdate": models.UnixSeconds(h.snapshots.LastUpdate()),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > provider unavailable > degraded > stale > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !h.routes.Available() {
		return healthResult{"unavailable", http.StatusServiceUnavailable, "provider_unavailable"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}

	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		failed, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && failed*100 >= h.healthConfig.DegradedErrorPct*total {
			return healthResult{"degraded", http.StatusServiceUnavailable, "refresh_error_rate"}
		}
	}

	// Stale still answers 200: the last snapshot keeps being served.
	if h.healthConfig.StaleAfter > 0 {
		last := h.snapshots.LastUpdate()
		if last.IsZero() {
			if !h.healthConfig.StartTime.IsZero() && time.Since(h.healthConfig.StartTime) > h.healthConfig.StaleAfter {
				return healthResult{"stale", http.StatusOK, "snapshot_stale"}
			}
		} else if time.Since(last) > h.healthConfig.StaleAfter {
			return healthResult{"stale", http.StatusOK, "snapshot_stale"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// requestLogger returns the request-scoped logger, or fallback.
func requestLogger(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if l := observability.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return fallback
}

const fallbackIndex = `<!DOCTYPE html>
<html lang="el">
<head><meta charset="utf-8"><title>OASA bus tracker</title></head>
<body>
<h1>OASA bus tracker</h1>
<p>Tracking buses near {{.DefaultLocation.Name}} ({{.DefaultLocation.Latitude}}, {{.DefaultLocation.Longitude}}).</p>
<ul id="buses"></ul>
<script>
const updateInterval = {{.UpdateInterval}};
async function refresh() {
  const res = await fetch("/api/buses");
  const data = await res.json();
  const list = document.getElementById("buses");
  list.replaceChildren(...data.buses.map(b => {
    const li = document.createElement("li");
    li.textContent = b.LineID + " " + b.stop_name + ": " + b.time_left + "'";
    return li;
  }));
}
refresh();
setInterval(refresh, updateInterval);
</script>
</body>
</html>
`

func loadIndexTemplate(dir string, logger *zap.Logger) *template.Template {
	if dir != "" {
		path := filepath.Join(dir, "index.html")
		tmpl, err := template.ParseFiles(path)
		if err == nil {
			return tmpl
		}
		logger.Warn("index template unavailable, serving built-in page", zap.String("path", path), zap.Error(err))
	}
	return template.Must(template.New("index").Parse(fallbackIndex))
}
