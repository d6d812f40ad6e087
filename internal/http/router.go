package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/oasa-bus-tracker/internal/observability"
)

// RouterConfig holds the routing options that vary by deployment.
type RouterConfig struct {
	// Limiter applies to /api. nil disables rate limiting.
	Limiter *ClientLimiter
	// RequestTimeout bounds the /api endpoints served from the snapshot and settings.
	RequestTimeout time.Duration
	// RouteTimeout bounds live route detail requests.
	RouteTimeout time.Duration
	StaticDir    string
}

// NewRouter registers every endpoint on a new router. The returned handler
// includes CORS, which must run before route matching.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) http.Handler {
	notFound := CorrelationIDMiddleware(logger)(http.HandlerFunc(h.NotFound))
	methodNotAllowed := CorrelationIDMiddleware(logger)(http.HandlerFunc(h.MethodNotAllowed))

	router := mux.NewRouter()
	router.NotFoundHandler = notFound
	router.MethodNotAllowedHandler = methodNotAllowed
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")
	router.HandleFunc("/", h.GetIndex).Methods("GET")
	if cfg.StaticDir != "" {
		router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir)))).Methods("GET")
	}

	api := router.PathPrefix("/api").Subrouter()
	api.NotFoundHandler = notFound
	api.MethodNotAllowedHandler = methodNotAllowed
	api.Use(RateLimitMiddleware(cfg.Limiter))
	local := TimeoutMiddleware(cfg.RequestTimeout)
	api.Handle("/stops", local(http.HandlerFunc(h.GetStops))).Methods("GET")
	api.Handle("/buses", local(http.HandlerFunc(h.GetBuses))).Methods("GET")
	api.Handle("/status", local(http.HandlerFunc(h.GetStatus))).Methods("GET")
	api.Handle("/settings", local(http.HandlerFunc(h.GetSettings))).Methods("GET")
	api.Handle("/settings", local(http.HandlerFunc(h.PutSettings))).Methods("PUT")
	api.Handle("/routes/{route_code}", TimeoutMiddleware(cfg.RouteTimeout)(http.HandlerFunc(h.GetRouteDetail))).Methods("GET")

	return CORSMiddleware(router)
}
