package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/veriloop/internal/handler"
	"github.com/connexus-ai/veriloop/internal/middleware"
)

// Dependencies holds everything the router needs to wire the Query API
// (C8) plus the ambient health/metrics surface.
type Dependencies struct {
	DB          handler.DBPinger
	FrontendURL string
	Version     string
	Metrics     *middleware.Metrics
	MetricsReg  *prometheus.Registry

	InternalAuthSecret string

	Query handler.QueryDeps

	// QueryRateLimiter bounds StartQuery calls per user; nil disables
	// rate limiting (e.g. local development).
	QueryRateLimiter *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes: the public
// health/metrics endpoints and the four Query API routes behind the
// identity-assertion middleware (C8, spec.md §6).
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUserID(deps.InternalAuthSecret))

		timeout30s := middleware.Timeout(30 * time.Second)

		startQuery := handler.StartQuery(deps.Query)
		if deps.QueryRateLimiter != nil {
			startQuery = middleware.RateLimit(deps.QueryRateLimiter)(startQuery).ServeHTTP
		}
		r.Post("/v1/queries", startQuery)

		r.With(timeout30s).Get("/v1/queries/{id}", handler.GetSession(deps.Query))
		// Progress polling is frequent and cheap; no write timeout needed.
		r.Get("/v1/queries/{id}/progress", handler.GetProgress(deps.Query))
		r.With(timeout30s).Get("/v1/queries/{id}/ledger", handler.GetLedger(deps.Query))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
