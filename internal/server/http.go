// Package server wires the HTTP API and the gRPC health endpoint.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/sinhamajestic/3device-app/internal/health"
	"github.com/sinhamajestic/3device-app/internal/server/middleware"
	"github.com/sinhamajestic/3device-app/internal/server/respond"
	sessionhandler "github.com/sinhamajestic/3device-app/internal/session/handler"
)

// Deps holds what the HTTP router needs.
type Deps struct {
	// Sessions serves /api/v1/sessions and /api/v1/user/profile.
	Sessions *sessionhandler.Handler
	// Verifier authenticates every /api/v1 request.
	Verifier middleware.TokenVerifier
	// Health backs /readyz.
	Health *health.Checker
	// AllowedOrigins are the CORS origins allowed to call the API.
	AllowedOrigins []string
	// RequestTimeout bounds each request; zero means no bound.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// NewRouter builds the HTTP handler:
//   - GET /          banner
//   - GET /healthz   liveness
//   - GET /readyz    session store ping
//   - /api/v1/...    bearer-authenticated session and profile routes
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog(deps.Logger, "/healthz", "/readyz"))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if deps.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(deps.RequestTimeout))
	}

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "API is running"})
	})
	r.Get("/healthz", health.Healthz)
	if deps.Health != nil {
		r.Get("/readyz", deps.Health.Readyz)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(deps.Verifier, deps.Logger))
		deps.Sessions.Routes(r)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respond.Error(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respond.Error(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}
