package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"warden/internal/models"
)

type routeOptions struct {
	middlewares []mux.MiddlewareFunc
	throttle    func(http.Handler) http.Handler
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeOptions)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(o *routeOptions) {
		o.middlewares = append(o.middlewares, otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/api/v1/health"
			}),
		))
	}
}

// WithCredentialThrottle guards signup and login, which run before the
// caller has a subject the weighted limiter could charge.
func WithCredentialThrottle(middleware func(http.Handler) http.Handler) RouteOption {
	return func(o *routeOptions) {
		o.throttle = middleware
	}
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	o := &routeOptions{}
	for _, opt := range opts {
		opt(o)
	}

	router := mux.NewRouter()
	for _, mw := range o.middlewares {
		router.Use(mw)
	}
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)
	if config.Server.CORS.Enabled {
		router.Use(corsMiddleware(config.Server.CORS))
	}

	credential := func(h http.HandlerFunc) http.Handler {
		if o.throttle == nil {
			return h
		}
		return o.throttle(h)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	api.Handle("/auth/signup", credential(handlers.Signup)).Methods(http.MethodPost)
	api.Handle("/auth/login", credential(handlers.Login)).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", handlers.Logout).Methods(http.MethodPost)
	api.HandleFunc("/auth/session", handlers.Session).Methods(http.MethodGet)

	api.HandleFunc("/account/delete", handlers.DeleteAccount).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin/users/{id:[0-9]+}").Subrouter()
	admin.HandleFunc("/ban", handlers.BanUser).Methods(http.MethodPost)
	admin.HandleFunc("/unban", handlers.UnbanUser).Methods(http.MethodPost)
	admin.HandleFunc("/upgrade", handlers.UpgradeUser).Methods(http.MethodPost)
	admin.HandleFunc("/bans", handlers.ListUserBans).Methods(http.MethodGet)

	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Preflight requests must match a route for the CORS middleware to run.
	api.PathPrefix("").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusMethodNotAllowed, models.ErrorCodeBadRequest, "Method not allowed")
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusNotFound, models.ErrorCodeNotFound, "Not found")
	})

	return router
}
