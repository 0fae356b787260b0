package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "keyauth/internal/api/context"
	"keyauth/internal/api/handlers"
	"keyauth/internal/api/middleware"
	"keyauth/internal/pkg/errors"
)

type Dependencies struct {
	ActionHandler   *handlers.ActionHandler
	HealthHandler   *handlers.HealthHandler
	MetricsHandler  *handlers.MetricsHandler
	StoreMiddleware *middleware.StoreMiddleware
	CORS            *middleware.CORS
	ClientIPs       *middleware.ClientIPResolver
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	common := []func(http.HandlerFunc) http.HandlerFunc{
		middleware.NewRequestLogger(deps.ClientIPs),
		middleware.Recover,
		deps.CORS.Handle,
	}
	with := func(extra ...func(http.HandlerFunc) http.HandlerFunc) []func(http.HandlerFunc) http.HandlerFunc {
		return append(append([]func(http.HandlerFunc) http.HandlerFunc{}, common...), extra...)
	}

	// Action endpoint, also served at the legacy function path
	action := chain(deps.ActionHandler.Handle, with(deps.StoreMiddleware.Handle)...)
	router.POST("/api", action)
	router.POST("/.netlify/functions/auth", action)

	banner := chain(deps.HealthHandler.Banner, common...)
	router.GET("/", banner)
	router.GET("/api", banner)
	router.GET("/.netlify/functions/auth", banner)

	router.GET("/health", chain(deps.HealthHandler.Check, common...))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	// Preflight for any path
	router.GlobalOPTIONS = deps.CORS.Handle(func(w http.ResponseWriter, r *http.Request) {})
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			router.GlobalOPTIONS.ServeHTTP(w, r)
			return
		}
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Not found", nil)
	})

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
