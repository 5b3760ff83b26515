package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"content-curator/internal/handlers"
	"content-curator/internal/middleware"
)

func New(feedHandler *handlers.FeedHandler, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Get("/feed", feedHandler.Feed)
	})

	return r
}
