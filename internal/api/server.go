// Package api exposes the pipeline over HTTP: job creation and queries,
// provider webhook ingestion, and operational controls.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

const tenantHeader = "X-Tenant-ID"

type Server struct {
	handlers   *Handlers
	httpServer *http.Server
}

func NewServer(addr string, handlers *Handlers) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", tenantHeader},
	})
	router.Use(corsMiddleware.Handler)

	router.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", handlers.CreateJob)
		r.Get("/jobs/{jobID}", handlers.GetJob)
		r.Get("/jobs/{jobID}/messages", handlers.ListJobMessages)
		r.Post("/jobs/{jobID}/cancel", handlers.CancelJob)

		r.Post("/webhooks/{provider}", handlers.IngestWebhook)

		r.Post("/messages/{messageID}/requeue", handlers.RequeueMessage)
		r.Get("/messages/{messageID}/log", handlers.GetDeliveryLog)

		r.Post("/ops/reap", handlers.TriggerReap)
		r.Get("/ops/ratelimits/{provider}", handlers.InspectRateLimit)
	})

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		handlers: handlers,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
