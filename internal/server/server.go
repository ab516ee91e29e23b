// Package server exposes the assessment service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/assessment-api/internal/assessment"
	"github.com/sells-group/assessment-api/internal/config"
)

const gracefulShutdownTimeout = 5 * time.Second

// Server wires the assessment service and job pool into an HTTP API.
type Server struct {
	cfg  config.ServerConfig
	svc  *assessment.Service
	pool *assessment.Pool
	log  *zap.Logger
}

// New creates a Server.
func New(cfg config.ServerConfig, svc *assessment.Service, pool *assessment.Pool) *Server {
	return &Server{
		cfg:  cfg,
		svc:  svc,
		pool: pool,
		log:  zap.L().Named("server"),
	}
}

// Router builds the chi router with all API routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(
		chiMiddleware.RequestID,
		chiMiddleware.RealIP,
		chiMiddleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			MaxAge:         300,
		}),
	)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/assessments", func(r chi.Router) {
			r.Post("/", s.handleCreateAssessment)
			r.Post("/from-dataset", s.handleCreateFromDataset)
			r.Get("/", s.handleListTasks)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/events", s.handleListEvents)
				r.Get("/results", s.handleResults)
				r.Get("/results/excel", s.handleResultsExcel)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Post("/{taskID}/documents", s.handleAddDocuments)
			r.Post("/{taskID}/start", s.handleStartSession)
		})

		r.Get("/datasets/{datasetID}/tasks", s.handleTasksByDataset)
		r.Get("/documents/by-hash/{fileHash}", s.handleDocumentsByHash)
	})

	return r
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutdown signal received")
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
	}()

	s.log.Info("listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
