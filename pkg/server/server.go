// Package server is the HTTP surface of the service: a chi router exposing
// ingest, search, aggregation and suggestion under /api, with request
// validation, error mapping and prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skoposlabs/skopos/pkg/aggregate"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/ingest"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/observability"
	"github.com/skoposlabs/skopos/pkg/search"
	"github.com/skoposlabs/skopos/pkg/store"
	"github.com/skoposlabs/skopos/pkg/suggest"
)

// Server wires the request handlers to the domain services. One server
// serves one organization, resolved at startup.
type Server struct {
	cfg           *config.Config
	store         *store.Store
	organization  *store.Organization
	searcher      *search.Searcher
	aggregator    *aggregate.Aggregator
	suggestor     *suggest.Suggestor
	autocompletor *suggest.Autocompletor
	ingestor      *ingest.Ingestor
	validate      *validator.Validate
	logger        *slog.Logger
}

func New(cfg *config.Config, st *store.Store, organization *store.Organization,
	searcher *search.Searcher, aggregator *aggregate.Aggregator,
	suggestor *suggest.Suggestor, autocompletor *suggest.Autocompletor,
	ingestor *ingest.Ingestor) *Server {
	return &Server{
		cfg:           cfg,
		store:         st,
		organization:  organization,
		searcher:      searcher,
		aggregator:    aggregator,
		suggestor:     suggestor,
		autocompletor: autocompletor,
		ingestor:      ingestor,
		validate:      validator.New(),
		logger:        logger.New("server"),
	}
}

// Router builds the full route tree with middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(observability.GetGlobalMetrics()))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/items", s.handleIngestItems)
		r.Delete("/items", s.handleDeleteItems)
		r.Post("/events", s.handleIngestEvents)
		r.Delete("/events", s.handleFlushEvents)
		r.Put("/collections", s.handleUpdateCollection)
		r.Delete("/collections", s.handleDeleteCollection)
		r.Post("/search", s.handleSearch)
		r.Post("/aggregate", s.handleAggregate)
		r.Post("/suggest", s.handleSuggest)
		r.Post("/autocomplete", s.handleAutocomplete)
		r.Get("/schema/config", s.handleConfigSchema)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// collection resolves a request's collection, creating it on first
// reference. model pins the default embeddings model for new collections.
func (s *Server) collection(ctx context.Context, name, model string) (*store.Collection, error) {
	if model == "" {
		model = s.cfg.Embeddings.DefaultModel
	}
	return s.store.GetOrCreateCollection(ctx, s.organization.ID, name, store.CollectionConfig{}, model)
}
