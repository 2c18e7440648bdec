// Package httpapi serves the engine over HTTP. Actor identity comes from
// the X-Actor header set by the authenticating proxy in front of it.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/internal/log"
)

// ActorHeader carries the authenticated actor id.
const ActorHeader = "X-Actor"

// Server routes HTTP requests to the engine service.
type Server struct {
	svc     *engine.Service
	router  *mux.Router
	metrics http.Handler
	tracer  trace.Tracer
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithTracer starts a server span per request.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

func NewServer(svc *engine.Service, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		router: mux.NewRouter(),
		tracer: noop.NewTracerProvider().Tracer("noop"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.router.Use(s.logging, s.tracing)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	assets := s.router.PathPrefix("/assets/{assetID}").Subrouter()
	assets.HandleFunc("/metadata", s.handleEditableMetadata).Methods(http.MethodGet)
	assets.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	assets.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	assets.HandleFunc("/rescore", s.handleRequestRescore).Methods(http.MethodPost)
	assets.HandleFunc("/score", s.handleAcceptScore).Methods(http.MethodPost)
	assets.HandleFunc("/fields/{fieldID}", s.handleProposeEdit).Methods(http.MethodPost)
	assets.HandleFunc("/fields/{fieldID}/automatic", s.handleRecordAutomatic).Methods(http.MethodPost)
	assets.HandleFunc("/fields/{fieldID}/override", s.handleClearOverride).Methods(http.MethodDelete)

	changes := s.router.PathPrefix("/changes").Subrouter()
	changes.HandleFunc("/{changeID}", s.handleGetChange).Methods(http.MethodGet)
	changes.HandleFunc("/{changeID}/approve", s.handleApprove).Methods(http.MethodPost)
	changes.HandleFunc("/{changeID}/reject", s.handleReject).Methods(http.MethodPost)

	review := s.router.PathPrefix("/review").Subrouter()
	review.HandleFunc("", s.handleListReview).Methods(http.MethodGet)
	review.HandleFunc("/{kind}/{id}/approve", s.handleResolveReview(true)).Methods(http.MethodPost)
	review.HandleFunc("/{kind}/{id}/reject", s.handleResolveReview(false)).Methods(http.MethodPost)

	s.router.HandleFunc("/suggestions", s.handleSuggestions).Methods(http.MethodPost)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info(log.CatHTTP, "Listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info(log.CatHTTP, "Server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug(log.CatHTTP, "Request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"actor", r.Header.Get(ActorHeader), "duration", time.Since(start))
	})
}

func (s *Server) tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Method
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				name += " " + tpl
			}
		}
		ctx, span := s.tracer.Start(r.Context(), name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
