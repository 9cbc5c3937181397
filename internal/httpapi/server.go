// Package httpapi exposes the engine's UI events over HTTP so a browser or a
// script can drive a headless session.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentic-research/starfield/internal/engine"
	"github.com/agentic-research/starfield/internal/events"
)

// Engine is the part of *engine.Engine the server drives.
type Engine interface {
	View(ctx context.Context) (engine.View, error)
	OnSearchInput(text string)
	OnSelect(id string)
	OnClose()
	DeepLink(username string)
	OnResetJobState()
	OnClearSnapshot()
}

// Server routes requests to the engine.
type Server struct {
	eng      Engine
	events   *events.Recorder
	registry *prometheus.Registry
	logger   *zap.Logger
	validate *validator.Validate
}

// New creates a server. events may be nil, which disables /api/events;
// registry may be nil, which disables /metrics.
func New(eng Engine, rec *events.Recorder, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{eng: eng, events: rec, registry: registry, logger: logger.Named("http"), validate: validator.New()}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.state)
		r.Get("/events", s.listEvents)
		r.Post("/search", s.search)
		r.Post("/select/{id}", s.selectMember)
		r.Post("/deeplink/{username}", s.deepLink)
		r.Post("/close", s.accept(s.eng.OnClose))
		r.Post("/job/reset", s.accept(s.eng.OnResetJobState))
		r.Delete("/snapshot", s.accept(s.eng.OnClearSnapshot))
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down within timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, timeout time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	v, err := s.eng.View(r.Context())
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	s.write(w, http.StatusOK, v)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.fail(w, http.StatusNotFound, errors.New("event history disabled"))
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.fail(w, http.StatusBadRequest, errors.New("since must be a sequence number"))
			return
		}
		since = n
	}
	out := s.events.Since(since)
	if out == nil {
		out = []events.Event{}
	}
	s.write(w, http.StatusOK, out)
}

type searchRequest struct {
	Query string `json:"query" validate:"max=64"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.eng.OnSearchInput(req.Query)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) selectMember(w http.ResponseWriter, r *http.Request) {
	s.eng.OnSelect(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) deepLink(w http.ResponseWriter, r *http.Request) {
	s.eng.DeepLink(chi.URLParam(r, "username"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) accept(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		fn()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	s.write(w, status, map[string]string{"error": err.Error()})
}
