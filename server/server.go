// Package server exposes the broker over HTTP: REST endpoints for jobs and
// periods plus SSE and WebSocket progress streams.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/jupark12/docflow/broker"
	"github.com/jupark12/docflow/common"
	"github.com/jupark12/docflow/store"
)

// Options tunes the HTTP surface.
type Options struct {
	Uploads           store.Uploads
	MaxUploadBytes    int64
	StreamMaxDuration time.Duration
	KeepAlive         time.Duration
	RequestTimeout    time.Duration
}

// Server handles HTTP requests for job and period management
type Server struct {
	broker   *broker.Broker
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewServer creates a new server instance
func NewServer(b *broker.Broker, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	if opts.StreamMaxDuration <= 0 {
		opts.StreamMaxDuration = 30 * time.Minute
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.Uploads.Root == "" {
		opts.Uploads.Root = ".uploads"
	}
	return &Server{
		broker: b,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(v1 chi.Router) {
		// streams stay open longer than any request timeout
		v1.Get("/jobs/{jobID}/events", s.jobEvents)
		v1.Get("/jobs/{jobID}/ws", s.jobSocket)
		v1.Get("/periods/{periodID}/events", s.periodEvents)
		v1.Get("/periods/{periodID}/ws", s.periodSocket)

		v1.Group(func(api chi.Router) {
			api.Use(chiMiddleware.Timeout(s.opts.RequestTimeout))

			api.Post("/jobs", s.createJob)
			api.Get("/jobs", s.listJobs)
			api.Get("/jobs/{jobID}", s.getJob)

			api.Post("/periods", s.createPeriod)
			api.Get("/periods", s.listPeriods)
			api.Get("/periods/{periodID}", s.getPeriod)
			api.Delete("/periods/{periodID}", s.deletePeriod)
			api.Post("/periods/{periodID}/lock", s.lockPeriod)
			api.Delete("/periods/{periodID}/jobs/{jobID}", s.detachJob)
			api.Get("/periods/{periodID}/export", s.exportPeriod)

			api.Get("/analysis/errors", s.errorSummary)
			api.Get("/stats", s.stats)
		})
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) errorSummary(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.broker.ErrorSummary()
	if !ok {
		common.RespondWithError(w, http.StatusNotFound, "error analysis is disabled")
		return
	}
	common.RespondWithJSON(w, http.StatusOK, summary)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	common.RespondWithJSON(w, http.StatusOK, s.broker.Stats())
}
