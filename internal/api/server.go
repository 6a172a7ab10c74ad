// Package api serves the exporter's HTTP surface: the Prometheus scrape
// endpoint and the health and readiness probes.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/celery-exporter/internal/api/mid"
	"github.com/ahrav/celery-exporter/pkg/common/logger"
	"github.com/ahrav/celery-exporter/pkg/common/otel"
)

// DefaultListenAddress is where the exporter listens unless configured otherwise.
const DefaultListenAddress = "0.0.0.0:9540"

const shutdownTimeout = 10 * time.Second

// ReadinessChecker reports whether the exporter has published its initial
// series and is worth scraping.
type ReadinessChecker interface {
	Ready() bool
}

// Server is the exporter's HTTP server.
type Server struct {
	addr   string
	logger *logger.Logger
	router *chi.Mux
}

// NewServer builds the router. metrics serves the scrape endpoint and ready
// backs the readiness probe; a nil ready reports ready unconditionally.
func NewServer(
	addr string,
	metrics http.Handler,
	ready ReadinessChecker,
	log *logger.Logger,
	tracer trace.Tracer,
) *Server {
	if addr == "" {
		addr = DefaultListenAddress
	}
	log = log.With("component", "api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mid.Otel(tracer))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", metrics)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", handleHealth)
		r.Get("/readiness", handleReadiness(ready))
	})
	r.Get("/", handleIndex)

	return &Server{addr: addr, logger: log, router: r}
}

// RegisterRuntimeCollectors adds the Go runtime and process collectors to reg.
func RegisterRuntimeCollectors(reg prom.Registerer) error {
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	return reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler { return s.router }

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Debug(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(ctx),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`<html><head><title>Celery Exporter</title></head>` +
		`<body><h1>Celery Exporter</h1><p><a href="/metrics">Metrics</a></p></body></html>`))
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func handleReadiness(ready ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(s.logger, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", ln.Addr().String())

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
