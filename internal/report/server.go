package report

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/spotguard/internal/observe"
	"github.com/psantana5/spotguard/pkg/auth"
	"github.com/psantana5/spotguard/pkg/logging"
	"github.com/psantana5/spotguard/pkg/ratelimit"
)

// Status is the /status payload.
type Status struct {
	JobID       string         `json:"job_id"`
	Attempt     int            `json:"attempt"`
	RunID       string         `json:"run_id"`
	State       string         `json:"state"`
	ResumedFrom string         `json:"resumed_from,omitempty"`
	WorkerPID   int            `json:"worker_pid,omitempty"`
	Worker      *observe.Usage `json:"worker,omitempty"`
	Syncs       int            `json:"syncs"`
	FailedSyncs int            `json:"failed_syncs"`
	RecentSyncs []SyncRecord   `json:"recent_syncs"`
	Uptime      string         `json:"uptime"`
}

// StatusFunc produces the current status.
type StatusFunc func(ctx context.Context) Status

// Server serves /metrics, /healthz and /status.
type Server struct {
	router  *mux.Router
	server  *http.Server
	logger  *logging.Logger
	metrics *Metrics
	status  StatusFunc
	addr    net.Addr
}

// NewServer builds the HTTP surface for addr. Call Start to listen.
func NewServer(addr string, metrics *Metrics, status StatusFunc, logger *logging.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger.Component("http"),
		metrics: metrics,
		status:  status,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
}

// WithTLS serves over TLS using cfg.
func (s *Server) WithTLS(cfg *tls.Config) *Server {
	s.server.TLSConfig = cfg
	return s
}

// WithAuth requires a bearer token on every route except /healthz.
func (s *Server) WithAuth(v auth.Verifier) *Server {
	s.router.Use(auth.Middleware(v, "/healthz"))
	return s
}

// WithRateLimit throttles each client address. It wraps the whole router,
// so rejected requests never reach the token check.
func (s *Server) WithRateLimit(l *ratelimit.Limiter) *Server {
	s.server.Handler = l.Middleware(ratelimit.IPKeyFunc)(s.server.Handler)
	return s
}

// Handler exposes the full handler chain for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start listens in the background. It fails only if the address is unusable.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	if s.server.TLSConfig != nil {
		ln = tls.NewListener(ln, s.server.TLSConfig)
	}
	s.addr = ln.Addr()
	s.logger.Info("status server listening", logging.Fields{"addr": ln.Addr().String(), "tls": s.server.TLSConfig != nil})
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", logging.Fields{"error": err})
		}
	}()
	return nil
}

// Addr is the address Start listens on, nil before Start.
func (s *Server) Addr() net.Addr { return s.addr }

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status(r.Context())); err != nil {
		s.logger.Warn("status encode failed", logging.Fields{"error": err})
	}
}
