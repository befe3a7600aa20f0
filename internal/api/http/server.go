package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentresume/internal/domain/ports"
	"torrentresume/internal/services/torrent/resume"
)

// ResumeScheduler is the part of the save scheduler the API exposes.
type ResumeScheduler interface {
	Status() resume.Status
	Checkpoint(ctx context.Context) (int, error)
}

type Server struct {
	scheduler   ResumeScheduler
	torrents    ports.TorrentController
	logger      *slog.Logger
	handler     http.Handler
	hub         *statusHub
	metrics     http.Handler
	rateLimit   float64
	rateBurst   int
	checkpoint  time.Duration
	serviceName string
}

type ServerOption func(*Server)

func WithTorrents(ctrl ports.TorrentController) ServerOption {
	return func(s *Server) {
		s.torrents = ctrl
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimit configures the global token bucket. Non-positive values keep
// the defaults.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateLimit = rps
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

// WithMetricsHandler replaces the default Prometheus handler on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithCheckpointTimeout bounds how long POST /resume/checkpoint waits for the
// scheduler loop.
func WithCheckpointTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.checkpoint = d
		}
	}
}

func WithServiceName(name string) ServerOption {
	return func(s *Server) {
		if strings.TrimSpace(name) != "" {
			s.serviceName = name
		}
	}
}

func NewServer(scheduler ResumeScheduler, opts ...ServerOption) *Server {
	s := &Server{
		scheduler:   scheduler,
		rateLimit:   50,
		rateBurst:   100,
		checkpoint:  30 * time.Second,
		serviceName: "torrent-resume",
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}

	s.hub = newStatusHub(s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/resume/checkpoint", s.handleCheckpoint)
	mux.HandleFunc("/torrents", s.handleTorrents)
	mux.HandleFunc("/torrents/", s.handleTorrentByID)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), s.serviceName,
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !isUntracedPath(r.URL.Path)
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateLimit, s.rateBurst, metricsMiddleware(traced)))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

type checkpointResponse struct {
	Requested int           `json:"requested"`
	Status    resume.Status `json:"status"`
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.checkpoint)
	defer cancel()

	n, err := s.scheduler.Checkpoint(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("checkpoint requested", slog.Int("requested", n))
	writeJSON(w, http.StatusAccepted, checkpointResponse{Requested: n, Status: s.scheduler.Status()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWS upgrades to a websocket that receives a "status" message on connect
// and on every broadcast.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.BroadcastStatus()
	if !s.hub.attach(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(s.hub)
}

// BroadcastStatus pushes the current scheduler snapshot to websocket clients.
func (s *Server) BroadcastStatus() {
	if s.scheduler == nil {
		return
	}
	s.hub.publish("status", s.scheduler.Status())
}

// RunBroadcaster pushes status to websocket clients every interval until ctx
// is done.
func (s *Server) RunBroadcaster(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.BroadcastStatus()
		}
	}
}

// Close disconnects all websocket clients.
func (s *Server) Close() {
	s.hub.Close()
}
