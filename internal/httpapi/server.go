package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"readly/internal/artifact"
	"readly/internal/config"
	"readly/internal/feedback"
	"readly/internal/history"
	"readly/internal/jobs"
)

// Server bundles the request-handling boundary of the conversion service.
type Server struct {
	manager   *jobs.Manager
	artifacts *artifact.Store
	feedback  *feedback.Store
	history   history.Store
	cfg       config.Config
	logger    *slog.Logger
	throttle  *rate.Limiter
	upgrader  websocket.Upgrader
	startedAt time.Time
}

// Options wires the server's collaborators.
type Options struct {
	Manager   *jobs.Manager
	Artifacts *artifact.Store
	Feedback  *feedback.Store
	History   history.Store
	Config    config.Config
	Logger    *slog.Logger
}

// New constructs the server boundary.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:   opts.Manager,
		artifacts: opts.Artifacts,
		feedback:  opts.Feedback,
		history:   opts.History,
		cfg:       opts.Config,
		logger:    logger,
		throttle:  rate.NewLimiter(rate.Limit(opts.Config.RequestsPerSecond), opts.Config.BurstSize),
		upgrader: websocket.Upgrader{
			// Device identity is an opaque token; origins are not verified.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /convert", s.handleConvert)
	mux.HandleFunc("GET /convert/stream", s.handleConvertStream)
	mux.HandleFunc("GET /convert/ws", s.handleConvertWS)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /download/{job_id}/{format}", s.handleDownload)
	mux.HandleFunc("POST /feedback", s.handleFeedback)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /admin/stats", s.handleAdminStats)

	var handler http.Handler = mux
	handler = throttleMiddleware(s.throttle, handler)
	handler = corsMiddleware(handler)
	handler = logMiddleware(s.logger, handler)
	return handler
}
