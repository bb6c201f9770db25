// Package httpapi is the JSON, SSE and websocket API the browser client
// talks to.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatdesk/internal/chat"
	"chatdesk/internal/metrics"
	"chatdesk/internal/queue"
	"chatdesk/internal/upload"
)

const (
	defaultUserHeader = "X-User-ID"
	// maxRecording bounds one voice capture.
	maxRecording = 2 * time.Minute
	// jsonOverhead is added to the upload limit for JSON bodies that carry
	// a base64 attachment.
	jsonOverhead = 1 << 20
)

// Limiter caps generation requests per user.
type Limiter interface {
	Allow(ctx context.Context, userID string, now time.Time) (bool, int64, time.Time, error)
}

var _ Limiter = (*queue.RateLimiter)(nil)

type Config struct {
	Chat           *chat.Service
	Uploads        *upload.Service
	Limiter        Limiter
	UserHeader     string
	HealthPath     string
	MetricsPath    string
	RequestTimeout time.Duration
	AllowedOrigins []string
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

type Server struct {
	chat           *chat.Service
	uploads        *upload.Service
	limiter        Limiter
	userHeader     string
	healthPath     string
	metricsPath    string
	requestTimeout time.Duration
	origins        map[string]bool
	upgrader       websocket.Upgrader
	mux            *http.ServeMux
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

func New(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.UserHeader == "" {
		cfg.UserHeader = defaultUserHeader
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Uploads == nil {
		cfg.Uploads = upload.New(upload.Config{Logger: cfg.Logger, Metrics: m})
	}
	s := &Server{
		chat:           cfg.Chat,
		uploads:        cfg.Uploads,
		limiter:        cfg.Limiter,
		userHeader:     cfg.UserHeader,
		healthPath:     cfg.HealthPath,
		metricsPath:    cfg.MetricsPath,
		requestTimeout: cfg.RequestTimeout,
		origins:        make(map[string]bool, len(cfg.AllowedOrigins)),
		mux:            http.NewServeMux(),
		logger:         cfg.Logger.With().Str("component", "httpapi").Logger(),
		metrics:        m,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, o := range cfg.AllowedOrigins {
		s.origins[o] = true
	}
	if len(s.origins) > 0 {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		}
	}
	s.routes()
	return s
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.cors(s.mux)
}

type routeOpts struct {
	public  bool
	limited bool
	stream  bool
}

func (s *Server) routes() {
	s.handle("GET "+s.healthPath, s.handleHealth, routeOpts{public: true})
	s.mux.Handle("GET "+s.metricsPath, promhttp.Handler())
	s.handle("GET /api/highlight.css", s.handleHighlightCSS, routeOpts{public: true})

	s.handle("POST /api/chat", s.handleChat, routeOpts{limited: true})
	s.handle("POST /api/chat/stream", s.handleChatStream, routeOpts{limited: true})
	s.handle("POST /api/projects", s.handleStartProject, routeOpts{limited: true})
	s.handle("GET /api/voice", s.handleVoice, routeOpts{limited: true, stream: true})

	s.handle("GET /api/conversations", s.handleListConversations, routeOpts{})
	s.handle("GET /api/conversations/{id}/messages", s.handleMessages, routeOpts{})
	s.handle("PATCH /api/conversations/{id}", s.handleRenameConversation, routeOpts{})
	s.handle("DELETE /api/conversations/{id}", s.handleDeleteConversation, routeOpts{})
	s.handle("GET /api/messages/{id}/files", s.handleMessageFiles, routeOpts{})

	s.handle("POST /api/uploads", s.handleUpload, routeOpts{})

	s.handle("GET /api/config", s.handleGetConfig, routeOpts{})
	s.handle("PUT /api/config", s.handlePutConfig, routeOpts{})
	s.handle("GET /api/profile", s.handleGetProfile, routeOpts{})
	s.handle("PUT /api/profile", s.handlePutProfile, routeOpts{})
	s.handle("GET /api/apikey", s.handleGetAPIKey, routeOpts{})
	s.handle("PUT /api/apikey", s.handlePutAPIKey, routeOpts{})
	s.handle("DELETE /api/apikey", s.handleDeleteAPIKey, routeOpts{})
}

// handle registers h behind the middleware chain. Order, outermost first:
// metrics, panic recovery, identity, rate limit, request timeout.
func (s *Server) handle(pattern string, h http.HandlerFunc, opts routeOpts) {
	var next http.Handler = h
	if !opts.stream && s.requestTimeout > 0 {
		next = s.withTimeout(next)
	}
	if opts.limited {
		next = s.rateLimit(next)
	}
	if !opts.public {
		next = s.identify(next)
	}
	next = s.recoverer(next)
	s.mux.Handle(pattern, s.instrument(pattern, next))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
