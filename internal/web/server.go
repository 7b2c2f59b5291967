package web

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/parley/internal/chat"
	"github.com/inercia/parley/internal/conversion"
	"github.com/inercia/parley/internal/logging"
	parleyWeb "github.com/inercia/parley/web"
)

// Defaults for the identity surfaces.
const (
	DefaultCookieName = "session_uuid"
	DefaultQueryParam = "sesion"
)

// maxJSONBody bounds API request bodies.
const maxJSONBody = 16 * 1024

// Config holds the web server configuration.
type Config struct {
	// Backend answers every conversation.
	Backend chat.Backend
	// Settings seed every new conversation.
	Settings chat.Settings

	// CookieName is the session cookie (the storage slot).
	CookieName string
	// QueryParam is the URL query parameter that mirrors the session
	// identifier (the link slot).
	QueryParam string
	// SecureCookie sets the Secure attribute on the session cookie.
	SecureCookie bool
	// LinkSecret signs the cookie-refusal marker in page links. Empty means
	// a random secret per process, so markers do not survive a restart.
	LinkSecret []byte

	// MaxSessions bounds live conversations. Zero means unbounded.
	MaxSessions int
	// IdleTTL evicts conversations idle for longer. Zero disables eviction.
	IdleTTL time.Duration

	// RateLimit applies per client IP to the API and form endpoints.
	RateLimit RateLimitConfig
	// TrustedProxies lists IPs or CIDRs whose X-Forwarded-For is honored.
	TrustedProxies []string

	// StaticDir is an optional filesystem directory to serve static files from
	// instead of the embedded assets.
	StaticDir string

	// Converter renders assistant markdown. Nil uses conversion.DefaultConverter.
	Converter *conversion.Converter
	// Logger defaults to logging.Web().
	Logger *slog.Logger
}

// Server is the web front end of the chat.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	mu         sync.Mutex
	shutdown   bool

	proxies    *TrustedProxyChecker
	linkSecret []byte
	sessions   *SessionRegistry
	limiter  *RateLimiter
	renderer *renderer

	upgrader websocket.Upgrader
	wsConfig WebSocketConfig

	// baseCtx ends event streams on shutdown; hijacked connections are not
	// closed by http.Server.Shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a new web server.
func NewServer(config Config) (*Server, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("web server requires a backend")
	}
	if config.CookieName == "" {
		config.CookieName = DefaultCookieName
	}
	if config.QueryParam == "" {
		config.QueryParam = DefaultQueryParam
	}
	if config.Converter == nil {
		config.Converter = conversion.DefaultConverter()
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Web()
	}

	rd, err := newRenderer(parleyWeb.TemplatesFS, config.Converter)
	if err != nil {
		return nil, err
	}

	staticFS, err := staticFiles(config.StaticDir)
	if err != nil {
		return nil, err
	}

	linkSecret := config.LinkSecret
	if len(linkSecret) == 0 {
		linkSecret = make([]byte, 32)
		if _, err := rand.Read(linkSecret); err != nil {
			return nil, fmt.Errorf("failed to generate link secret: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		logger:   logger,
		proxies:    NewTrustedProxyChecker(config.TrustedProxies),
		linkSecret: linkSecret,
		sessions:   NewSessionRegistry(config.Backend, config.Settings, config.MaxSessions, config.IdleTTL, logging.Session()),
		renderer:   rd,
		upgrader:   newUpgrader(),
		wsConfig:   DefaultWebSocketConfig(),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	s.limiter = NewRateLimiter(config.RateLimit, s.proxies.ClientIP)
	s.sessions.StartSweeper(sweepInterval(config.IdleTTL))

	limited := s.limiter.Middleware

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handlePage)
	mux.Handle("POST /{$}", limited(http.HandlerFunc(s.handleForm)))
	mux.Handle("POST /api/messages", limited(http.HandlerFunc(s.handleMessages)))
	mux.Handle("POST /api/reset", limited(http.HandlerFunc(s.handleReset)))
	mux.Handle("POST /api/presets/{id}", limited(http.HandlerFunc(s.handlePreset)))
	mux.Handle("GET /api/transcript", limited(http.HandlerFunc(s.handleTranscript)))
	mux.Handle("GET /api/events", limited(http.HandlerFunc(s.handleEvents)))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /static/", http.StripPrefix("/static/", s.staticFileHandler(staticFS)))

	s.httpServer = &http.Server{
		Handler:           s.loggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.proxies.HasTrustedProxies() {
		logger.Info("Trusted proxies configured", "count", len(config.TrustedProxies))
	}
	return s, nil
}

func staticFiles(dir string) (fs.FS, error) {
	if dir == "" {
		sub, err := fs.Sub(parleyWeb.StaticFS, "static")
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded static files: %w", err)
		}
		return sub, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("static dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static dir %s is not a directory", dir)
	}
	return os.DirFS(dir), nil
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(listener net.Listener) error {
	return s.httpServer.Serve(listener)
}

// Handler returns the HTTP handler for the server.
// This is useful for testing with httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Sessions returns the conversation registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// UpdateSettings applies new chat settings to live and future conversations.
func (s *Server) UpdateSettings(settings chat.Settings) {
	s.sessions.UpdateSettings(settings)
	s.logger.Info("Chat settings updated", "presets", len(settings.Presets))
}

// Shutdown gracefully shuts down the server. In-flight backend requests are
// cancelled and event streams closed before the listener stops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()
	s.sessions.Close()
	s.limiter.Close()

	return s.httpServer.Shutdown(ctx)
}

// IsShutdown returns whether the server has been shut down.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.IsShutdown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"reason": "server_shutting_down",
		})
		return
	}

	writeJSONOK(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions": map[string]any{
			"active": s.sessions.Len(),
		},
	})
}

// staticFileHandler serves assets with a minimal 404 for unknown files.
func (s *Server) staticFileHandler(staticFS fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(staticFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fsPath := strings.TrimPrefix(r.URL.Path, "/")
		if fsPath == "" || strings.HasSuffix(fsPath, "/") {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		f, err := staticFS.Open(fsPath)
		if err != nil {
			s.logger.Debug("Static file not found", "fs_path", fsPath, "error", err)
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		f.Close()

		w.Header().Set("Cache-Control", "no-cache")
		fileServer.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Hijack implements http.Hijacker for WebSocket support.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		w.status = http.StatusSwitchingProtocols
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"client_ip", s.proxies.ClientIP(r),
		)
	})
}
