// Package server exposes the management API: node status and lifecycle over
// HTTP plus live log streaming over WebSocket, both on one listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomium/nodeward/internal/metrics"
)

// ErrPortInUse is returned by Start when the management port is already
// bound. Callers surface it distinctly because the fix (pick another port or
// stop the other daemon) differs from other listen failures.
var ErrPortInUse = errors.New("management port already in use")

// Config holds the management server settings.
type Config struct {
	Port     int    `json:"port" mapstructure:"port"`
	BindHost string `json:"bind_host" mapstructure:"bind_host"`
	// APIKey gates all management endpoints when non-empty.
	APIKey string `json:"api_key" mapstructure:"api_key"`
	// CORSOrigins is the browser origin allowlist. Empty denies all
	// cross-origin callers; "*" allows any.
	CORSOrigins []string `json:"cors_origins" mapstructure:"cors_origins"`
	CertFile    string   `json:"cert_file" mapstructure:"cert_file"`
	KeyFile     string   `json:"key_file" mapstructure:"key_file"`
}

func (c *Config) addr() string {
	host := c.BindHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", c.Port))
}

// NodeStatus is the wire shape of GET /api/status.
type NodeStatus struct {
	Name            string     `json:"name"`
	Running         bool       `json:"running"`
	Healthy         bool       `json:"healthy"`
	State           string     `json:"state"`
	PID             int        `json:"pid,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	PublicURL       string     `json:"public_url,omitempty"`
	Models          []string   `json:"models,omitempty"`
	RestartCount    int        `json:"restart_count"`
	LastRestartTime *time.Time `json:"last_restart_time,omitempty"`
	TotalDowntimeMS int64      `json:"total_downtime_ms"`
	LastExitCode    *int       `json:"last_exit_code,omitempty"`
}

// Controller is what the server drives; the supervisor facade implements it.
type Controller interface {
	Status(ctx context.Context) (NodeStatus, error)
	StartNode(ctx context.Context) error
	StopNode(ctx context.Context, force bool) error
}

// Server is the management HTTP/WebSocket endpoint. Log streaming shares the
// HTTP listener; there is no second port to firewall.
type Server struct {
	cfg    Config
	ctrl   Controller
	stream *LogStream
	logger *slog.Logger

	httpSrv   *http.Server
	boundAddr string
	serveErr  chan error
}

func New(cfg Config, ctrl Controller, stream *LogStream, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, ctrl: ctrl, stream: stream, logger: logger}
}

// Handler builds the gin router. Exposed separately so tests can drive it
// without a real listener.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(s.corsMiddleware())

	g.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := g.Group("/api", s.apiKeyMiddleware())
	api.GET("/status", s.handleStatus)
	api.POST("/start", s.handleStart)
	api.POST("/stop", s.handleStop)

	if s.stream != nil {
		// The stream does its own pre-upgrade auth; the JSON middleware's
		// 401 body would corrupt the upgrade response.
		g.GET("/ws/logs", s.stream.handleWS)
	}
	return g
}

// Start binds the listener and serves in the background. A port conflict is
// reported as ErrPortInUse before any goroutine is spawned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrPortInUse, s.cfg.addr())
		}
		return fmt.Errorf("management listen: %w", err)
	}
	s.boundAddr = ln.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if s.stream != nil {
		s.stream.Run()
	}

	s.serveErr = make(chan error, 1)
	go func() {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			err = s.httpSrv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = s.httpSrv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- err
		}
		close(s.serveErr)
	}()
	s.logger.Info("management server listening", "addr", s.boundAddr,
		"tls", s.cfg.CertFile != "", "auth", s.cfg.APIKey != "")
	return nil
}

// BoundAddr returns the listener address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Err reports an asynchronous serve failure, if any.
func (s *Server) Err() <-chan error { return s.serveErr }

// Stop shuts down in streaming-first order: refuse new WebSocket upgrades
// and close subscribers, then drain the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.stream != nil {
		s.stream.Close()
	}
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// --- Middleware ---

// apiKeyMiddleware rejects requests lacking the configured key before any
// handler runs. No key configured means unauthenticated local use.
func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey == "" {
			c.Next()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			const prefix = "Bearer "
			if h := c.GetHeader("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
				key = h[len(prefix):]
			}
		}
		if key != s.cfg.APIKey {
			c.Header("WWW-Authenticate", "Bearer")
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// corsMiddleware implements the origin allowlist. Disallowed origins get no
// CORS headers at all, which is how a browser learns it may not read the
// response; the request itself is still served for non-browser clients.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.ctrl.Status(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.ctrl.StartNode(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleStop(c *gin.Context) {
	force := c.Query("force") == "1" || c.Query("force") == "true"
	if err := s.ctrl.StopNode(c.Request.Context(), force); err != nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
