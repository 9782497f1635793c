// Package server exposes the council over HTTP: conversation CRUD, the
// streaming message endpoint, and read-only status surfaces.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/logging"
	"github.com/conclave-ai/conclave/pkg/memory"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/router"
	"github.com/conclave-ai/conclave/pkg/storage"
	"github.com/conclave-ai/conclave/pkg/title"
)

// StatusReporter exposes the MCP registry's status snapshot.
type StatusReporter interface {
	Status() map[string]interface{}
}

// Server wires the HTTP surface to the core collaborators.
type Server struct {
	cfg      *config.Config
	store    *storage.Store
	router   *router.Router
	titles   *title.Generator
	tracker  *metrics.Tracker
	mcp      StatusReporter
	memory   *memory.Adapter
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// Option configures the server.
type Option func(*Server)

// WithMCPStatus attaches the MCP registry for the status endpoint.
func WithMCPStatus(r StatusReporter) Option {
	return func(s *Server) { s.mcp = r }
}

// WithMemory attaches the memory adapter for the status endpoint.
func WithMemory(m *memory.Adapter) Option {
	return func(s *Server) { s.memory = m }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates the HTTP server.
func New(cfg *config.Config, store *storage.Store, rt *router.Router, titles *title.Generator, tracker *metrics.Tracker, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		router:  rt,
		titles:  titles,
		tracker: tracker,
		logger:  logging.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/", s.handleRoot)

	api := engine.Group("/api")
	{
		api.GET("/metrics", s.handleMetrics)
		api.GET("/metrics/ranking", s.handleMetricsRanking)
		api.GET("/mcp/status", s.handleMCPStatus)
		api.GET("/memory/status", s.handleMemoryStatus)

		api.GET("/conversations", s.handleListConversations)
		api.POST("/conversations", s.handleCreateConversation)
		api.GET("/conversations/deleted", s.handleListDeleted)
		api.GET("/conversations/:id", s.handleGetConversation)
		api.POST("/conversations/:id/message", s.handleMessage)
		api.POST("/conversations/:id/message/stream-tokens", s.handleMessageStream)
		api.POST("/conversations/:id/generate-title", s.handleGenerateTitle)
		api.PATCH("/conversations/:id/delete", s.handleSoftDelete)
		api.PATCH("/conversations/:id/restore", s.handleRestore)
		api.DELETE("/conversations/:id/permanent", s.handlePermanentDelete)
	}

	engine.GET("/ws/title-updates", s.handleTitleUpdates)

	return engine
}

// Run starts the server on addr and blocks.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "conclave",
		"status":  "ok",
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.All())
}

func (s *Server) handleMetricsRanking(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ranking": s.tracker.Ranking()})
}

func (s *Server) handleMCPStatus(c *gin.Context) {
	if s.mcp == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, s.mcp.Status())
}

func (s *Server) handleMemoryStatus(c *gin.Context) {
	if s.memory == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":         s.memory.Enabled(),
		"identity_loaded": s.memory.IdentityLoaded(),
		"threshold":       s.cfg.Memory.ConfidenceThreshold,
	})
}

// handleTitleUpdates holds a websocket open for clients that watch title
// changes. The connection is keepalive-only.
func (s *Server) handleTitleUpdates(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
