// Package api exposes the control surface: engine start/stop, position and
// ledger inspection, watchlist management, and a websocket event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"gap-trading-bot/config"
	"gap-trading-bot/internal/cache"
	"gap-trading-bot/internal/events"
	"gap-trading-bot/internal/ledger"
	"gap-trading-bot/internal/logging"
	"gap-trading-bot/internal/position"
	"gap-trading-bot/internal/store"
)

// Engine is the coordinator surface the API drives.
type Engine interface {
	Start() error
	Stop()
	Pause()
	Resume()
	Running() bool
	Paused() bool
	Positions() []position.Snapshot
	Watchlist() []string
	SetWatchlist(symbols []string)
	ClosePosition(ctx context.Context, symbol string, now time.Time) error
	CloseAll(ctx context.Context, now time.Time) error
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	engine     Engine
	ledger     *ledger.DayLedger
	repo       *store.Repository // nil when no database is configured
	kv         *cache.CacheService
	hub        *WSHub
	log        *logging.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, engine Engine, dl *ledger.DayLedger,
	repo *store.Repository, kv *cache.CacheService, bus *events.Bus, log *logging.Logger) *Server {

	if log == nil {
		log = logging.Default().WithComponent("api")
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		cfg:    cfg,
		engine: engine,
		ledger: dl,
		repo:   repo,
		kv:     kv,
		hub:    NewWSHub(log),
		log:    log,
	}
	s.setupRoutes()

	if bus != nil {
		bus.SubscribeAll(s.hub.BroadcastEvent)
	}
	go s.hub.Run()

	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/trades", s.handleTrades)
		api.GET("/evaluations", s.handleEvaluations)

		api.GET("/watchlist", s.handleGetWatchlist)
		api.PUT("/watchlist", s.handleSetWatchlist)

		api.POST("/engine/start", s.handleStart)
		api.POST("/engine/stop", s.handleStop)
		api.POST("/engine/pause", s.handlePause)
		api.POST("/engine/resume", s.handleResume)

		api.POST("/positions/:symbol/close", s.handleClosePosition)
		api.POST("/positions/close-all", s.handleCloseAll)
	}
	s.router.GET("/ws", s.handleWebSocket)
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}
	s.log.Info("API server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
