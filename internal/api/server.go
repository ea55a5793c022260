package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/allocator"
	"grid-trading-bot/internal/cache"
	"grid-trading-bot/internal/coordinator"
	"grid-trading-bot/internal/database"
	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/executor"
	"grid-trading-bot/internal/logging"
	"grid-trading-bot/internal/risk"
)

// Server is the control API: start and stop pairs, inspect allocation,
// slippage and cache statistics, manage conditional orders.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	log        zerolog.Logger

	coord       *coordinator.Coordinator
	alloc       *allocator.Allocator
	exec        *executor.Executor
	marketCache *cache.MarketCache
	conditional *risk.ConditionalOrderBook
	limiter     *exchange.RateLimiter // nil in mock mode
	repo        *database.Repository  // nil without a database
}

// NewServer wires the router. limiter and repo may be nil.
func NewServer(cfg config.ServerConfig, coord *coordinator.Coordinator, alloc *allocator.Allocator, exec *executor.Executor, marketCache *cache.MarketCache, conditional *risk.ConditionalOrderBook, limiter *exchange.RateLimiter, repo *database.Repository) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		cfg:         cfg,
		log:         logging.For("api"),
		coord:       coord,
		alloc:       alloc,
		exec:        exec,
		marketCache: marketCache,
		conditional: conditional,
		limiter:     limiter,
		repo:        repo,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)

		api.GET("/pairs", s.handleListPairs)
		api.GET("/pairs/:symbol", s.handleGetPair)
		api.POST("/pairs/:symbol/start", s.handleStartPair)
		api.POST("/pairs/:symbol/stop", s.handleStopPair)
		api.GET("/pairs/:symbol/executions", s.handleExecutions)

		api.GET("/conditional", s.handleListConditional)
		api.POST("/conditional", s.handleAddConditional)
		api.DELETE("/conditional/:id", s.handleCancelConditional)
	}
}

// Start runs the HTTP server in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Info().Str("addr", addr).Msg("control API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("control API server failed")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }
