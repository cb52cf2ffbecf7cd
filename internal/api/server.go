// Package api exposes the operator HTTP surface: status, circuit breaker
// state, manual analysis triggers, configuration and the lifecycle log.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"upbit-trading-bot/internal/bot"
	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/lifecycle"
	"upbit-trading-bot/internal/settings"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int
	ProductionMode bool
}

// Server is the operator API server.
type Server struct {
	router   *gin.Engine
	config   ServerConfig
	bot      *bot.Bot
	breaker  *circuit.Breaker
	store    *settings.Store
	recorder *lifecycle.Recorder
	db       *database.DB

	httpServer *http.Server
}

// NewServer creates the API server and registers routes.
func NewServer(config ServerConfig, b *bot.Bot, breaker *circuit.Breaker, store *settings.Store, recorder *lifecycle.Recorder, db *database.DB) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		config:   config,
		bot:      b,
		breaker:  breaker,
		store:    store,
		recorder: recorder,
		db:       db,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/status", s.handleStatus)
	s.router.GET("/circuit-breaker/status", s.handleBreakerStatus)
	s.router.POST("/circuit-breaker/reset", s.handleBreakerReset)
	s.router.POST("/analyze/:market", s.handleAnalyze)

	s.router.GET("/config", s.handleConfigList)
	s.router.GET("/config/:key", s.handleConfigGet)
	s.router.PUT("/config", s.handleConfigPut)
	s.router.DELETE("/config/:key", s.handleConfigDelete)

	s.router.GET("/lifecycle", s.handleLifecycle)
}

// Start runs the HTTP server until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.config.Port).Msg("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
