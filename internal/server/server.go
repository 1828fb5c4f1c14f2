// Package server exposes the query API, the websocket stream and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"defi-agents/internal/storage"
)

// LedgerReader is the read side of the ledger.
type LedgerReader interface {
	Query(ctx context.Context, accountKey string, agentType *storage.AgentType) ([]storage.AgentStats, error)
	History(ctx context.Context, filter storage.ExecutionFilter) ([]storage.ExecutionRecord, error)
}

// Config describes the HTTP server dependencies. WS, Metrics and Rounds are optional.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Ledger       LedgerReader
	Rounds       storage.RoundStore
	WS           http.Handler
	Metrics      http.Handler
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger zerolog.Logger
}

// New builds the router.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("server: ledger reader is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{cfg: cfg, logger: logger.With().Str("component", "http").Logger()}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api/accounts/:account")
	api.GET("/stats", s.handleStats)
	api.GET("/executions", s.handleExecutions)
	api.GET("/rounds", s.handleRounds)

	if cfg.WS != nil {
		router.GET("/ws", gin.WrapH(cfg.WS))
	}
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	s.router = router
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// Start serves until ctx is cancelled or listening fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("ip", c.ClientIP()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
