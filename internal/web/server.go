package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vitos/copy_trade_ledger/internal/infrastructure/events"
	"github.com/vitos/copy_trade_ledger/internal/usecase"
)

type Options struct {
	Addr             string
	RequireSignature bool
	SignatureMaxAge  time.Duration
	RateLimit        float64
	RateBurst        int
}

type Server struct {
	engine   *gin.Engine
	server   *http.Server
	ledger   *usecase.Ledger
	executor *usecase.TradeExecutor
	hub      *events.Hub
	metrics  http.Handler
	limiter  *callerLimiter
	nonces   *nonceCache
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewServer wires the HTTP API. executor, hub and metrics are optional.
func NewServer(
	opts Options,
	ledger *usecase.Ledger,
	executor *usecase.TradeExecutor,
	hub *events.Hub,
	metrics http.Handler,
	logger *zap.Logger,
) *Server {
	if opts.SignatureMaxAge <= 0 {
		opts.SignatureMaxAge = 5 * time.Minute
	}
	s := &Server{
		engine:   gin.New(),
		ledger:   ledger,
		executor: executor,
		hub:      hub,
		metrics:  metrics,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
	s.nonces = newNonceCache(opts.SignatureMaxAge)
	if opts.RateLimit > 0 {
		s.limiter = newCallerLimiter(opts.RateLimit, opts.RateBurst, func() time.Time { return s.now() })
	}
	// ClientIP must come from the connection, not from forwarding headers.
	if err := s.engine.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to reset trusted proxies", zap.Error(err))
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.engine.Group("/api/v1")
	api.Use(s.rateLimit(clientKey))

	// Public reads
	api.GET("/traders", s.handleListTraders)
	api.GET("/traders/:address", s.handleGetTrader)
	api.GET("/traders/:address/stats", s.handleTraderStats)
	api.GET("/traders/:address/copiers", s.handleCopiers)
	api.GET("/copy/:copier/:trader", s.handleGetRelationship)
	api.GET("/positions", s.handleListPositions)
	api.GET("/positions/:id", s.handleGetPosition)
	api.GET("/accounts/:address", s.handlePortfolio)
	api.GET("/events", s.handleListEvents)
	if s.hub != nil {
		api.GET("/events/stream", s.handleEventStream)
	}
	if s.executor != nil {
		api.GET("/prices/:symbol", s.handlePrice)
	}

	// Caller-authenticated writes
	auth := api.Group("", s.callerAuth(), s.rateLimit(callerKeyOf))
	auth.POST("/traders", s.handleRegisterTrader)
	auth.PUT("/traders/me", s.handleUpdateTrader)
	auth.DELETE("/traders/me", s.handleDeregisterTrader)

	auth.POST("/copy", s.handleStartCopying)
	auth.PUT("/copy/:trader", s.handleUpdateCopySettings)
	auth.DELETE("/copy/:trader", s.handleStopCopying)

	auth.POST("/positions", s.handleOpenPosition)
	auth.POST("/positions/:id/close", s.handleClosePosition)

	auth.POST("/funds/deposit", s.handleDeposit)
	auth.POST("/funds/withdraw", s.handleWithdraw)

	admin := auth.Group("/admin")
	admin.POST("/pause", s.handlePause)
	admin.POST("/unpause", s.handleUnpause)
	admin.POST("/platform-fee", s.handleSetPlatformFee)
	admin.POST("/traders/:address/verify", s.handleVerifyTrader)
	admin.POST("/mark-price", s.handleMarkPrice)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
