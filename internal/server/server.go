// Package server sets up the HTTP control plane: the REST surface a
// controller drives the broker through, plus the provider WebSocket
// endpoint pages connect to.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletgate/internal/backend"
	"github.com/mbd888/walletgate/internal/broker"
	"github.com/mbd888/walletgate/internal/config"
	"github.com/mbd888/walletgate/internal/health"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/policy"
	"github.com/mbd888/walletgate/internal/providersock"
	"github.com/mbd888/walletgate/internal/ratelimit"
	"github.com/mbd888/walletgate/internal/security"
	"github.com/mbd888/walletgate/internal/traces"
	"github.com/mbd888/walletgate/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg            *config.Config
	backend        backend.SigningBackend
	broker         *broker.Broker
	provider       *providersock.Handler
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBackend sets a custom signing backend (for testing).
func WithBackend(be backend.SigningBackend) Option {
	return func(s *Server) {
		s.backend = be
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set backend/logger)
	for _, opt := range opts {
		opt(s)
	}

	if s.backend == nil {
		be, err := backend.NewEthereum(backend.Config{
			RPCURL:      cfg.RPCURL,
			PrivateKeys: cfg.PrivateKeys,
			ChainID:     cfg.ChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("server: backend init: %w", err)
		}
		s.backend = be
	}

	pol := policy.Default()
	pol.Mode = cfg.PolicyMode
	pol.MaxValueEth = cfg.MaxValueEth
	pol.AllowMethods = cfg.AllowMethods
	if err := pol.Validate(); err != nil {
		return nil, err
	}

	s.broker = broker.New(s.backend,
		broker.WithLogger(s.logger),
		broker.WithPolicy(pol),
		broker.WithAutoApprove(cfg.AutoApprove),
	)
	s.provider = providersock.NewHandler(s.broker, s.logger)

	s.checks = health.NewRegistry()
	s.checks.Register("rpc", func(ctx context.Context) health.Status {
		if _, err := s.backend.BlockNumber(ctx); err != nil {
			return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})
	s.checks.Register("broker", func(ctx context.Context) health.Status {
		return health.Status{
			Name:    "broker",
			Healthy: true,
			Detail:  fmt.Sprintf("%d pending", s.broker.PendingCount()),
		}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// Broker exposes the broker, mainly so the MCP server can share it when
// running in-process.
func (s *Server) Broker() *broker.Broker {
	return s.broker
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS: the control plane is localhost tooling, but browser-based
	// controllers still need the headers.
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provider WebSocket endpoint: where the injected page shim connects.
	s.router.GET("/provider", func(c *gin.Context) {
		s.provider.ServeHTTP(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/", s.infoHandler)

	// V1 control API
	v1 := s.router.Group("/v1")
	{
		v1.GET("/status", s.statusHandler)
		v1.GET("/context", s.contextHandler)

		// Pending request table
		v1.GET("/pending", s.pendingHandler)
		v1.POST("/requests/:id/approve", s.approveHandler)
		v1.POST("/requests/:id/reject", s.rejectHandler)
		v1.POST("/requests/approve-next", s.approveNextHandler)
		v1.POST("/requests/reject-next", s.rejectNextHandler)
		v1.GET("/requests/wait", s.waitForRequestHandler)
		v1.POST("/requests/clear", s.clearHandler)

		// Submit a request directly (controller-originated traffic)
		v1.POST("/request", s.submitHandler)

		// Policy and auto-approve
		v1.GET("/policy", s.getPolicyHandler)
		v1.PATCH("/policy", s.updatePolicyHandler)
		v1.POST("/auto-approve", s.autoApproveHandler)

		// Batch settlement
		v1.POST("/drain", s.drainHandler)
		v1.POST("/wait-for-idle", s.waitForIdleHandler)

		// Backend passthrough
		v1.GET("/accounts", s.accountsHandler)
		v1.POST("/accounts/switch", s.switchAccountHandler)
		v1.GET("/chain", s.chainHandler)
		v1.POST("/chain", s.setChainHandler)
		v1.GET("/tx/:hash/wait", s.waitForTransactionHandler)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}
	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // wait-style endpoints hold connections open
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"address", s.backend.Address(),
			"chain_id", s.backend.ChainID(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Pending requests are settled with
// a disconnected error so no page is left hanging on a dead socket.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.broker.Close(ctx)

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Warn("tracing shutdown error", "error", err)
		}
	}

	if err := s.backend.Close(); err != nil {
		s.logger.Error("backend close error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
