// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mercury-pos/mercury/internal/audit"
	"github.com/mercury-pos/mercury/internal/cardnetwork"
	"github.com/mercury-pos/mercury/internal/circuitbreaker"
	"github.com/mercury-pos/mercury/internal/config"
	"github.com/mercury-pos/mercury/internal/health"
	"github.com/mercury-pos/mercury/internal/logging"
	"github.com/mercury-pos/mercury/internal/metrics"
	"github.com/mercury-pos/mercury/internal/network"
	"github.com/mercury-pos/mercury/internal/offline"
	"github.com/mercury-pos/mercury/internal/pax"
	"github.com/mercury-pos/mercury/internal/queue"
	"github.com/mercury-pos/mercury/internal/ratelimit"
	"github.com/mercury-pos/mercury/internal/realtime"
	"github.com/mercury-pos/mercury/internal/router"
	"github.com/mercury-pos/mercury/internal/security"
	"github.com/mercury-pos/mercury/internal/terminal"
	"github.com/mercury-pos/mercury/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	agent        *pax.Agent
	manager      *terminal.Manager
	poller       *terminal.Poller
	processor    *queue.Processor
	offlineSvc   *offline.Service
	reconciler   *offline.Reconciler
	monitor      *network.Monitor
	cards        cardnetwork.Client // nil when no card network is configured
	cardBreaker  *circuitbreaker.Breaker
	paymentRtr   *router.Router
	realtimeHub  *realtime.Hub
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCardClient sets a custom card network client (for testing)
func WithCardClient(c cardnetwork.Client) Option {
	return func(s *Server) {
		s.cards = c
	}
}

// WithAgent sets a custom terminal agent (for testing)
func WithAgent(a *pax.Agent) Option {
	return func(s *Server) {
		s.agent = a
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set card client/agent/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		terminalStore terminal.Store
		queueStore    queue.Store
		auditStore    audit.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		terminalStore = terminal.NewPostgresStore(db)
		queueStore = queue.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		terminalStore = terminal.NewMemoryStore()
		queueStore = queue.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Terminal agent speaking the PAX wire protocol over TCP
	if s.agent == nil {
		s.agent = pax.NewAgent(pax.NewTCPTransport(), auditStore, s.logger)
	}

	// Terminal registry with per-terminal circuit breakers
	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	}
	s.manager = terminal.NewManager(terminalStore, s.agent, breakerCfg, s.logger)
	if err := s.manager.Load(ctx); err != nil {
		return nil, err
	}
	s.poller = terminal.NewPoller(s.manager, cfg.TerminalPollInterval, s.logger)

	// Card network client (Stripe). Without an API key the card network
	// channel reads unavailable and payments route to terminals/offline.
	if s.cards == nil && cfg.StripeAPIKey != "" {
		client, err := cardnetwork.NewStripeClient(cfg.StripeAPIKey, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create card network client: %w", err)
		}
		s.cards = client
		s.logger.Info("card network enabled")
	}
	if s.cards == nil {
		s.logger.Warn("no card network configured, card payments route to terminals or offline")
	}

	// Shared breaker for the card network channel; live charges and health
	// pings feed the same failure counters.
	s.cardBreaker = circuitbreaker.New("card_network", breakerCfg, s.logger)

	var pinger network.Pinger
	if s.cards != nil {
		pinger = s.cards
	}
	s.monitor = network.NewMonitor(pinger, s.cardBreaker, cfg.NetworkPingInterval, s.logger)

	// Offline payment policy
	s.offlineSvc = offline.NewService(offline.Config{
		Enabled:                cfg.OfflineEnabled,
		MaxTransactionCents:    cfg.OfflineMaxTransactionCents,
		MaxDailyTotalCents:     cfg.OfflineMaxDailyTotalCents,
		RequireManagerApproval: cfg.OfflineRequireManagerApproval,
		AllowedMethods:         cfg.OfflineAllowedMethods,
	}, auditStore, s.logger)
	if cfg.OfflineEnabled {
		s.logger.Info("offline payments enabled",
			"maxTransactionCents", cfg.OfflineMaxTransactionCents,
			"maxDailyTotalCents", cfg.OfflineMaxDailyTotalCents,
			"methods", cfg.OfflineAllowedMethods,
		)
	}

	// Queue processor for offline capture operations; the gate holds
	// sweeps while the card network is unreachable.
	s.processor = queue.NewProcessor(queueStore, cfg.QueueProcessInterval, s.logger)
	s.processor.Gate(s.monitor.IsCardNetworkAvailable)
	s.processor.RegisterHandler(queue.TypePaymentCapture, s.captureHandler())

	s.reconciler = offline.NewReconciler(
		s.offlineSvc, s.processor, s.monitor.IsCardNetworkAvailable,
		cfg.QueueProcessInterval, s.logger,
	)

	// Payment router over all three processors
	s.paymentRtr = router.New(s.manager, s.cards, s.cardBreaker, s.offlineSvc, s.monitor, s.logger)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Push health sweeps and connectivity flips to register lanes.
	s.poller.OnSweep(func(snapshots []*terminal.Health) {
		for _, h := range snapshots {
			s.realtimeHub.BroadcastTerminalHealth(map[string]interface{}{
				"terminalId": h.TerminalID,
				"online":     h.Online,
				"healthy":    h.Healthy,
				"issues":     h.Issues,
				"lastCheck":  h.LastCheck,
			})
		}
	})
	s.monitor.OnChange(func(online bool) {
		s.realtimeHub.BroadcastNetworkStatus(online)
		if online {
			// Connectivity is back; push pending offline captures immediately
			// instead of waiting for the next sweep.
			go s.reconciler.ReconcileNow(context.Background())
		}
	})

	s.setupHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// captureHandler returns the queue handler that captures one offline card
// payment against the card network.
func (s *Server) captureHandler() queue.Handler {
	return func(ctx context.Context, op *queue.Operation) error {
		payload, err := queue.DecodeCapturePayload(op.Payload)
		if err != nil {
			return err
		}
		return s.offlineSvc.CaptureOfflinePayment(ctx, payload.PaymentID, s.cards, s.monitor.IsCardNetworkAvailable)
	}
}

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.healthReg.Register("card_network", func(ctx context.Context) health.Status {
		st := s.monitor.Status()
		status := health.Status{Name: "card_network", Healthy: st.CardNetwork}
		if !st.CardNetwork {
			status.Detail = st.LastError
			if status.Detail == "" {
				status.Detail = "circuit open"
			}
		}
		return status
	})

	// Terminals degrade health but never fail it outright; a store can
	// still take cash with every terminal down.
	s.healthReg.Register("terminals", func(ctx context.Context) health.Status {
		snapshots := s.manager.GetAllTerminalHealth()
		healthy := 0
		for _, h := range snapshots {
			if h.Healthy {
				healthy++
			}
		}
		return health.Status{
			Name:    "terminals",
			Healthy: true,
			Detail:  fmt.Sprintf("%d/%d healthy", healthy, len(snapshots)),
		}
	})
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
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

	// CORS (register lanes and back office run on the store LAN)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start terminal health poller
	go s.poller.Start(runCtx)

	// Start card network monitor
	go s.monitor.Start(runCtx)

	// Start queue processor and offline reconciler
	go s.processor.Start(runCtx)
	go s.reconciler.Start(runCtx)

	// Collect database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, poller, queue, monitor)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop terminal health poller
	s.poller.Stop()
	s.logger.Info("terminal poller stopped")

	// Stop queue processor and reconciler
	s.processor.Stop()
	s.reconciler.Stop()
	s.logger.Info("offline queue stopped")

	// Stop card network monitor
	s.monitor.Stop()
	s.logger.Info("network monitor stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
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
