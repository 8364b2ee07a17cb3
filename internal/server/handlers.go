package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mercury-pos/mercury/internal/circuitbreaker"
	"github.com/mercury-pos/mercury/internal/logging"
	"github.com/mercury-pos/mercury/internal/metrics"
	"github.com/mercury-pos/mercury/internal/offline"
	"github.com/mercury-pos/mercury/internal/router"
	"github.com/mercury-pos/mercury/internal/terminal"
	"github.com/mercury-pos/mercury/internal/validation"
)

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming to register lanes
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Payments
	v1.POST("/payments", s.createPayment)
	v1.POST("/payments/:id/capture", s.capturePayment)
	v1.GET("/payments/processors", s.listProcessors)
	v1.GET("/payments/processors/health", s.processorHealth)

	// Offline payment policy and reconciliation
	v1.POST("/payments/offline/check", s.checkOffline)
	v1.GET("/payments/offline/pending", s.pendingOfflinePayments)
	v1.GET("/payments/offline/stats", s.offlineStats)

	// Terminal registry
	v1.POST("/terminals", s.registerTerminal)
	v1.GET("/terminals", s.listTerminals)
	v1.GET("/terminals/health", s.allTerminalHealth)
	v1.GET("/terminals/:id", s.getTerminal)
	v1.PUT("/terminals/:id", s.updateTerminal)
	v1.DELETE("/terminals/:id", s.unregisterTerminal)
	v1.GET("/terminals/:id/health", s.terminalHealth)
	v1.POST("/terminals/:id/cancel", s.cancelTransaction)

	// Offline operation queue
	v1.GET("/queue/metrics", s.queueMetrics)
	v1.POST("/queue/process", s.processQueue)
	v1.POST("/queue/cleanup", s.cleanupQueue)

	// Circuit breakers
	v1.GET("/breakers", s.breakerStats)
	v1.POST("/breakers/card_network/reset", s.resetCardBreaker)

	// Card network connectivity
	v1.GET("/network/status", s.networkStatus)
	v1.POST("/network/check", s.checkNetwork)
}

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else if st.Detail != "" {
			checks[st.Name] = st.Detail
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Mercury",
		"description": "Payment authorization routing with offline resilience for point of sale",
		"version":     "0.1.0",
		"processors":  s.paymentRtr.AvailableProcessors(""),
	})
}

// -----------------------------------------------------------------------------
// Payments
// -----------------------------------------------------------------------------

func (s *Server) createPayment(c *gin.Context) {
	ctx := c.Request.Context()

	var req router.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Description = validation.SanitizeString(req.Description, 200)

	if errs := validation.Validate(
		validation.PositiveAmount("amountCents", req.AmountCents),
		validation.Required("locationId", req.LocationID),
		validation.OneOf("method", req.Method, router.MethodCash, router.MethodCard, router.MethodSplit),
		validation.Required("method", req.Method),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	result, err := s.paymentRtr.RoutePayment(ctx, req)
	if err != nil {
		s.paymentError(c, err)
		return
	}

	// A decline is a routed payment with status=failed, not an error.
	s.realtimeHub.BroadcastPaymentResult(map[string]interface{}{
		"paymentId":  result.PaymentID,
		"processor":  result.Processor,
		"status":     result.Status,
		"method":     result.Method,
		"locationId": result.LocationID,
		"fellBack":   result.FellBack,
	})

	c.JSON(http.StatusCreated, result)
}

// paymentError maps routing failures onto HTTP statuses.
func (s *Server) paymentError(c *gin.Context, err error) {
	var openErr *circuitbreaker.OpenError
	switch {
	case errors.Is(err, router.ErrInvalidMethod):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_method",
			"message": err.Error(),
		})
	case errors.Is(err, router.ErrNoProcessor):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "no_processor",
			"message": "No payment processor can take this payment right now",
		})
	case errors.As(err, &openErr):
		c.Header("Retry-After", strconv.Itoa(int(openErr.RetryAfter.Seconds())+1))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "processor_unavailable",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("payment routing failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "processor_error",
			"message": "Payment could not be processed",
		})
	}
}

func (s *Server) capturePayment(c *gin.Context) {
	ctx := c.Request.Context()
	paymentID := c.Param("id")

	err := s.paymentRtr.CapturePayment(ctx, paymentID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"paymentId": paymentID,
			"status":    "captured",
		})
	case errors.Is(err, offline.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "payment_not_found",
			"message": "No offline payment with this ID",
		})
	case errors.Is(err, offline.ErrAlreadyCaptured):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_captured",
			"message": "Payment has already been captured",
		})
	case errors.Is(err, offline.ErrNotCapturable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_capturable",
			"message": "Payment does not require online capture",
		})
	case errors.Is(err, offline.ErrNetworkUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "network_unavailable",
			"message": "Card network is unreachable, capture will be retried automatically",
		})
	default:
		logging.L(ctx).Error("capture failed", "paymentId", paymentID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "capture_failed",
			"message": "Capture could not be completed",
		})
	}
}

func (s *Server) listProcessors(c *gin.Context) {
	locationID := c.Query("locationId")
	c.JSON(http.StatusOK, gin.H{
		"processors": s.paymentRtr.AvailableProcessors(locationID),
	})
}

func (s *Server) processorHealth(c *gin.Context) {
	locationID := c.Query("locationId")
	c.JSON(http.StatusOK, gin.H{
		"processors": s.paymentRtr.ProcessorHealth(locationID),
	})
}

// -----------------------------------------------------------------------------
// Offline payments
// -----------------------------------------------------------------------------

func (s *Server) checkOffline(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		AmountCents int64  `json:"amountCents"`
		Method      string `json:"method"`
		LocationID  string `json:"locationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	decision, err := s.offlineSvc.CanProcessOffline(ctx, req.AmountCents, req.Method, req.LocationID)
	if err != nil {
		logging.L(ctx).Error("offline check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Offline eligibility check failed",
		})
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) pendingOfflinePayments(c *gin.Context) {
	ctx := c.Request.Context()
	locationID := c.Query("locationId")

	pending, err := s.offlineSvc.GetPendingOfflinePayments(ctx, locationID)
	if err != nil {
		logging.L(ctx).Error("failed to list pending offline payments", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list pending offline payments",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"count":   len(pending),
	})
}

func (s *Server) offlineStats(c *gin.Context) {
	ctx := c.Request.Context()
	locationID := c.Query("locationId")

	days := 7
	if d, err := strconv.Atoi(c.DefaultQuery("days", "7")); err == nil && d > 0 {
		days = d
	}

	stats, err := s.offlineSvc.GetStatistics(ctx, locationID, days)
	if err != nil {
		logging.L(ctx).Error("failed to compute offline statistics", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute offline statistics",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// -----------------------------------------------------------------------------
// Terminals
// -----------------------------------------------------------------------------

func (s *Server) registerTerminal(c *gin.Context) {
	ctx := c.Request.Context()

	var t terminal.Terminal
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	t.Name = validation.SanitizeString(t.Name, 200)

	registered, err := s.manager.Register(ctx, &t)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "registration_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, registered)
}

func (s *Server) listTerminals(c *gin.Context) {
	locationID := c.Query("locationId")
	terminals := s.manager.List(locationID)
	c.JSON(http.StatusOK, gin.H{
		"terminals": terminals,
		"count":     len(terminals),
	})
}

func (s *Server) getTerminal(c *gin.Context) {
	t, err := s.manager.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "terminal_not_found",
			"message": "No terminal with this ID",
		})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) updateTerminal(c *gin.Context) {
	ctx := c.Request.Context()

	var t terminal.Terminal
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	t.ID = c.Param("id")
	t.Name = validation.SanitizeString(t.Name, 200)

	updated, err := s.manager.Update(ctx, &t)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, updated)
	case errors.Is(err, terminal.ErrTerminalNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "terminal_not_found",
			"message": "No terminal with this ID",
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "update_failed",
			"message": err.Error(),
		})
	}
}

func (s *Server) unregisterTerminal(c *gin.Context) {
	ctx := c.Request.Context()

	err := s.manager.Unregister(ctx, c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
	case errors.Is(err, terminal.ErrTerminalNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "terminal_not_found",
			"message": "No terminal with this ID",
		})
	default:
		logging.L(ctx).Error("failed to unregister terminal", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to unregister terminal",
		})
	}
}

func (s *Server) terminalHealth(c *gin.Context) {
	ctx := c.Request.Context()

	h, err := s.manager.CheckTerminalHealth(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "terminal_not_found",
			"message": "No terminal with this ID",
		})
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) allTerminalHealth(c *gin.Context) {
	snapshots := s.manager.GetAllTerminalHealth()
	c.JSON(http.StatusOK, gin.H{
		"terminals": snapshots,
		"count":     len(snapshots),
	})
}

func (s *Server) cancelTransaction(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	err := s.manager.CancelTransaction(ctx, id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	case errors.Is(err, terminal.ErrTerminalNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "terminal_not_found",
			"message": "No terminal with this ID",
		})
	default:
		logging.L(ctx).Error("cancel failed", "terminalId", id, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "cancel_failed",
			"message": err.Error(),
		})
	}
}

// -----------------------------------------------------------------------------
// Queue
// -----------------------------------------------------------------------------

func (s *Server) queueMetrics(c *gin.Context) {
	ctx := c.Request.Context()

	m, err := s.processor.Metrics(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to read queue metrics", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read queue metrics",
		})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) processQueue(c *gin.Context) {
	s.processor.ProcessNow(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
}

func (s *Server) cleanupQueue(c *gin.Context) {
	ctx := c.Request.Context()

	retention := time.Duration(s.cfg.QueueCleanupDays) * 24 * time.Hour
	deleted, err := s.processor.Cleanup(ctx, retention)
	if err != nil {
		logging.L(ctx).Error("queue cleanup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Queue cleanup failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted":       deleted,
		"retentionDays": s.cfg.QueueCleanupDays,
	})
}

// -----------------------------------------------------------------------------
// Circuit breakers & network
// -----------------------------------------------------------------------------

func (s *Server) breakerStats(c *gin.Context) {
	stats := []circuitbreaker.Stats{s.cardBreaker.Stats()}
	stats = append(stats, s.manager.BreakerStats()...)
	c.JSON(http.StatusOK, gin.H{"breakers": stats})
}

func (s *Server) resetCardBreaker(c *gin.Context) {
	s.cardBreaker.Reset()
	logging.L(c.Request.Context()).Info("card network breaker reset manually")
	c.JSON(http.StatusOK, gin.H{
		"status":  "reset",
		"breaker": s.cardBreaker.Stats(),
	})
}

func (s *Server) networkStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.monitor.Status())
}

func (s *Server) checkNetwork(c *gin.Context) {
	online := s.monitor.CheckNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"online":      online,
		"cardNetwork": s.monitor.IsCardNetworkAvailable(),
	})
}
