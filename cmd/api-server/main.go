package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/analytics"
	"github.com/enterprise/aml-engine/internal/auth"
	"github.com/enterprise/aml-engine/internal/ingestion"
	"github.com/enterprise/aml-engine/internal/metrics"
	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/monitor"
	"github.com/enterprise/aml-engine/internal/queue"
	"github.com/enterprise/aml-engine/internal/repositories"
	"github.com/enterprise/aml-engine/internal/rulestore"
	"github.com/enterprise/aml-engine/internal/services"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting AML Compliance Engine API Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	jobQueue, err := queue.NewJobQueue(cfg.Redis, cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer jobQueue.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Initialize repositories
	analystRepo := repositories.NewAnalystRepository(db)
	txRepo := repositories.NewTransactionRepository(db)
	analysisRepo := repositories.NewAnalysisRepository(db)
	alertRepo := repositories.NewAlertRepository(db)
	caseRepo := repositories.NewCaseRepository(db)
	eventRepo := repositories.NewEventRepository(db)

	// Initialize services
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	authService := services.NewAuthService(analystRepo, jwtManager)
	ruleClient := rulestore.NewClient(cfg.RuleStore)
	submissionService := ingestion.NewSubmissionService(txRepo, analysisRepo, jobQueue, ruleClient, cacheClient)
	analyticsService := analytics.NewAnalyticsService(txRepo, analysisRepo, alertRepo, caseRepo, eventRepo, db, cacheClient)
	integrityMonitor := monitor.NewIntegrityMonitor(analysisRepo, txRepo, nil, metrics.New(), cfg.Monitor)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	rateLimiter := NewRateLimiter(cfg.Server.RateLimitPerMinute, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter))

	setupRoutes(router, jwtManager, authService, submissionService, analyticsService, integrityMonitor, jobQueue, db, alertRepo, caseRepo)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupRoutes(
	router *gin.Engine,
	jwtManager *auth.JWTManager,
	authService *services.AuthService,
	submissionService *ingestion.SubmissionService,
	analyticsService *analytics.AnalyticsService,
	integrityMonitor *monitor.IntegrityMonitor,
	jobQueue *queue.JobQueue,
	db *repositories.Database,
	alertRepo *repositories.AlertRepository,
	caseRepo *repositories.CaseRepository,
) {
	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Prometheus scrape endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")

	// Auth routes (public)
	authRoutes := v1.Group("/auth")
	{
		authRoutes.POST("/register", registerHandler(authService))
		authRoutes.POST("/login", loginHandler(authService))
		authRoutes.POST("/refresh", auth.AuthMiddleware(jwtManager), refreshTokenHandler(authService))
	}

	// Protected routes
	protected := v1.Group("")
	protected.Use(auth.AuthMiddleware(jwtManager))

	// Transaction routes
	txRoutes := protected.Group("/transactions")
	{
		txRoutes.POST("", submitTransactionHandler(submissionService))
		txRoutes.GET("", listTransactionsHandler(submissionService))
		txRoutes.GET("/:id/status", getStatusHandler(submissionService))
		txRoutes.GET("/:id/compliance", getComplianceHandler(submissionService))
		txRoutes.GET("/:id/alerts", getTransactionAlertsHandler(alertRepo))
		txRoutes.GET("/:id/case", getTransactionCaseHandler(caseRepo))
	}

	// Rule corpus maintenance (compliance and admin only)
	ruleRoutes := protected.Group("/internal_rules")
	ruleRoutes.Use(auth.RoleMiddleware("compliance", "admin"))
	{
		ruleRoutes.POST("", upsertRuleHandler(submissionService))
	}

	// Alert review routes
	alertRoutes := protected.Group("/alerts")
	{
		alertRoutes.GET("", listAlertsHandler(alertRepo))
		alertRoutes.GET("/:id", getAlertHandler(alertRepo))
		alertRoutes.POST("/:id/status", updateAlertStatusHandler(alertRepo))
	}

	// Case routes
	caseRoutes := protected.Group("/cases")
	{
		caseRoutes.GET("/:id", getCaseHandler(caseRepo))
	}

	// Analytics routes
	analyticsRoutes := protected.Group("/analytics")
	{
		analyticsRoutes.GET("/summary", getSummaryHandler(analyticsService))
		analyticsRoutes.GET("/distribution", getDistributionHandler(analyticsService))
		analyticsRoutes.GET("/rules/top", getTopRulesHandler(analyticsService))
		analyticsRoutes.GET("/volume/hourly", getHourlyVolumeHandler(analyticsService))
		analyticsRoutes.GET("/alerts/workload", getAlertWorkloadHandler(analyticsService))
		analyticsRoutes.GET("/events/recent", getRecentEventsHandler(analyticsService))
	}

	// Persistence monitoring routes (compliance and admin only)
	monitoringRoutes := protected.Group("/monitoring")
	monitoringRoutes.Use(auth.RoleMiddleware("compliance", "admin"))
	{
		monitoringRoutes.GET("/persistence/integrity", integrityScanHandler(integrityMonitor))
		monitoringRoutes.GET("/persistence/health", systemHealthHandler(analyticsService, jobQueue))
		monitoringRoutes.GET("/persistence/verify/:transaction_id", verifyTransactionHandler(integrityMonitor))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter implements a simple in-memory rate limiter using token bucket algorithm
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	// Clean up old visitors periodically
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastSeen: now}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed / (rl.window / time.Duration(rl.rate)))
	v.tokens += refill
	if v.tokens > rl.rate {
		v.tokens = rl.rate
	}
	v.lastSeen = now

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

func rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handlers

func registerHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrWeakPassword) ||
				errors.Is(err, services.ErrInvalidRole) ||
				errors.Is(err, repositories.ErrAnalystAlreadyExists) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func loginHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrInvalidCredentials) || errors.Is(err, services.ErrAccountDisabled) {
				status = http.StatusUnauthorized
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func refreshTokenHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 {
			token = token[7:] // Remove "Bearer "
		}

		resp, err := authService.RefreshToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func submitTransactionHandler(submissionService *ingestion.SubmissionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.SubmissionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := submissionService.Submit(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, resp)
	}
}

func listTransactionsHandler(submissionService *ingestion.SubmissionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		statusFilter := c.Query("status_filter")
		skip := getIntParam(c, "skip", 0)
		limit := getIntParam(c, "limit", 20)

		resp, err := submissionService.List(c.Request.Context(), statusFilter, skip, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func getStatusHandler(submissionService *ingestion.SubmissionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		txID := c.Param("id")

		resp, err := submissionService.Status(c.Request.Context(), txID)
		if err != nil {
			if errors.Is(err, repositories.ErrTransactionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func getComplianceHandler(submissionService *ingestion.SubmissionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		txID := c.Param("id")

		analysis, err := submissionService.Compliance(c.Request.Context(), txID)
		if err != nil {
			switch {
			case errors.Is(err, repositories.ErrTransactionNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
			case errors.Is(err, repositories.ErrAnalysisNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "analysis not available"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, analysis)
	}
}

func getTransactionAlertsHandler(alertRepo *repositories.AlertRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		txID := c.Param("id")

		alerts, err := alertRepo.GetByTransactionID(c.Request.Context(), txID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"alerts": alerts})
	}
}

func getTransactionCaseHandler(caseRepo *repositories.CaseRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		txID := c.Param("id")

		kase, err := caseRepo.GetByTransactionID(c.Request.Context(), txID)
		if err != nil {
			if errors.Is(err, repositories.ErrCaseNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no case for transaction"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, kase)
	}
}

func upsertRuleHandler(submissionService *ingestion.SubmissionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rule models.Rule
		if err := c.ShouldBindJSON(&rule); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := submissionService.UpsertRule(c.Request.Context(), &rule); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"rule_id": rule.RuleID,
			"version": rule.Version,
			"status":  "stored",
		})
	}
}

// listAlertsHandler scopes the listing to the caller's role. Admins see
// every queue; other roles see their own.
func listAlertsHandler(alertRepo *repositories.AlertRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.Query("status")
		skip := getIntParam(c, "skip", 0)
		limit := getIntParam(c, "limit", 20)
		if limit > 100 {
			limit = 100
		}

		role, _ := auth.GetAnalystRoleFromContext(c)
		if role == "admin" {
			role = c.Query("role")
		}

		alerts, total, err := alertRepo.List(c.Request.Context(), role, status, skip, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"alerts": alerts,
			"total":  total,
			"skip":   skip,
			"limit":  limit,
		})
	}
}

func getAlertHandler(alertRepo *repositories.AlertRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		alert, err := alertRepo.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, repositories.ErrAlertNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, alert)
	}
}

func updateAlertStatusHandler(alertRepo *repositories.AlertRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required,oneof=open in_review escalated closed"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := alertRepo.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
			if errors.Is(err, repositories.ErrAlertNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": req.Status})
	}
}

func getCaseHandler(caseRepo *repositories.CaseRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		kase, err := caseRepo.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, repositories.ErrCaseNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, kase)
	}
}

func getSummaryHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		dateStr := c.Query("date")
		var date time.Time
		var err error

		if dateStr != "" {
			date, err = time.Parse("2006-01-02", dateStr)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format, use YYYY-MM-DD"})
				return
			}
		} else {
			date = time.Now().UTC()
		}

		summary, err := analyticsService.GetComplianceSummary(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

func getDistributionHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 7)

		distribution, err := analyticsService.GetRiskBandDistribution(c.Request.Context(), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, distribution)
	}
}

func getTopRulesHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 7)
		limit := getIntParam(c, "limit", 10)

		rules, err := analyticsService.GetTopTriggeredRules(c.Request.Context(), days, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"rules": rules})
	}
}

func getHourlyVolumeHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		dateStr := c.Query("date")
		var date time.Time
		var err error

		if dateStr != "" {
			date, err = time.Parse("2006-01-02", dateStr)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date format"})
				return
			}
		} else {
			date = time.Now().UTC()
		}

		volumes, err := analyticsService.GetHourlyVolume(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"volumes": volumes})
	}
}

func getAlertWorkloadHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		workload, err := analyticsService.GetAlertWorkload(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, workload)
	}
}

func getRecentEventsHandler(analyticsService *analytics.AnalyticsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := getIntParam(c, "limit", 50)

		events, err := analyticsService.GetRecentEvents(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

func integrityScanHandler(integrityMonitor *monitor.IntegrityMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		hours := getIntParam(c, "lookback_hours", 24)

		report, err := integrityMonitor.Scan(c.Request.Context(), time.Duration(hours)*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, report)
	}
}

func systemHealthHandler(analyticsService *analytics.AnalyticsService, jobQueue *queue.JobQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		health, err := analyticsService.GetSystemHealth(c.Request.Context(), jobQueue)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, health)
	}
}

func verifyTransactionHandler(integrityMonitor *monitor.IntegrityMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		txID := c.Param("transaction_id")

		result, err := integrityMonitor.VerifyTransaction(c.Request.Context(), txID)
		if err != nil {
			if errors.Is(err, repositories.ErrTransactionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

// Helper functions

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil && result >= 0 {
			return result
		}
	}
	return defaultValue
}
