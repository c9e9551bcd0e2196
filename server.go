package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/ingestion"
	"bitbucket.org/carbonview/emissions_backend/middlewares"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"bitbucket.org/carbonview/emissions_backend/workflow"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func readyzHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// The readiness gate already held this back while dependencies were
		// down, so reaching the handler means both are up.
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type outboxReplayRequest struct {
	OrganizationId string `json:"organization_id"`
	RecordId       int    `json:"record_id"`
}

// outboxReplayHandler requeues a DEAD/FAILED row on the publish side: the
// dispatcher picks it up on its next sweep.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.OrganizationId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.OutboxEvent{}).
			Where("id = ? AND organization_id = ?", req.RecordId, req.OrganizationId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"organization_id": req.OrganizationId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

type outboxRetryDeadRequest struct {
	OrganizationId string `json:"organization_id"`
	RecordId       int    `json:"record_id"`
}

// outboxRetryDeadHandler revives processing-side DEAD rows. Without a
// record_id it revives every DEAD row of the organization; the direct
// processor re-drives them with a fresh attempt budget.
func outboxRetryDeadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxRetryDeadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.OrganizationId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		q := db.WithContext(c.Request.Context()).
			Model(&models.OutboxEvent{}).
			Where("organization_id = ? AND processing_status = ?", req.OrganizationId, models.OutboxProcessStatusDead)
		if req.RecordId > 0 {
			q = q.Where("id = ?", req.RecordId)
		}
		result := q.Updates(map[string]interface{}{
			"processing_status":       models.OutboxProcessStatusPending,
			"process_attempts":        0,
			"next_process_attempt_at": &now,
			"last_process_error":      nil,
			"locked_at":               nil,
			"locked_by":               nil,
		})
		if result.Error != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": result.Error.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"organization_id": req.OrganizationId,
			"revived":         result.RowsAffected,
		})
	}
}

// reconcileHandler runs the invariant checks for one organization and reports
// drift. The run is read-only apart from its result record.
func reconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId := c.Param("org")
		if organizationId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "organization id is required"})
			return
		}
		logger := config.GetLogger()
		ctx := utils.SetOrganizationIdInContext(c.Request.Context(), organizationId)
		if err := workflow.RunReconciliationChecks(ctx, config.GetDB(), logger, organizationId); err != nil {
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "correlation_id": cid})
			return
		}
		c.JSON(http.StatusOK, gin.H{"organization_id": organizationId, "status": "ok"})
	}
}

// integrationSnapshotHandler dumps the organization's connector state for
// support diagnostics: connections, series mappings and recent sync runs.
func integrationSnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId := c.Param("org")
		if organizationId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "organization id is required"})
			return
		}
		snapshot, err := models.GetIntegrationSnapshot(c.Request.Context(), organizationId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(snapshot))
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Tenant, actor and correlation id come first so even early 503s carry a
	// correlation id header.
	r.Use(middlewares.RequestContextMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/readyz", readyzHandler())

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-organization-id", "x-user-name", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(otelgin.Middleware("emissions-backend"))
	r.Use(middlewares.LoaderMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	orgs := r.Group("/v1/orgs/:org")
	{
		emissions := orgs.Group("/emissions")
		{
			emissions.GET("/period", periodEmissionsHandler())
			emissions.GET("/scopes", scopeBreakdownHandler())
			emissions.GET("/categories", categoryBreakdownHandler())
			emissions.GET("/monthly", monthlyEmissionsHandler())
			emissions.GET("/yoy", yoyComparisonHandler())
			emissions.GET("/intensity", intensityHandler())
			emissions.GET("/top-sources", topSourcesHandler())
			emissions.GET("/forecast", forecastHandler())
		}

		orgs.GET("/usage/:domain", domainUsageHandler())
		orgs.GET("/targets/progress", targetProgressHandler())

		restatements := orgs.Group("/restatements")
		{
			restatements.GET("", listRestatementsHandler())
			restatements.POST("", createRestatementHandler())
			restatements.GET("/detect-new-metrics", detectNewMetricsHandler())
			restatements.GET("/:id", getRestatementHandler())
			restatements.POST("/:id/:action", transitionRestatementHandler())
		}

		orgs.GET("/reports/inventory.xlsx", inventoryExportHandler())
		orgs.GET("/reports/exports", exportObjectHandler())

		meterflow := orgs.Group("/ingestion/meterflow")
		{
			meterflow.GET("/status", ingestion.StatusHandler())
			meterflow.POST("/connect", ingestion.ConnectHandler())
			meterflow.POST("/disconnect", ingestion.DisconnectHandler())
			meterflow.POST("/settings", ingestion.UpdateSettingsHandler())
			meterflow.POST("/sync", ingestion.TriggerSyncHandler())
			meterflow.GET("/sync-runs", ingestion.SyncHistoryHandler())
			meterflow.GET("/sync-runs/:id", ingestion.SyncRunDetailHandler())
			meterflow.POST("/sync-runs/:id/retry", ingestion.RetrySyncRunHandler())
		}
	}

	// Pub/Sub push endpoints.
	r.POST("/pubsub", activityBatchPubSubHandler())
	r.POST("/pubsub/meterflow-sync", ingestion.PubSubPushHandler())

	// Ops tooling; expected to be network-restricted at deployment.
	internal := r.Group("/internal", middlewares.InternalMiddleware())
	{
		internal.POST("/outbox/replay", outboxReplayHandler())
		internal.POST("/outbox/retry-dead", outboxRetryDeadHandler())
		internal.POST("/reconcile/:org", reconcileHandler())
		internal.GET("/integrations/:org/snapshot", integrationSnapshotHandler())
	}
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Direct processor applies events without Pub/Sub (and as a safety net).
	if shouldRunDirectOutboxProcessor() {
		go NewOutboxDirectProcessor(db, logger).Run(dispatcherCtx)
	}

	// Subscription path: only meaningful where Pub/Sub is configured.
	if strings.TrimSpace(os.Getenv("PUBSUB_SUBSCRIPTION")) != "" {
		if err := RunEngineEventWorkflow(); err != nil {
			config.LogError(logger, "server.go", "main", "RunEngineEventWorkflow", nil, err)
		}
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("ENABLE_METERFLOW_SYNC_WORKER")), "true") {
		if err := ingestion.RunSyncWorker(); err != nil {
			config.LogError(logger, "server.go", "main", "RunSyncWorker", nil, err)
		}
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
