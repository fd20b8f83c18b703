package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/middlewares"
	"bitbucket.org/mmdatafocus/pos_backend/models"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// RateLimiter is a fixed-window per-client limiter backed by Redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, window: window}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// limiter failure must not take the API down
		c.Next()
		return
	}
	if count == 1 {
		rl.client.Expire(c.Request.Context(), key, rl.window)
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

// respondError maps the error taxonomy onto HTTP statuses: validation 400,
// not found 404, concurrency conflicts 409, business-rule rejections 422,
// everything else 500 with the detail kept out of the response.
func respondError(c *gin.Context, err error) {
	logger := config.GetLogger()

	if errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": utils.CodeRecordNotFound, "error": "record not found"})
		return
	}

	code := utils.ErrorCode(err)
	switch {
	case code == utils.CodeValidationFailed:
		c.JSON(http.StatusBadRequest, gin.H{"code": code, "error": err.Error()})
	case utils.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"code": code, "error": err.Error()})
	case code != "":
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": code, "error": err.Error()})
	default:
		config.LogError(logger, "server.go", "respondError", c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func respondBindError(c *gin.Context, err error) {
	if fields := utils.ProcessValidationErrors(err); len(fields) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": utils.CodeValidationFailed, "error": "validation failed", "fields": fields})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"code": utils.CodeValidationFailed, "error": err.Error()})
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": utils.CodeValidationFailed, "error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func registerRoutes(r *gin.Engine) {

	api := r.Group("/api")

	api.POST("/orders", func(c *gin.Context) {
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		order, err := models.CreateOrder(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	})

	api.GET("/orders/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		order, err := models.GetOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})

	api.GET("/orders", func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		limit, _ := strconv.Atoi(c.Query("limit"))
		status := models.OrderStatus(c.Query("status"))
		orders, err := models.GetOrders(c.Request.Context(), branchId, status, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, orders)
	})

	api.POST("/orders/:id/items", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.NewOrderItem
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		order, err := models.AddOrderItem(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})

	api.DELETE("/orders/:id/items/:itemId", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathId(c, "itemId")
		if !ok {
			return
		}
		order, err := models.RemoveOrderItem(c.Request.Context(), id, itemId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})

	api.POST("/orders/:id/complete", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input struct {
			Payments []workflow.OrderPaymentInput `json:"payments" binding:"required,dive"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		order, err := workflow.CompleteOrder(c.Request.Context(), id, input.Payments)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})

	api.POST("/orders/:id/cancel", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&input)
		order, err := models.CancelOrder(c.Request.Context(), id, input.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	})

	api.POST("/orders/:id/refund", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input struct {
			Reason string                     `json:"reason" binding:"required"`
			Items  []workflow.RefundItemInput `json:"items"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		order, log, err := workflow.RefundOrder(c.Request.Context(), id, input.Reason, input.Items)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order, "refund": log})
	})

	api.POST("/shifts", func(c *gin.Context) {
		var input models.NewShift
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		shift, err := models.OpenShift(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, shift)
	})

	api.GET("/shifts", func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		limit, _ := strconv.Atoi(c.Query("limit"))
		shifts, err := models.GetShifts(c.Request.Context(), branchId, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, shifts)
	})

	api.GET("/shifts/current", func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		shift, err := models.GetOpenShift(c.Request.Context(), branchId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, shift)
	})

	api.POST("/shifts/:id/close", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.CloseShiftInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		shift, err := models.CloseShift(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, shift)
	})

	api.POST("/shifts/:id/force-close", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.CloseShiftInput
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		shift, err := models.ForceCloseShift(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, shift)
	})

	api.POST("/shifts/:id/handover", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input struct {
			ToUserId int `json:"to_user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		shift, err := models.HandoverShift(c.Request.Context(), id, input.ToUserId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, shift)
	})

	api.POST("/inventory/adjust", func(c *gin.Context) {
		var input models.NewStockAdjustment
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		row, err := models.AdjustStock(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, row)
	})

	api.GET("/inventory/available", func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		productId, _ := strconv.Atoi(c.Query("product_id"))
		qty, err := models.GetAvailableQuantity(c.Request.Context(), branchId, productId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"branch_id": branchId, "product_id": productId, "quantity": qty})
	})

	api.GET("/inventory/price", func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		productId, _ := strconv.Atoi(c.Query("product_id"))
		price, err := models.GetEffectivePrice(c.Request.Context(), branchId, productId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"branch_id": branchId, "product_id": productId, "unit_price": price})
	})

	api.PUT("/inventory/reorder-level", func(c *gin.Context) {
		var input struct {
			BranchId     int `json:"branch_id" binding:"required"`
			ProductId    int `json:"product_id" binding:"required"`
			ReorderLevel int `json:"reorder_level"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		if err := models.UpdateReorderLevel(c.Request.Context(), input.BranchId, input.ProductId, input.ReorderLevel); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/inventory/low-stock", func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		rows, err := models.GetLowStockItems(c.Request.Context(), branchId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	})

	api.POST("/transfers", func(c *gin.Context) {
		var input models.NewInventoryTransfer
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		transfer, err := models.CreateInventoryTransfer(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, transfer)
	})

	api.GET("/transfers", func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		limit, _ := strconv.Atoi(c.Query("limit"))
		transfers, err := models.GetInventoryTransfers(c.Request.Context(), branchId, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transfers)
	})

	api.GET("/transfers/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		transfer, err := models.GetInventoryTransfer(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transfer)
	})

	api.POST("/transfers/:id/approve", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		transfer, err := models.ApproveInventoryTransfer(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transfer)
	})

	api.POST("/transfers/:id/receive", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		transfer, err := models.ReceiveInventoryTransfer(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transfer)
	})

	api.POST("/transfers/:id/cancel", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&input)
		transfer, err := models.CancelInventoryTransfer(c.Request.Context(), id, input.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, transfer)
	})

	api.POST("/cash/transactions", func(c *gin.Context) {
		var input models.NewCashTransaction
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		entry, err := models.RecordCashTransaction(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	})

	api.GET("/cash/transactions", func(c *gin.Context) {
		branchId, _ := strconv.Atoi(c.Query("branch_id"))
		limit, _ := strconv.Atoi(c.Query("limit"))
		entries, err := models.GetCashTransactions(c.Request.Context(), branchId, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	})

	api.POST("/cash/reconcile", func(c *gin.Context) {
		var input struct {
			ShiftId       int             `json:"shift_id" binding:"required"`
			ActualBalance decimal.Decimal `json:"actual_balance"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		entry, err := models.ReconcileShift(c.Request.Context(), input.ShiftId, input.ActualBalance)
		if err != nil {
			respondError(c, err)
			return
		}
		if entry == nil {
			c.JSON(http.StatusOK, gin.H{"balanced": true})
			return
		}
		c.JSON(http.StatusOK, entry)
	})

	api.POST("/cash/transfer", func(c *gin.Context) {
		var input struct {
			FromBranchId int             `json:"from_branch_id" binding:"required"`
			ToBranchId   int             `json:"to_branch_id" binding:"required"`
			Amount       decimal.Decimal `json:"amount"`
			Description  string          `json:"description"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		ref, err := models.TransferCash(c.Request.Context(), input.FromBranchId, input.ToBranchId, input.Amount, input.Description)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transfer_reference": ref})
	})

	api.POST("/products", func(c *gin.Context) {
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		product, err := models.CreateProduct(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, product)
	})

	api.GET("/products/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		product, err := models.GetProduct(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	})

	api.PUT("/products/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.NewProduct
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		product, err := models.UpdateProduct(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, product)
	})

	api.POST("/customers", func(c *gin.Context) {
		var input models.NewCustomer
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		customer, err := models.CreateCustomer(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, customer)
	})

	api.GET("/customers/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		customer, err := models.GetCustomer(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, customer)
	})

	api.POST("/branches", func(c *gin.Context) {
		var input models.NewBranch
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		branch, err := models.CreateBranch(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, branch)
	})

	api.GET("/branches", func(c *gin.Context) {
		branches, err := models.GetBranches(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, branches)
	})

	api.PUT("/branches/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.NewBranch
		if err := c.ShouldBindJSON(&input); err != nil {
			respondBindError(c, err)
			return
		}
		branch, err := models.UpdateBranch(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, branch)
	})

	api.GET("/shifts/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		shift, err := models.GetShift(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, shift)
	})

	api.GET("/orders/:id/refunds", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		logs, err := models.GetRefundLogsByOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, logs)
	})

	api.GET("/refunds/:id", func(c *gin.Context) {
		id, ok := pathId(c, "id")
		if !ok {
			return
		}
		log, err := models.GetRefundLog(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, log)
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the startup probe passes. Until DB/Redis
	// are ready, app endpoints return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "Idempotency-Key", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Idempotency-Replayed", "X-Correlation-Id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDRESS")})
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

	guard := workflow.NewIdempotencyGuard(workflow.NewTTLCache(workflow.IdempotencyTTL),
		"/api/orders", "/api/shifts", "/api/cash/transfer")

	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.IdempotencyMiddleware(guard))
	r.Use(gin.Recovery())
	registerRoutes(r)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
		"port": port,
	}).Info("server ready")

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received; draining")
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			config.LogError(logger, "server.go", "main", "ListenAndServe", nil, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "server.go", "main", "Shutdown", nil, err)
	}
}
