package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/craftlinkhq/procure_backend/config"
	"github.com/craftlinkhq/procure_backend/models"
	"github.com/craftlinkhq/procure_backend/models/reports"
	"github.com/craftlinkhq/procure_backend/remote"
	"github.com/craftlinkhq/procure_backend/utils"
	"github.com/craftlinkhq/procure_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Application services, wired in main(). The readiness middleware returns
// 503 until they exist.
var (
	queueManager *models.SyncQueueManager
	ledger       *models.DeliveryLedger
	invoiceGate  *models.InvoiceGate
	connMonitor  *config.ConnectivityMonitor
)

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PaymentReconciliationMessage is what the external payment process pushes
// back once an invoice clears.
type PaymentReconciliationMessage struct {
	InvoiceId     string    `json:"invoice_id"`
	PaidAt        time.Time `json:"paid_at"`
	MessageId     string    `json:"message_id"`
	CorrelationId string    `json:"correlation_id"`
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func paymentReconciliationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope PubSubPushEnvelope
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization; MarkInvoicePaid is
		// idempotent on its own.
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "paymentReconciliationHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "paymentReconciliationHandler", "Unmarshal body", body, err)
			// Malformed request: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var m PaymentReconciliationMessage
		if err := json.Unmarshal(envelope.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "paymentReconciliationHandler", "Unmarshal pubsub message", envelope.Message.Data, err)
			// Malformed Pub/Sub payload: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.InvoiceId == "" || m.PaidAt.IsZero() {
			config.LogError(logger, "server.go", "paymentReconciliationHandler", "Invalid pubsub message (missing required fields)", m, fmt.Errorf("invoice_id/paid_at required"))
			c.Status(http.StatusNoContent)
			return
		}

		messageId := m.MessageId
		if messageId == "" {
			messageId = envelope.Message.ID
		}
		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = envelope.Message.ID
		}

		var lock *redislock.Lock
		if redisLock != nil {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("payment-lock:%s", m.InvoiceId), 30*time.Second, nil)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"field":      "paymentReconciliationHandler",
					"invoice_id": m.InvoiceId,
					"message_id": messageId,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			}
		}
		defer func() {
			if lock != nil {
				_ = lock.Release(c.Request.Context())
			}
		}()

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationID)

		// DB-backed dedup when MySQL is configured; the paidAt write is
		// first-wins either way.
		db := config.GetDB()
		if db != nil && messageId != "" {
			skip, err := workflow.BeginIdempotency(db.WithContext(ctx), "payment-reconciliation", messageId)
			if err != nil {
				if errors.Is(err, workflow.ErrIdempotencyInProgress) {
					c.Status(http.StatusInternalServerError)
					return
				}
				config.LogError(logger, "server.go", "paymentReconciliationHandler", "BeginIdempotency", messageId, err)
				c.Status(http.StatusInternalServerError)
				return
			}
			if skip {
				c.Status(http.StatusNoContent)
				return
			}
		}

		if err := invoiceGate.MarkInvoicePaid(ctx, m.InvoiceId, m.PaidAt); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				// Unknown invoice: ack/drop, retrying will not help.
				config.LogError(logger, "server.go", "paymentReconciliationHandler", "invoice not found", m.InvoiceId, err)
				c.Status(http.StatusNoContent)
				return
			}
			if db != nil && messageId != "" {
				_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), "payment-reconciliation", messageId, err)
			}
			config.LogError(logger, "server.go", "paymentReconciliationHandler", "MarkInvoicePaid", m.InvoiceId, err)
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		if db != nil && messageId != "" {
			if err := workflow.MarkIdempotencySucceeded(db.WithContext(ctx), "payment-reconciliation", messageId); err != nil {
				config.LogError(logger, "server.go", "paymentReconciliationHandler", "MarkIdempotencySucceeded", messageId, err)
			}
		}

		c.Status(http.StatusNoContent)
	}
}

type enqueueRequest struct {
	Kind    models.QueueItemKind `json:"kind"`
	Payload json.RawMessage      `json:"payload"`
}

func enqueueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enqueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		var item *models.QueueItem
		var err error
		switch req.Kind {
		case models.QueueItemKindUploadDocument:
			var p models.UploadDocumentPayload
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
				return
			}
			item, err = models.NewUploadDocumentItem(p)
		case models.QueueItemKindAppendMessage:
			var p models.AppendMessagePayload
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
				return
			}
			if p.ActingRole == "" {
				if role, ok := utils.GetActingRoleFromContext(c.Request.Context()); ok {
					p.ActingRole = role
				}
			}
			item, err = models.NewAppendMessageItem(p)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := queueManager.Enqueue(c.Request.Context(), item); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		pending, _ := queueManager.PendingCount(c.Request.Context())
		c.JSON(http.StatusCreated, gin.H{"itemId": item.ItemId, "pending": pending})
	}
}

func flushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := queueManager.ForceFlush(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func queueStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pending, err := queueManager.PendingCount(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": pending, "online": connMonitor.IsOnline()})
	}
}

func deadLettersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := queueManager.DeadLetters(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func requeueDeadLetterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		itemId := c.Param("itemId")
		if err := queueManager.RequeueDeadLetter(c.Request.Context(), itemId); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"itemId": itemId, "status": models.QueueItemStatusPending})
	}
}

type deliveryRequest struct {
	LineId      string `json:"lineId"`
	ItemName    string `json:"itemName"`
	OrderedQty  int    `json:"orderedQty"`
	ShippedQty  int    `json:"shippedQty"`
	ReceivedQty int    `json:"receivedQty"`
	UnitPrice   string `json:"unitPrice"`
}

func recordDeliveryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		poId := c.Param("poId")
		var req deliveryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		unitPrice, err := utils.ParseDecimal(req.UnitPrice)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unitPrice"})
			return
		}
		summary, err := ledger.RecordDelivery(c.Request.Context(), models.DeliveryLine{
			PoId:        poId,
			LineId:      req.LineId,
			ItemName:    req.ItemName,
			OrderedQty:  req.OrderedQty,
			ShippedQty:  req.ShippedQty,
			ReceivedQty: req.ReceivedQty,
			UnitPrice:   unitPrice,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

type correctionRequest struct {
	CorrectionQty int `json:"correctionQty"`
}

func recordCorrectionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		poId := c.Param("poId")
		lineId := c.Param("lineId")
		var req correctionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		summary, err := ledger.RecordCorrection(c.Request.Context(), poId, lineId, req.CorrectionQty)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "delivery line not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func summaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := ledger.GetSummary(c.Request.Context(), c.Param("poId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func remainingInvoiceableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		poId := c.Param("poId")
		remaining, err := invoiceGate.RemainingInvoiceable(c.Request.Context(), poId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"poId": poId, "remaining": remaining.String()})
	}
}

type proposeInvoiceRequest struct {
	PoId    string `json:"poId"`
	Amount  string `json:"amount"`
	DueDate string `json:"dueDate"`
}

func proposeInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req proposeInvoiceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.PoId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "poId is required"})
			return
		}
		amount, err := utils.ParseDecimal(req.Amount)
		if err != nil {
			amount = decimal.Zero
		}
		var dueDate time.Time
		if req.DueDate != "" {
			dueDate, err = time.ParseInLocation("2006-01-02", req.DueDate, time.Local)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid dueDate, want YYYY-MM-DD"})
				return
			}
		}

		invoice, rejection, err := invoiceGate.ProposeInvoice(c.Request.Context(), req.PoId, amount, dueDate)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rejection != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"rejection": rejection})
			return
		}
		c.JSON(http.StatusCreated, invoice)
	}
}

func listInvoicesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		invoices, err := invoiceGate.Invoices(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		statusFilter := strings.TrimSpace(c.Query("status"))
		now := time.Now()
		type invoiceView struct {
			models.Invoice
			Status models.PaymentStatus `json:"status"`
		}
		out := make([]invoiceView, 0, len(invoices))
		for i := range invoices {
			status := models.ResolvePaymentStatus(&invoices[i], now)
			if statusFilter != "" && !strings.EqualFold(statusFilter, string(status)) {
				continue
			}
			out = append(out, invoiceView{Invoice: invoices[i], Status: status})
		}
		c.JSON(http.StatusOK, gin.H{"invoices": out})
	}
}

func invoiceAgingReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := reports.BuildInvoiceAgingReport(c.Request.Context(), invoiceGate, time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if strings.EqualFold(c.Query("format"), "xlsx") {
			c.Writer.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
			c.Writer.Header().Set("Content-Disposition", "attachment; filename=invoice-aging.xlsx")
			c.Status(http.StatusOK)
			if err := report.WriteXLSX(c.Writer); err != nil {
				config.LogError(config.GetLogger(), "server.go", "invoiceAgingReportHandler", "WriteXLSX", nil, err)
			}
			return
		}
		c.JSON(http.StatusOK, report)
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
	// Until the stores are ready, app endpoints return 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	// Actor identity, forwarded by the gateway. Optional for direct calls.
	r.Use(func(c *gin.Context) {
		ctx := c.Request.Context()
		if actorId := strings.TrimSpace(c.GetHeader("X-Actor-Id")); actorId != "" {
			ctx = utils.SetActorIdInContext(ctx, actorId)
		}
		if role := strings.TrimSpace(c.GetHeader("X-Acting-Role")); role != "" {
			ctx = utils.SetActingRoleInContext(ctx, role)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on service readiness.
		if queueManager == nil || ledger == nil || invoiceGate == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

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
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
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

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	{
		v1.POST("/queue/items", enqueueHandler())
		v1.POST("/queue/flush", flushHandler())
		v1.GET("/queue/status", queueStatusHandler())
		v1.GET("/queue/dead", deadLettersHandler())
		v1.POST("/queue/dead/:itemId/requeue", requeueDeadLetterHandler())

		v1.POST("/uploads/sign", signUploadHandler())
		v1.POST("/uploads/complete", completeUploadHandler())
		v1.GET("/uploads/object", uploadObjectHandler())

		v1.POST("/purchase-orders/:poId/deliveries", recordDeliveryHandler())
		v1.PUT("/purchase-orders/:poId/lines/:lineId/correction", recordCorrectionHandler())
		v1.GET("/purchase-orders/:poId/summary", summaryHandler())
		v1.GET("/purchase-orders/:poId/remaining-invoiceable", remainingInvoiceableHandler())

		v1.POST("/invoices", proposeInvoiceHandler())
		v1.GET("/invoices", listInvoicesHandler())

		v1.POST("/pubsub/payment-reconciliation", paymentReconciliationHandler())

		v1.GET("/reports/invoice-aging", invoiceAgingReportHandler())
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
	if config.RedisConfigured() {
		config.ConnectRedisWithRetry()
	}

	connMonitor = config.NewConnectivityMonitor(!config.ForcedOfflineMode())

	executor := buildRemoteExecutor(logger)

	var queueStore models.QueueStore
	var ledgerStore models.LedgerStore
	var invoiceStore models.InvoiceStore

	if config.DatabaseConfigured() {
		config.ConnectDatabaseWithRetry()
		db := config.GetDB()

		// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
		// Allow disabling migrations on startup (run them as a separate job instead).
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
			if err := models.MigrateDatabase(db); err != nil {
				logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
			}
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}

		var err error
		queueStore, err = models.NewGormQueueStore(db)
		utils.ErrorPanic(err)
		ledgerStore, err = models.NewGormLedgerStore(db)
		utils.ErrorPanic(err)
		invoiceStore, err = models.NewGormInvoiceStore(db)
		utils.ErrorPanic(err)
	} else {
		dataDir := strings.TrimSpace(os.Getenv("DATA_DIR"))
		if dataDir == "" {
			dataDir = "data"
		}
		logger.WithFields(logrus.Fields{
			"field":    "stores",
			"data_dir": dataDir,
		}).Warn("DB_HOST not set; using file-backed stores")
		queueStore = models.NewFileQueueStore(filepath.Join(dataDir, "queue.json"))
		ledgerStore = models.NewFileLedgerStore(filepath.Join(dataDir, "ledger.json"))
		invoiceStore = models.NewFileInvoiceStore(filepath.Join(dataDir, "invoices.json"))
	}

	ledger = models.NewDeliveryLedger(ledgerStore, logger)
	invoiceGate = models.NewInvoiceGate(invoiceStore, ledger, logger)
	ledger.SetInvoicedTotals(invoiceGate)
	queueManager = models.NewSyncQueueManager(queueStore, executor, connMonitor, logger)

	queueManager.Subscribe(func(status models.QueueStatus) {
		logger.WithFields(logrus.Fields{
			"module":  "SyncQueue",
			"pending": status.Pending,
		}).Debug("queue status changed")
	})

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workflow.NewSyncDispatcher(queueManager, connMonitor, logger).Start(workerCtx)
	go connMonitor.RunProbeLoop(workerCtx)

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
	cancelWorkers()

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
	if db := config.GetDB(); db != nil {
		if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
			_ = sqlDB.Close()
		}
	}
}

func buildRemoteExecutor(logger *logrus.Logger) remote.Executor {
	apiKey := strings.TrimSpace(os.Getenv("COLLAB_API_KEY"))
	if apiKey == "" {
		logger.WithFields(logrus.Fields{
			"field": "remote",
		}).Warn("COLLAB_API_KEY not set; queue will accumulate until a remote executor is configured")
		return nil
	}
	executor, err := remote.NewHTTPExecutor(apiKey)
	if err != nil {
		config.LogError(logger, "server.go", "buildRemoteExecutor", "NewHTTPExecutor", nil, err)
		return nil
	}
	return executor
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
