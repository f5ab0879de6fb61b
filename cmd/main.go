package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"product-import-service/internal/config"
	"product-import-service/internal/handlers"
	"product-import-service/internal/importer"
	"product-import-service/internal/middleware"
	"product-import-service/internal/progress"
	"product-import-service/internal/queue"
	"product-import-service/internal/repository"
	"product-import-service/internal/webhooks"
)

// @title Product Import API
// @version 1.0.0
// @description Bulk product import service with async progress tracking and webhook notifications

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api/v1

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Initialize configuration
	cfg := config.Load()

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Environment == "production" {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Initialize Redis client
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("WARNING: Failed to parse Redis URL: %v (continuing without Redis)", err)
		redisOpts = &redis.Options{
			Addr: "localhost:6379",
		}
	}
	redisClient := redis.NewClient(redisOpts)

	// Test Redis connection
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("WARNING: Failed to connect to Redis: %v (caching and progress mirroring disabled)", err)
		redisClient = nil
	} else {
		log.Println("✓ Redis connected successfully")
	}
	pingCancel()

	// Initialize repositories
	productsRepo := repository.NewProductsRepository(db, redisClient)
	webhooksRepo := repository.NewWebhooksRepository(db)
	tasksRepo := repository.NewImportTasksRepository(db)

	// Initialize progress tracker and webhook dispatcher
	tracker := progress.NewTracker(redisClient, logger)
	dispatcher := webhooks.NewDispatcher(
		webhooksRepo,
		time.Duration(cfg.WebhookTimeoutSeconds)*time.Second,
		cfg.WebhookRatePerSecond,
		logger,
	)

	// Initialize the durable import queue. The queue is mandatory: uploads
	// are accepted only if the task can be durably enqueued.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	importQueue, err := queue.NewJetStreamQueue(ctx, cfg.NATSURL, logger)
	if err != nil {
		log.Fatal("Failed to connect to NATS: ", err)
	}
	defer importQueue.Close()
	log.Println("✓ NATS JetStream queue initialized")

	// Start import workers
	runner := importer.NewRunner(productsRepo, tasksRepo, tracker, dispatcher, cfg.ImportBatchSize, logger)
	if err := importQueue.Start(ctx, cfg.ImportWorkers, runner.Run); err != nil {
		log.Fatal("Failed to start import workers: ", err)
	}

	// Initialize handlers
	productsHandler := handlers.NewProductsHandler(productsRepo, dispatcher, cfg.DefaultPageSize, cfg.MaxPageSize)
	webhooksHandler := handlers.NewWebhooksHandler(webhooksRepo, dispatcher)
	uploadHandler := handlers.NewUploadHandler(tasksRepo, tracker, importQueue, cfg.UploadDir, logger)
	healthHandler := handlers.NewHealthHandler(db)

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.CORSOrigins))

	// Health and observability endpoints
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	v1 := router.Group("/api/v1")
	{
		upload := v1.Group("/upload")
		{
			upload.POST("", uploadHandler.Upload)
			upload.GET("/template", uploadHandler.GetImportTemplate)
			upload.GET("/status/:taskId", uploadHandler.GetStatus)
			upload.GET("/stream/:taskId", uploadHandler.Stream)
		}

		products := v1.Group("/products")
		{
			products.GET("", productsHandler.GetProducts)
			products.POST("", productsHandler.CreateProduct)
			products.GET("/:id", productsHandler.GetProduct)
			products.PUT("/:id", productsHandler.UpdateProduct)
			products.DELETE("/:id", productsHandler.DeleteProduct)
			products.DELETE("/bulk/all", productsHandler.DeleteAllProducts)
		}

		hooks := v1.Group("/webhooks")
		{
			hooks.GET("", webhooksHandler.GetWebhooks)
			hooks.POST("", webhooksHandler.CreateWebhook)
			hooks.GET("/:id", webhooksHandler.GetWebhook)
			hooks.PUT("/:id", webhooksHandler.UpdateWebhook)
			hooks.DELETE("/:id", webhooksHandler.DeleteWebhook)
			hooks.POST("/:id/test", webhooksHandler.TestWebhook)
		}
	}

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Graceful shutdown handling
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Product import service starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-quit
	log.Println("Shutting down product-import-service...")

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARNING: Server shutdown error: %v", err)
	}
}
