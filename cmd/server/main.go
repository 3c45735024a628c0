package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/medscript/api/internal/client"
	"github.com/medscript/api/internal/config"
	"github.com/medscript/api/internal/handler"
	"github.com/medscript/api/internal/middleware"
	"github.com/medscript/api/internal/model"
	"github.com/medscript/api/internal/repository"
	"github.com/medscript/api/internal/service"
	"github.com/medscript/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Postgres
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.AutoMigrate(&model.Transcript{}); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// External clients
	geminiClient := client.NewGeminiClient(&cfg.Gemini)
	if !geminiClient.IsConfigured() {
		log.Println("Warning: Gemini API key not configured; transcription jobs will fail")
	}

	storageClient, err := client.NewS3Client(&cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage client: %v", err)
	}

	// Repository and services
	transcriptRepo := repository.NewTranscriptRepository(db)
	transcriptService := service.NewTranscriptService(transcriptRepo, storageClient, asynqClient, service.DefaultRetryPolicy)

	// Handlers
	transcriptHandler := handler.NewTranscriptHandler(transcriptService, validate)

	// Middleware
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    12 * 1024 * 1024, // 10MB image + multipart overhead
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"gemini": geminiClient.IsConfigured(),
			},
		})
	})

	// API routes
	api := app.Group("/api")

	transcripts := api.Group("/transcripts")
	transcripts.Post("/", rateLimiter.UploadLimit(cfg.RateLimit.UploadsPerHour), transcriptHandler.Create)
	transcripts.Get("/", transcriptHandler.List)
	transcripts.Get("/:id", transcriptHandler.Get)
	transcripts.Get("/:id/status", transcriptHandler.Status)
	transcripts.Put("/:id", rateLimiter.UploadLimit(cfg.RateLimit.UploadsPerHour), transcriptHandler.Update)
	transcripts.Post("/:id/retry", rateLimiter.RetryLimit(cfg.RateLimit.RetriesPerMin), transcriptHandler.Retry)
	transcripts.Delete("/:id", transcriptHandler.Delete)

	// Start Asynq worker server
	go startWorkerServer(cfg, transcriptRepo, storageClient, geminiClient)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, repo repository.TranscriptRepository, storage client.StorageClient, ai client.Transcriber) {
	policy := service.DefaultRetryPolicy

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 5,
			Queues: map[string]int{
				service.QueueTranscription: 10,
			},
			RetryDelayFunc: policy.RetryDelayFunc,
		},
	)

	transcriptionWorker := worker.NewTranscriptionWorker(repo, storage, ai)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeTranscribe, transcriptionWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
