package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/database"
	"github.com/stemsi/exstem-examtaker/internal/handler"
	"github.com/stemsi/exstem-examtaker/internal/logger"
	"github.com/stemsi/exstem-examtaker/internal/middleware"
	"github.com/stemsi/exstem-examtaker/internal/repository"
	"github.com/stemsi/exstem-examtaker/internal/router"
	"github.com/stemsi/exstem-examtaker/internal/service"
	"github.com/stemsi/exstem-examtaker/internal/validator"
	"github.com/stemsi/exstem-examtaker/internal/worker"
)

const (
	loginRateLimit    = 30
	loginRateInterval = time.Minute
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, nil)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Dur("submit_grace", cfg.SubmitGrace).
		Msg("Starting ExStem Attempt Service")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	studentRepo := repository.NewStudentRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	redisStore := repository.NewRedisStore(rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, studentRepo, redisStore)
	studentService := service.NewStudentService(studentRepo, cfg.BcryptCost)
	examService := service.NewExamService(examRepo, redisStore, attemptRepo, log)
	attemptService := service.NewAttemptService(examService, attemptRepo, redisStore, cfg.SubmitGrace, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth: handler.NewAuthHandler(authService, studentService, log),
		Exam: handler.NewExamHandler(examService, attemptService, log),
		WS:   handler.NewWSHandler(attemptService, redisStore, cfg.ClockStreamInterval, log, cfg.AllowedOrigins),
		Health: handler.NewHealthHandler(map[string]handler.HealthCheck{
			"postgres": database.PostgresCheck(pool),
			"redis":    database.RedisCheck(rdb),
		}, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	expiryWorker := worker.NewExpiryWorker(attemptRepo, attemptService, cfg.SubmitGrace, cfg.ExpirySweepInterval, log)
	workers.Add(1)
	go func() {
		defer workers.Done()
		expiryWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	loginLimiter := middleware.NewRateLimiter(ctx, loginRateLimit, loginRateInterval)
	r := router.SetupRouter(authService, handlers, loginLimiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Open clock streams
	// are hijacked connections and are not waited for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the expiry worker; it runs one last sweep before returning.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
