package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/handler"
	"github.com/stemsi/exstem-examtaker/internal/middleware"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stemsi/exstem-examtaker/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth   *handler.AuthHandler
	Exam   *handler.ExamHandler
	WS     *handler.WSHandler
	Health *handler.HealthHandler
}

// Auth is what the route guards need from service.AuthService.
type Auth interface {
	ValidateToken(tokenStr string) (*service.Claims, error)
	middleware.SessionValidator
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	auth Auth,
	handlers *Handlers,
	loginLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.TestMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	if handlers.Health != nil {
		router.GET("/health", handlers.Health.Health)
	} else {
		router.GET("/health", func(c *gin.Context) {
			response.Success(c, http.StatusOK, gin.H{"status": "ok"})
		})
	}

	studentAuth := []gin.HandlerFunc{
		middleware.RequireStudentJWT(auth),
		middleware.CheckSingleDeviceSession(auth),
	}

	// ─── 1. Auth Group ─────────────────────────────────────────────────
	authAPI := router.Group("/api/v1/auth")
	{
		authAPI.POST("/login", loginLimiter.Middleware(), handlers.Auth.Login)
		authAPI.POST("/logout", append(studentAuth, handlers.Auth.Logout)...)
		authAPI.GET("/me", append(studentAuth, handlers.Auth.Me)...)
	}

	// ─── 2. Exam Group (JWT + Single Device) ───────────────────────────
	examAPI := router.Group("/api/v1/examenes")
	examAPI.Use(studentAuth...)
	examAPI.Use(
		middleware.NoStore(),
		middleware.Brotli(middleware.DefaultCompressQuality, middleware.DefaultCompressMinLength),
	)
	{
		examAPI.GET("/:id", handlers.Exam.GetExam)
		examAPI.POST("/:id/iniciar", handlers.Exam.StartAttempt)
		examAPI.POST("/:id/enviar", handlers.Exam.SubmitAttempt)
	}

	// ─── 3. WebSocket Group (token in query) ───────────────────────────
	wsAPI := router.Group("/ws/v1")
	wsAPI.Use(studentAuth...)
	{
		wsAPI.GET("/examenes/:id/reloj", handlers.WS.ClockStream)
	}

	return router
}
