package httptransport

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrace/backend/internal/auth"
	"mailtrace/backend/internal/config"
	"mailtrace/backend/internal/health"
	"mailtrace/backend/internal/middleware"
	"mailtrace/backend/internal/monitoring"
	"mailtrace/backend/internal/websocket"
)

//go:embed templates/*.html static/*
var assets embed.FS

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config      *config.Config
	MailService MailService
	FormTokens  *auth.FormTokens
	Logger      *zap.Logger

	// 以下为可选依赖，为空时不注册对应路由或中间件
	Metrics     *monitoring.Metrics
	Health      *health.HealthChecker
	Streamer    *websocket.StatusStreamer
	RateLimiter *middleware.IPRateLimiter
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := deps.FormTokens
	if tokens == nil {
		tokens = auth.NewFormTokens(config.FormConfig{})
	}

	router := gin.New()

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
		router.Use(mm.PanicRecovery())
		router.Use(mm.HTTPMetrics())
	} else {
		router.Use(middleware.RecoveryHandler(logger, nil))
	}
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())

	maxBody := deps.Config.Upload.MaxRequestSize
	if maxBody <= 0 {
		maxBody = middleware.DefaultBodyLimit
	}
	router.Use(middleware.BodySizeLimit(maxBody))

	if len(deps.Config.CORS.AllowedOrigins) > 0 {
		router.Use(gincors.New(corsConfig(deps.Config.CORS.AllowedOrigins)))
	}

	router.SetHTMLTemplate(template.Must(template.New("").ParseFS(assets, "templates/*.html")))
	static, err := fs.Sub(assets, "static")
	if err != nil {
		panic(err)
	}
	router.StaticFS("/static", http.FS(static))

	handler := NewMailHandler(deps.MailService, tokens, logger)

	router.GET("/", handler.Index)

	send := []gin.HandlerFunc{}
	if deps.RateLimiter != nil {
		send = append(send, middleware.RateLimit(deps.RateLimiter, deps.Metrics))
	}
	send = append(send, handler.Send)
	router.POST("/send", send...)

	router.GET("/check_status", handler.CheckStatus)

	if deps.Streamer != nil {
		router.GET("/ws/status", deps.Streamer.Handle)
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	} else {
		router.GET("/health/live", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{})
		})
	}

	return router
}

func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range cfg.AllowOrigins {
		if origin == "*" {
			cfg.AllowCredentials = false
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			break
		}
	}
	return cfg
}
