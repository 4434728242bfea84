// Package api 提供只读的状态查询接口、健康检查与受口令保护的手动告警入口
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"zonemonitor/internal/buildinfo"
	"zonemonitor/internal/config"
	"zonemonitor/internal/logger"
)

// Server HTTP服务器
type Server struct {
	handler    *Handler
	router     *gin.Engine
	httpServer *http.Server
	addr       string
}

// NewServer 创建服务器
func NewServer(deps Deps, cfg *config.AppConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	handler := NewHandler(deps, cfg)
	setupMiddleware(router, cfg)
	registerRoutes(router, handler)

	addr := cfg.API.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &Server{handler: handler, router: router, addr: addr}
}

// setupMiddleware 注册 CORS、request id、gzip 与安全头
func setupMiddleware(router *gin.Engine, cfg *config.AppConfig) {
	allowedOrigins := append([]string(nil), cfg.API.CORSOrigins...)

	// 开发模式自动允许本地开发域名
	if os.Getenv("GIN_MODE") != "release" {
		allowedOrigins = append(allowedOrigins,
			"http://localhost:5173",
			"http://127.0.0.1:5173",
			"http://localhost:8080",
			"http://127.0.0.1:8080",
		)
	}
	if extraOrigins := os.Getenv("ZONEMONITOR_CORS_ORIGINS"); extraOrigins != "" {
		allowedOrigins = append(allowedOrigins, strings.Split(extraOrigins, ",")...)
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "Accept-Encoding"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 每个请求生成短 request id，便于日志追踪
	router.Use(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	})

	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	})
}

func registerRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", h.GetHealth)
	router.HEAD("/health", h.GetHealth)

	api := router.Group("/api")
	api.GET("/zones", h.GetZones)
	api.GET("/zones/:id", h.GetZone)
	api.GET("/zones/:id/history", h.GetZoneHistory)
	api.POST("/zones/:id/notify", h.PostManualNotify)
	api.GET("/history", h.GetHistory)
	api.GET("/sweeps", h.GetSweeps)
	api.GET("/notifications", h.GetNotifications)

	api.GET("/version", func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{
			"version":    buildinfo.GetVersion(),
			"git_commit": buildinfo.GetGitCommit(),
			"build_time": buildinfo.GetBuildTime(),
			"go_version": buildinfo.GetGoVersion(),
		})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
}

// Handler 返回路由处理器（测试用）
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器（阻塞）
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // 手动告警需要等待通道发送
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("api", "HTTP 服务已启动",
		"addr", s.addr,
		"health", fmt.Sprintf("http://%s/health", displayAddr(s.addr)))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("启动HTTP服务失败: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("api", "正在关闭HTTP服务器")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// UpdateConfig 更新配置（热更新时调用）
func (s *Server) UpdateConfig(cfg *config.AppConfig) {
	s.handler.UpdateConfig(cfg)
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
