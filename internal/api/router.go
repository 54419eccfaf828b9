// Package api HTTP 接口
package api

import (
	"time"

	"github.com/apk-analysis/artguard/internal/api/handlers"
	"github.com/apk-analysis/artguard/internal/boundary"
	"github.com/apk-analysis/artguard/internal/config"
	"github.com/apk-analysis/artguard/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// Deps 路由依赖，除 Adapter 外均可为 nil
type Deps struct {
	Adapter    *boundary.Adapter
	Reports    handlers.ReportService
	Recent     handlers.RecentReports
	Submitter  handlers.SnapshotSubmitter
	Hub        *handlers.ReportHub
	Metrics    *middleware.PrometheusMetrics
	MemMonitor *middleware.MemoryMonitor
}

// SetupRouter 注册所有路由
func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Deps) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}
	if deps.MemMonitor != nil {
		r.GET("/debug/memory", deps.MemMonitor.MetricsEndpoint())
	}

	resultHandler := handlers.NewResultHandler(deps.Adapter, logger)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": Version,
		})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", resultHandler.GetStatus)
		v1.GET("/flags", resultHandler.GetFlags)
		v1.GET("/methods/unhooked", resultHandler.GetUnhookedMethods)
		v1.GET("/callbacks/cleared", resultHandler.GetClearedCallbacks)
		v1.GET("/framework", resultHandler.GetFramework)
		v1.GET("/result", resultHandler.GetResult)

		if deps.Recent != nil {
			reportHandler := handlers.NewReportHandler(deps.Reports, deps.Recent, deps.Submitter, cfg.DataDir+"/uploads", logger)
			v1.GET("/reports", reportHandler.ListReports)
			v1.GET("/reports/:id", reportHandler.GetReport)
			if deps.Submitter != nil {
				v1.POST("/snapshots", middleware.AuthMiddleware(cfg.Server.APIToken), reportHandler.SubmitSnapshot)
			}
		}
	}

	if deps.Hub != nil {
		r.GET("/ws/reports", deps.Hub.HandleWebSocket)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
