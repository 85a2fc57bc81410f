package main

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/pano-forge/internal/auth"
	"github.com/yourusername/pano-forge/internal/config"
	"github.com/yourusername/pano-forge/internal/metrics"
	"github.com/yourusername/pano-forge/internal/pano"
	"github.com/yourusername/pano-forge/internal/storage"
)

// newRouter はミドルウェアとルートを配線した gin.Engine を返します。
func newRouter(cfg *config.Config, svc *pano.Service, local *storage.Local, authManager *auth.Manager, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), metrics.Middleware())
	router.Use(cors.New(corsConfig(cfg)))

	// 認証不要のエンドポイント
	router.GET("/health", handleHealth)
	router.GET("/metrics", metrics.Handler())

	// 生成済みツアーの配信（ディレクトリ一覧は出さない）
	router.Static("/panoramas", local.Root())
	router.GET("/", indexHandler(cfg.WebRoot))

	api := router.Group("/api", authManager.RequireToken())
	pano.RegisterRoutes(api, svc)

	return router
}

func corsConfig(cfg *config.Config) cors.Config {
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	var origins []string
	for _, origin := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		auth.TokenHeader,
	}
	corsConfig.MaxAge = 12 * time.Hour
	return corsConfig
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "pano-forge-api",
		"version": "0.1.0",
	})
}

// indexHandler は WEB_ROOT/index.html があれば返し、無ければ 404 にします。
func indexHandler(webRoot string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if webRoot == "" {
			c.Status(http.StatusNotFound)
			return
		}
		index := filepath.Join(webRoot, "index.html")
		if info, err := os.Stat(index); err != nil || info.IsDir() {
			c.Status(http.StatusNotFound)
			return
		}
		c.File(index)
	}
}

// requestLogger は各リクエストを slog に記録します。4xx は WARN、5xx は ERROR です。
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}

		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.Int("bytes", c.Writer.Size()),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}
