// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/jobs"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// 変換サービスの初期化（スクラッチディレクトリもここで作成される）
	convertService, err := convert.NewService(cfg)
	if err != nil {
		log.Fatalf("Failed to init convert service: %v", err)
	}

	// 起動時に ebook-convert の存在を確認する。見つからなくてもサーバーは起動する。
	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if !convertService.ToolInstalled(startupCtx) {
		log.Printf("WARNING: ebook-convert (Calibre) が見つかりません。変換機能は利用できません。")
		log.Printf("  macOS: brew install calibre / https://calibre-ebook.com/download")
	}
	cancel()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = 32 << 20

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	corsConfig.ExposeHeaders = []string{"X-Job-Id", "Content-Disposition"}
	router.Use(cors.New(corsConfig))

	// 非同期ジョブ基盤の初期化。Redisが利用できない環境では同期処理のみで動かす。
	manager, err := setupJobs(cfg, convertService)
	if err != nil {
		log.Printf("WARNING: job queue unavailable, running in synchronous mode: %v", err)
		manager = nil
	} else {
		manager.StartWorkers()
	}

	// ルーティングの設定
	setupRoutes(router, cfg, convertService, manager)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーを返します。
// ツール検出はキャッシュを利用するため、リクエスト毎にサブプロセスは起動しません。
func handleHealth(svc *convert.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"service":       "epub-forge-api",
			"version":       "0.1.0",
			"toolInstalled": svc.ToolInstalled(c.Request.Context()),
		})
	}
}

// handleToolRefresh は検出キャッシュを破棄して ebook-convert を再探索します。
func handleToolRefresh(svc *convert.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		installed, path := svc.RefreshTool(c.Request.Context())
		payload := gin.H{
			"status":        "ok",
			"toolInstalled": installed,
		}
		if installed {
			payload["toolPath"] = path
		}
		c.JSON(http.StatusOK, payload)
	}
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, convertService *convert.Service, manager *jobs.Manager) {
	router.GET("/", handleIndex)
	router.GET("/health", handleHealth(convertService))

	opts := convert.HandlerOptions{
		AsyncThresholdBytes: cfg.AsyncThresholdBytes,
	}
	if manager != nil {
		opts.Scheduler = &convertJobScheduler{manager: manager}
	}
	router.POST("/convert", convert.ConvertHandler(convertService, opts))

	api := router.Group("/api")
	{
		api.POST("/tool/refresh", handleToolRefresh(convertService))

		if manager != nil {
			jobRoutes := api.Group("/jobs")
			{
				jobRoutes.GET("/:id", jobStatusHandler(manager))
				jobRoutes.GET("/:id/events", jobEventsHandler(manager))
				jobRoutes.GET("/:id/download", jobDownloadHandler(convertService))
			}
		}
	}
}
