// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/docvault/internal/auth"
	"github.com/yourusername/docvault/internal/config"
	"github.com/yourusername/docvault/internal/pdf"
	"github.com/yourusername/docvault/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.GinMode)

	if err := run(cfg, logger); err != nil {
		logger.Error("api server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	docs, err := storage.NewLocalStore(cfg.StorageDir, "/api/documents")
	if err != nil {
		return err
	}
	manipulator := pdf.NewManipulator(
		pdf.WithRasterizer(&pdf.GhostscriptRasterizer{Path: cfg.GhostscriptPath, WorkDir: cfg.WorkDir}),
		pdf.WithGhostscript(cfg.GhostscriptPath),
	)

	rt, err := setupJobs(cfg, docs, manipulator, logger)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		rt.Close()
		return err
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(sessions.Sessions(auth.SessionCookieName, newSessionStore(cfg)))
	router.Use(cors.New(newCORSConfig(cfg)))

	setupRoutes(router, cfg, &handlers{
		docs:    docs,
		service: rt.service,
		maxFile: cfg.MaxFileSize,
		logger:  logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting api server", "addr", srv.Addr, "mode", cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http server shutdown", "error", shutdownErr)
	}
	if stopErr := rt.Stop(shutdownCtx); stopErr != nil {
		logger.Warn("job runtime shutdown", "error", stopErr)
	}
	return err
}

// newLogger は release モードでは JSON、それ以外ではテキストのロガーを返します。
func newLogger(mode string) *slog.Logger {
	if mode == gin.ReleaseMode {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newSessionStore はセッションストアを作成します（クッキー署名鍵は必須）。
func newSessionStore(cfg *config.Config) sessions.Store {
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	return store
}

func newCORSConfig(cfg *config.Config) cors.Config {
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "Content-Disposition"}
	return corsConfig
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "docvault-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, h *handlers) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
			authRoutes.GET("/me", authManager.RequireLogin(), authManager.Me)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			documents := protected.Group("/documents")
			documents.POST("", h.uploadDocument)
			documents.GET("/:id", h.downloadDocument)
			documents.DELETE("/:id", h.deleteDocument)
			documents.POST("/:id/grants", h.grantDocument)
			documents.DELETE("/:id/grants/:userId", h.revokeDocument)

			for path, kind := range pipelineRoutes {
				p := pipelineHandler{service: h.service, kind: kind}
				group := protected.Group("/" + path)
				group.POST("/start", p.start)
				group.GET("/jobs/:id", p.get)
				group.DELETE("/jobs/:id", p.cancel)
				group.GET("/documents/:id/jobs", p.listByDocument)
			}
		}
	}
}
