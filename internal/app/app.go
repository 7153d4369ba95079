// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chatd/internal/auth"
	"github.com/hitoshi/chatd/internal/auth/federation"
	"github.com/hitoshi/chatd/internal/cache"
	"github.com/hitoshi/chatd/internal/config"
	"github.com/hitoshi/chatd/internal/database"
	"github.com/hitoshi/chatd/internal/engine"
	"github.com/hitoshi/chatd/internal/handler"
	"github.com/hitoshi/chatd/internal/logger"
	"github.com/hitoshi/chatd/internal/metrics"
	"github.com/hitoshi/chatd/internal/middleware"
	"github.com/hitoshi/chatd/internal/repository"
	"github.com/hitoshi/chatd/internal/security"
	"github.com/hitoshi/chatd/internal/session"
	"github.com/hitoshi/chatd/internal/token"
	"github.com/hitoshi/chatd/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newCache は設定に応じたキャッシュ実装を生成する。
// 戻り値のstop関数はシャットダウン時に呼ぶ。
func newCache(cfg *config.Config) (cache.Cache, func(), error) {
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis cache enabled", slog.String("addr", cfg.RedisAddr))
		return rc, func() { rc.Close() }, nil
	default:
		mc := cache.NewMemoryCache()
		slog.Info("in-memory cache enabled")
		return mc, mc.Stop, nil
	}
}

// newProviderRegistry は設定済みのIdPだけを登録したRegistryを生成する。
func newProviderRegistry(cfg *config.Config) *federation.Registry {
	var providers []*federation.Provider

	if cfg.Google.Enabled() {
		providers = append(providers, federation.NewGoogleProvider(federation.GoogleConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		}))
	}
	if cfg.GitHub.Enabled() {
		providers = append(providers, federation.NewGitHubProvider(federation.GitHubConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.GitHub.RedirectURL,
		}))
	}

	registry := federation.NewRegistry(providers...)
	slog.Info("oauth providers configured", slog.Any("providers", registry.Names()))
	return registry
}

// newEngine は設定に応じた会話エンジンを生成する。
func newEngine(cfg *config.Config) (engine.ConversationEngine, error) {
	switch cfg.EngineBackend {
	case "fallback", "":
		return engine.NewFallbackEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported ENGINE_BACKEND %q", cfg.EngineBackend)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続とキャッシュを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. キャッシュの初期化
	cacheLayer, stopCache, err := newCache(cfg)
	if err != nil {
		return err
	}
	defer stopCache()

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	snapshotStore := repository.NewPostgresSnapshotRepo(db)

	// 4. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 5. 認証ゲートウェイの初期化
	codec, err := token.NewCodec(cfg.TokenSecret, cfg.TokenKeyID)
	if err != nil {
		return fmt.Errorf("failed to create token codec: %w", err)
	}

	federator := federation.NewFederator(newProviderRegistry(cfg), cacheLayer, cfg.StateNonceTTL)
	gateway := auth.NewGateway(
		codec, federator, userRepo, identRepo, cacheLayer,
		auth.GatewayConfig{TokenTTL: cfg.TokenTTL},
	)

	// 6. セッションマネージャーの初期化
	sanitizer := security.NewMessageSanitizer()
	convEngine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	sessionManager := session.NewManager(
		snapshotStore, cacheLayer, convEngine, sanitizer, collector,
		session.ManagerConfig{SnapshotTTL: cfg.SnapshotTTL},
	)

	// 7. ルーターの構築
	rateLimiterCfg := middleware.RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		GeneralBurst:    cfg.RateLimitGeneral,
		TurnRate:        rate.Limit(float64(cfg.RateLimitTurn) / 60.0),
		TurnBurst:       cfg.RateLimitTurn,
		CleanupInterval: 5 * time.Minute,
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Authorizer:        gateway,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Metrics:           collector,
		BackendTimeout:    cfg.BackendTimeout,

		AuthGateway:    gateway,
		SessionManager: sessionManager,

		DB: db,
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動（/metricsは別ポートで公開）
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:    ":9090",
		Handler: metrics.SetupMetricsRoute(registry),
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runCleanup はクリーンアップバッチを1回実行して終了する。
// cronなどの外部スケジューラから日次で起動されることを想定する。
func runCleanup(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	job := cleanup.NewCleanupJob(db, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := job.Run(ctx); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
