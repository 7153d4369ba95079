package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/chatd/internal/metrics"
	"github.com/hitoshi/chatd/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authorizer        middleware.TokenAuthorizer
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	BackendTimeout    time.Duration // 下流呼び出しの上限時間（0で無効）

	// 認証
	AuthGateway AuthGatewayInterface

	// 会話スレッド
	SessionManager SessionManagerInterface

	// ヘルスチェック
	DB Pinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → CORS → Timeout → Auth → RateLimit(General)
//
// 認証ルート（/auth/*）とヘルスチェックはAuth以降の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewTimeoutMiddleware(deps.BackendTimeout))

	authHandler := NewAuthHandler(deps.AuthGateway)
	threadHandler := NewThreadHandler(deps.SessionManager)
	healthHandler := NewHealthHandler(deps.DB)

	// --- 認証不要のルート ---

	r.Get("/healthz", healthHandler.Healthz)

	// 認証ルート（OAuthフロー、ローカル登録、トークン操作）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/{provider}/login", authHandler.Login)
		r.Get("/{provider}/callback", authHandler.Callback)
		r.Post("/register", authHandler.Register)
		r.Post("/token", authHandler.Token)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)

		// /auth/meだけはベアラートークン検証が必要
		r.With(middleware.NewAuthMiddleware(deps.Authorizer, deps.Metrics)).Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Authorizer, deps.Metrics))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 会話スレッド管理
		r.Route("/api/threads", func(r chi.Router) {
			r.Post("/", threadHandler.CreateThread)
			r.Get("/", threadHandler.ListThreads)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", threadHandler.GetThread)
				r.Delete("/", threadHandler.DeleteThread)

				// POST /api/threads/{id}/generate - ターン生成（専用レート制限を追加）
				r.With(deps.RateLimiter.TurnMiddleware()).Post("/generate", threadHandler.GenerateTurn)

				r.Post("/feedback", threadHandler.RecordFeedback)
			})
		})
	})

	return r
}
