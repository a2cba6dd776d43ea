package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/puppybell/internal/metrics"
	"github.com/hitoshi/puppybell/internal/middleware"
	"github.com/hitoshi/puppybell/internal/model"
)

// HealthChecker はヘルスチェックで疎通確認するストア。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Logger            *slog.Logger
	RequestTimeout    time.Duration

	// 運用
	HealthChecker  HealthChecker
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler // nilの場合は /metrics を公開しない

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ドメイン
	ProfileService     ProfileServiceInterface
	BondService        BondServiceInterface
	InteractionService InteractionServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS → Timeout
//	→ (APIのみ) Session → RateLimit(General) → CSRF
//
// /health、/metrics、/auth/* はセッション検証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.RequestTimeout > 0 {
		r.Use(chimw.Timeout(deps.RequestTimeout))
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	profileHandler := NewProfileHandler(deps.ProfileService)
	bondHandler := NewBondHandler(deps.BondService)
	interactionHandler := NewInteractionHandler(deps.InteractionService)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// プロフィール
		r.Route("/api/identities", func(r chi.Router) {
			r.Get("/me", profileHandler.GetMe)
			r.Put("/me/role", profileHandler.SetRole)
			r.Get("/{id}", profileHandler.GetProfile)
		})

		// ペアリクエスト
		r.Route("/api/bonds/requests", func(r chi.Router) {
			// POST /api/bonds/requests - 送信専用レート制限を追加
			r.With(deps.RateLimiter.BondRequestMiddleware()).Post("/", bondHandler.SendRequest)
			r.Get("/sent", bondHandler.ListSent)
			r.Get("/received", bondHandler.ListReceived)
			r.Post("/{id}/accept", bondHandler.AcceptRequest)
		})

		// インタラクション
		r.Route("/api/interactions", func(r chi.Router) {
			r.Post("/", interactionHandler.Notify)
			r.Get("/", interactionHandler.List)
			r.Get("/responses", interactionHandler.ListPresetResponses)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", interactionHandler.Get)
				r.Post("/response", interactionHandler.Respond)
			})
		})
	})

	return r
}

// healthHandler はストアへの疎通確認結果を返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError(err))
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
