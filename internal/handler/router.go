package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/ryoa/internal/auth"
	"github.com/hitoshi/ryoa/internal/metrics"
	"github.com/hitoshi/ryoa/internal/middleware"
)

// SessionManager はルーターが必要とするセッション操作のインターフェース。
// *auth.SessionManagerが満たす。
type SessionManager interface {
	middleware.SessionAuthenticator
	SessionService
}

// OAuthService はOAuthフローとリフレッシュトークンによる再ログインを提供する。
// *auth.Linkerが満たす。
type OAuthService interface {
	OAuthLinker
	middleware.TokenRefresher
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// 認証
	Sessions SessionManager
	OAuth    OAuthService
	Accounts AccountServiceInterface
	Profiles ProfileServiceInterface
	Policy   middleware.Policy
	// Cookies はoauth_stateとプロバイダートークンCookieの属性。
	Cookies auth.CookieConfig

	// ミドルウェア依存
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	HSTS              bool
	LoginLimiter      *middleware.RateLimiter
	// ClientIPKey はレート制限のキー。nilならソケットの接続元を使う。
	ClientIPKey middleware.KeyFunc

	// 運用
	DB             Pinger
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS → Tracing → Guard
//
// Guardはすべてのルートに効き、公開パスと除外パスの判定はPolicyが行う。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewTracingMiddleware())
	r.Use(middleware.NewGuardMiddleware(middleware.GuardConfig{
		Policy:           deps.Policy,
		Sessions:         deps.Sessions,
		Refresher:        deps.OAuth,
		RefreshProviders: deps.OAuth.ProviderNames(),
		ProviderCookies:  deps.Cookies,
		Metrics:          deps.Metrics,
		Now:              deps.Sessions.Now,
	}))

	authHandler := NewAuthHandler(deps.OAuth, deps.Sessions, AuthHandlerConfig{
		Cookies: deps.Cookies,
		Policy:  deps.Policy,
	})
	accountHandler := NewAccountHandler(deps.Accounts, deps.Sessions, deps.Policy)
	userHandler := NewUserHandler(deps.Profiles)

	// --- 運用エンドポイント（Guard除外） ---
	if deps.DB != nil {
		r.Get("/health", HealthHandler(deps.DB))
	}
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- ページ ---
	r.Get("/", PageHandler("home"))
	r.Get("/login", PageHandler("login"))
	r.Get("/register", PageHandler("register"))
	r.Get("/dashboard", PageHandler("dashboard"))
	r.Get("/dashboard/admin", PageHandler("admin"))

	// --- OAuthフロー ---
	r.Get("/login/{provider}", authHandler.Login)
	r.Get("/api/auth/{provider}/callback", authHandler.Callback)

	r.Get("/api/auth/status", authHandler.Status)
	r.Get("/api/auth/me", accountHandler.Me)
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	// --- ユーザー ---
	r.Get("/api/users", userHandler.ListUsers)
	r.Get("/api/profile", userHandler.GetProfile)

	// --- 状態を変更するルート ---
	// ミドルウェアスタック: CSRF → RateLimit（登録・ログインのみ）
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Group(func(r chi.Router) {
			if deps.LoginLimiter != nil {
				keyFunc := deps.ClientIPKey
				if keyFunc == nil {
					keyFunc = middleware.ClientIPKey
				}
				r.Use(deps.LoginLimiter.Middleware(keyFunc))
			}
			r.Post("/api/auth/register", accountHandler.Register)
			r.Post("/api/auth/login", accountHandler.Login)
		})

		r.Post("/api/auth/logout", authHandler.Logout)
		r.Post("/api/auth/password", accountHandler.ChangePassword)
		r.Put("/api/profile", userHandler.UpdateProfile)
	})

	return r
}
